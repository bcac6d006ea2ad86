// Package scoring ranks roster members against a task's required skills.
// Scoring is pure and synchronous; it never touches storage or the model.
package scoring

import (
	"sort"
	"strings"

	"opsdesk/app/pkg/types"
)

const workloadPenaltyPerTask = 2

// Score ranks every snapshot member for the required skill tags, descending
// by final score. Ties keep the snapshot order (stable sort).
func Score(requiredSkills []string, snapshot types.WorkloadSnapshot) []types.ScoreResult {
	results := make([]types.ScoreResult, 0, len(snapshot.Members))
	for _, member := range snapshot.Members {
		result := types.ScoreResult{
			CandidateID:     member.ID,
			CandidateName:   member.Name,
			WorkloadPenalty: member.OpenTaskCount * workloadPenaltyPerTask,
		}
		for _, required := range requiredSkills {
			for _, skill := range member.Skills {
				if skillMatches(required, skill.Name) {
					result.SkillMatchScore += skill.Level
					result.MatchingSkills = append(result.MatchingSkills, skill.Name)
					break
				}
			}
		}
		if isAdministrativeRole(member.Role) {
			result.RoleBonus = 1
		}
		result.FinalScore = result.SkillMatchScore + result.RoleBonus - result.WorkloadPenalty
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})
	return results
}

// skillMatches does bidirectional case-insensitive containment, mirroring
// fuzzy real-world skill naming ("Accounting" vs "accounting & tax").
func skillMatches(required, declared string) bool {
	required = strings.ToLower(strings.TrimSpace(required))
	declared = strings.ToLower(strings.TrimSpace(declared))
	if required == "" || declared == "" {
		return false
	}
	return strings.Contains(declared, required) || strings.Contains(required, declared)
}

func isAdministrativeRole(role string) bool {
	return strings.Contains(strings.ToLower(role), "admin")
}

// Recommendation carries the top candidate plus up to two alternatives kept
// for transparency.
type Recommendation struct {
	Best         types.ScoreResult
	Alternatives []types.ScoreResult
	All          []types.ScoreResult
}

// Recommend wraps Score with the top-entry / alternatives split. ok is false
// when the snapshot has no members.
func Recommend(requiredSkills []string, snapshot types.WorkloadSnapshot) (Recommendation, bool) {
	ranked := Score(requiredSkills, snapshot)
	if len(ranked) == 0 {
		return Recommendation{}, false
	}
	rec := Recommendation{Best: ranked[0], All: ranked}
	if len(ranked) > 1 {
		end := len(ranked)
		if end > 3 {
			end = 3
		}
		rec.Alternatives = ranked[1:end]
	}
	return rec, true
}
