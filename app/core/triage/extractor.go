package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"opsdesk/app/core/llm"
	"opsdesk/app/pkg/types"
)

// Extractor turns free-form text into an optional structured proposal. The
// model's literal reply format is this package's internal concern; downstream
// components only ever see a Proposal or its absence.
type Extractor struct {
	completer llm.Completer
}

func NewExtractor(completer llm.Completer) *Extractor {
	return &Extractor{completer: completer}
}

// Extract sends the enriched context to the completion service and parses a
// structured proposal out of the reply. A missing or malformed structured
// block returns (nil, rawReply, nil): analysis only, never fatal.
func (e *Extractor) Extract(ctx context.Context, message string, snapshot types.WorkloadSnapshot, currentDate time.Time) (*types.Proposal, string, error) {
	reply, err := e.completer.Complete(ctx, buildTriagePrompt(message, snapshot, currentDate))
	if err != nil {
		return nil, "", err
	}
	proposal := parseProposal(reply)
	return proposal, reply, nil
}

func buildTriagePrompt(message string, snapshot types.WorkloadSnapshot, currentDate time.Time) []llm.Message {
	var b strings.Builder
	b.WriteString("You are a work triage assistant for a small team.\n")
	b.WriteString("Decide whether the incoming message describes actionable work.\n")
	b.WriteString("Always reply with a short plain-text analysis first.\n")
	b.WriteString("If and only if the message is actionable, append a fenced json block:\n")
	b.WriteString("```json\n")
	b.WriteString(`{"task_name":"short title","task_description":"what needs doing","assignee_id":"optional member id","assignee_name":"optional","due_date":"YYYY-MM-DD optional","customer":"optional customer name","tags":["optional"]}` + "\n")
	b.WriteString("```\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Omit the json block entirely for non-actionable messages.\n")
	b.WriteString("- Only set assignee_id to an id from the team list below.\n")
	b.WriteString("- Ground relative dates (\"by Friday\") against the current date.\n")

	user := strings.Builder{}
	user.WriteString("Current date: " + currentDate.Format("Monday, 2006-01-02") + "\n\n")
	user.WriteString("Team:\n")
	if len(snapshot.Members) == 0 {
		user.WriteString("- none\n")
	}
	for _, member := range snapshot.Members {
		user.WriteString(fmt.Sprintf("- id=%s name=%q role=%q open_tasks=%d skills=%s\n",
			member.ID, member.Name, member.Role, member.OpenTaskCount, summarizeSkills(member.Skills)))
	}
	user.WriteString("\nMessage:\n")
	user.WriteString(message)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: b.String()},
		{Role: llm.RoleUser, Content: user.String()},
	}
}

func summarizeSkills(skills []types.Skill) string {
	if len(skills) == 0 {
		return "none"
	}
	top := skills
	if len(top) > 3 {
		top = top[:3]
	}
	parts := make([]string, 0, len(top))
	for _, skill := range top {
		parts = append(parts, fmt.Sprintf("%s(%d)", skill.Name, skill.Level))
	}
	return strings.Join(parts, ",")
}

// parseProposal locates the structured block and reads it with gjson.
// Parsing failures are swallowed: a malformed block is treated identically
// to no block at all.
func parseProposal(reply string) *types.Proposal {
	payload, ok := extractStructuredBlock(reply)
	if !ok || !gjson.Valid(payload) {
		return nil
	}

	parsed := gjson.Parse(payload)
	name := strings.TrimSpace(parsed.Get("task_name").String())
	if name == "" {
		return nil
	}

	proposal := &types.Proposal{
		TaskName:          name,
		TaskDescription:   strings.TrimSpace(parsed.Get("task_description").String()),
		SuggestedAssignee: strings.TrimSpace(parsed.Get("assignee_id").String()),
		AssigneeName:      strings.TrimSpace(parsed.Get("assignee_name").String()),
		DueDateRaw:        strings.TrimSpace(parsed.Get("due_date").String()),
		CustomerHint:      strings.TrimSpace(parsed.Get("customer").String()),
	}
	if proposal.TaskDescription == "" {
		proposal.TaskDescription = name
	}
	for _, tag := range parsed.Get("tags").Array() {
		if v := strings.TrimSpace(tag.String()); v != "" {
			proposal.Tags = append(proposal.Tags, v)
		}
	}
	return proposal
}

// extractStructuredBlock prefers a fenced ```json block and falls back to
// the outermost brace pair.
func extractStructuredBlock(reply string) (string, bool) {
	if i := strings.Index(reply, "```json"); i >= 0 {
		rest := reply[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), true
		}
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return reply[start : end+1], true
}
