package scoring

import "strings"

// Inferrer derives required skill tags from free task text. It is a
// deterministic rule-based classifier, deliberately swappable so the scorer
// never depends on how tags were produced.
type Inferrer interface {
	Infer(text string) []string
}

type keywordCluster struct {
	category string
	keywords []string
	tags     []string
}

// KeywordInferrer scans task text for fixed keyword clusters mapped to skill
// categories and emits skill-name-like tags for the scorer to match.
type KeywordInferrer struct {
	clusters []keywordCluster
}

func NewKeywordInferrer() *KeywordInferrer {
	return &KeywordInferrer{
		clusters: []keywordCluster{
			{
				category: "financial",
				keywords: []string{"invoice", "budget", "accounting", "tax", "payment", "payroll", "expense", "audit"},
				tags:     []string{"accounting", "finance"},
			},
			{
				category: "legal",
				keywords: []string{"contract", "agreement", "compliance", "lawsuit", "legal", "nda", "terms"},
				tags:     []string{"legal", "law"},
			},
			{
				category: "technical",
				keywords: []string{"bug", "server", "deploy", "code", "website", "software", "api", "database", "outage"},
				tags:     []string{"engineering", "software", "technical"},
			},
			{
				category: "administrative",
				keywords: []string{"schedule", "meeting", "organize", "coordinate", "filing", "calendar", "booking"},
				tags:     []string{"administration", "office"},
			},
		},
	}
}

// Infer returns the tags of every cluster whose keywords appear in the text.
// An empty result means no cluster matched; callers fall back to scoring on
// workload alone.
func (k *KeywordInferrer) Infer(text string) []string {
	lowered := strings.ToLower(text)
	var tags []string
	for _, cluster := range k.clusters {
		for _, keyword := range cluster.keywords {
			if strings.Contains(lowered, keyword) {
				tags = append(tags, cluster.tags...)
				break
			}
		}
	}
	return tags
}

// Categories lists the cluster names, exposed for transparency surfaces.
func (k *KeywordInferrer) Categories() []string {
	names := make([]string, 0, len(k.clusters))
	for _, cluster := range k.clusters {
		names = append(names, cluster.category)
	}
	return names
}
