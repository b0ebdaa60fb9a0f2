package orchestrator

import (
	"strings"

	"github.com/zmcptools/zmcp/internal/store"
)

// Analysis is the complexity read on an orchestration objective. It
// drives which specialists get spawned and which model the planner runs.
type Analysis struct {
	Score            int
	RecommendedModel string
	Specializations  []string
	EstimatedAgents  int
}

// ComplexityAnalyzer estimates the complexity of an objective. The
// default is the keyword heuristic below; callers may inject their own.
type ComplexityAnalyzer interface {
	Analyze(objective string) Analysis
}

const (
	modelDefault  = "sonnet"
	modelAdvanced = "opus"

	// complexModelThreshold is the score at which planning moves to the
	// advanced model.
	complexModelThreshold = 60

	specializationWeight = 15
)

// specializationKeywords maps an agent specialization to the objective
// words that suggest it.
var specializationKeywords = map[string][]string{
	"frontend":      {"ui", "frontend", "react", "css", "page", "component", "dashboard", "browser"},
	"backend":       {"api", "backend", "server", "database", "endpoint", "auth", "service", "queue"},
	"testing":       {"test", "tests", "coverage", "regression", "qa"},
	"documentation": {"docs", "documentation", "readme", "guide"},
	"devops":        {"deploy", "deployment", "ci", "docker", "pipeline", "infrastructure"},
}

// specializationOrder keeps spawn order deterministic.
var specializationOrder = []string{"backend", "frontend", "testing", "documentation", "devops"}

// specializationObjectiveTypes buckets each specialist's sub-objective.
var specializationObjectiveTypes = map[string]store.ObjectiveType{
	"frontend":      store.ObjectiveFeature,
	"backend":       store.ObjectiveFeature,
	"testing":       store.ObjectiveTesting,
	"documentation": store.ObjectiveDocumentation,
	"devops":        store.ObjectiveDeployment,
}

// HeuristicAnalyzer scores an objective by word count plus keyword hits.
type HeuristicAnalyzer struct{}

// Analyze derives specializations from keyword matches; an objective
// matching nothing still gets a backend specialist so execution always
// has at least one agent.
func (HeuristicAnalyzer) Analyze(objective string) Analysis {
	words := strings.Fields(strings.ToLower(objective))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[strings.Trim(w, ".,;:()[]{}'\"")] = true
	}

	var specs []string
	for _, spec := range specializationOrder {
		for _, kw := range specializationKeywords[spec] {
			if seen[kw] {
				specs = append(specs, spec)
				break
			}
		}
	}
	if len(specs) == 0 {
		specs = []string{"backend"}
	}

	score := len(words) + specializationWeight*len(specs)
	model := modelDefault
	if score >= complexModelThreshold {
		model = modelAdvanced
	}
	return Analysis{
		Score:            score,
		RecommendedModel: model,
		Specializations:  specs,
		// planner and researcher ride along with the specialists
		EstimatedAgents: len(specs) + 2,
	}
}

func objectiveTypeFor(specialization string) store.ObjectiveType {
	if t, ok := specializationObjectiveTypes[specialization]; ok {
		return t
	}
	return store.ObjectiveFeature
}
