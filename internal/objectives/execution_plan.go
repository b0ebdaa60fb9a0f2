package objectives

import (
	"sort"

	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// defaultObjectiveHours is assumed when an objective carries no estimate,
// so critical-path math never degenerates to zero-length paths.
const defaultObjectiveHours = 1.0

// ExecutionPlan is the result of planning a set of objectives.
type ExecutionPlan struct {
	Objectives        []*store.Objective
	ExecutionOrder    []string
	Dependencies      map[string][]string
	CriticalPath      []string
	EstimatedDuration float64
	RiskAssessment    RiskAssessment
}

// RiskAssessment is a coarse rating of an execution plan.
type RiskAssessment struct {
	Level   string
	Factors []string
}

// ExecutionPlan orders the given objectives topologically by their
// dependency edges, ties broken by priority descending then creation
// time. Edges leaving the supplied set are ignored. A cycle within the
// set fails the whole call.
func (s *Service) ExecutionPlan(objectiveIDs []string) (*ExecutionPlan, error) {
	byID := make(map[string]*store.Objective, len(objectiveIDs))
	objectives := make([]*store.Objective, 0, len(objectiveIDs))
	for _, id := range objectiveIDs {
		if _, ok := byID[id]; ok {
			continue
		}
		o, err := s.db.Objectives().FindByID(id)
		if err != nil {
			return nil, err
		}
		byID[id] = o
		objectives = append(objectives, o)
	}

	// Restrict edges to the planned set.
	deps := make(map[string][]string, len(objectives))
	indegree := make(map[string]int, len(objectives))
	dependents := make(map[string][]string)
	for _, o := range objectives {
		indegree[o.ID] += 0
		for _, depID := range o.Requirements.Dependencies {
			if _, ok := byID[depID]; !ok {
				continue
			}
			deps[o.ID] = append(deps[o.ID], depID)
			dependents[depID] = append(dependents[depID], o.ID)
			indegree[o.ID]++
		}
	}

	order := topoOrder(byID, indegree, dependents)
	if len(order) != len(objectives) {
		return nil, zerr.New(zerr.KindCycle, "dependency cycle among %d objectives", len(objectives))
	}

	path, duration := criticalPath(byID, deps, order)

	return &ExecutionPlan{
		Objectives:        objectives,
		ExecutionOrder:    order,
		Dependencies:      deps,
		CriticalPath:      path,
		EstimatedDuration: duration,
		RiskAssessment:    assessRisk(objectives, deps, duration),
	}, nil
}

// topoOrder runs Kahn's algorithm with a deterministically sorted ready
// set so equal graphs always yield the same order.
func topoOrder(byID map[string]*store.Objective, indegree map[string]int, dependents map[string][]string) []string {
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		oa, ob := byID[a], byID[b]
		if oa.Priority != ob.Priority {
			return oa.Priority > ob.Priority
		}
		if !oa.CreatedAt.Equal(ob.CreatedAt) {
			return oa.CreatedAt.Before(ob.CreatedAt)
		}
		return oa.ID < ob.ID
	}

	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

// criticalPath finds the longest-duration chain through the DAG, walking
// the topological order so each node sees finished predecessors.
func criticalPath(byID map[string]*store.Objective, deps map[string][]string, order []string) ([]string, float64) {
	hours := func(id string) float64 {
		if h := byID[id].Requirements.EstimatedHours; h > 0 {
			return h
		}
		return defaultObjectiveHours
	}

	longest := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		best := 0.0
		for _, depID := range deps[id] {
			if longest[depID] > best {
				best = longest[depID]
				prev[id] = depID
			}
		}
		longest[id] = best + hours(id)
	}

	var endID string
	var total float64
	for _, id := range order {
		if longest[id] > total {
			total = longest[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, 0
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, total
}

// assessRisk rates a plan from its shape. Thresholds are coarse on
// purpose; the rating is advisory.
func assessRisk(objectives []*store.Objective, deps map[string][]string, duration float64) RiskAssessment {
	var factors []string
	edges := 0
	for _, d := range deps {
		edges += len(d)
	}
	if len(objectives) > 10 {
		factors = append(factors, "large objective count")
	}
	if edges > len(objectives) {
		factors = append(factors, "dense dependency graph")
	}
	if duration > 40 {
		factors = append(factors, "long estimated duration")
	}
	for _, o := range objectives {
		if o.Status == store.ObjectiveFailed {
			factors = append(factors, "contains failed objectives")
			break
		}
	}

	level := "low"
	switch {
	case len(factors) >= 3:
		level = "high"
	case len(factors) >= 1:
		level = "medium"
	}
	return RiskAssessment{Level: level, Factors: factors}
}
