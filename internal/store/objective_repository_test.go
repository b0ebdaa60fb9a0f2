package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func newTestObjective(repo, description string) *Objective {
	now := time.Now()
	return &Objective{
		ID:             ids.New(),
		RepositoryPath: repo,
		ObjectiveType:  ObjectiveFeature,
		Description:    description,
		Status:         ObjectivePending,
		Priority:       5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestObjectiveRepository_CreateAndFind(t *testing.T) {
	db := testDB(t)
	repo := db.Objectives()

	o := newTestObjective("/repo", "build the api")
	o.Requirements = Requirements{Dependencies: []string{"dep-1"}, PlanID: "plan-1"}
	require.NoError(t, repo.Create(o))

	got, err := repo.FindByID(o.ID)
	require.NoError(t, err)
	require.Equal(t, "build the api", got.Description)
	require.Equal(t, []string{"dep-1"}, got.Requirements.Dependencies)
	require.Equal(t, "plan-1", got.Requirements.PlanID)
	require.Equal(t, ObjectivePending, got.Status)
}

func TestObjectiveRepository_DeleteCascadesToDescendants(t *testing.T) {
	db := testDB(t)
	repo := db.Objectives()

	root := newTestObjective("/repo", "root")
	require.NoError(t, repo.Create(root))

	child := newTestObjective("/repo", "child")
	child.ParentObjectiveID = &root.ID
	require.NoError(t, repo.Create(child))

	grandchild := newTestObjective("/repo", "grandchild")
	grandchild.ParentObjectiveID = &child.ID
	require.NoError(t, repo.Create(grandchild))

	deleted, err := repo.Delete(root.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		_, err := repo.FindByID(id)
		require.True(t, zerr.IsNotFound(err), "descendant %s should be gone", id)
	}
}

func TestObjectiveRepository_ListOrderAndPaging(t *testing.T) {
	db := testDB(t)
	repo := db.Objectives()

	low := newTestObjective("/repo", "low priority")
	low.Priority = 1
	require.NoError(t, repo.Create(low))

	high := newTestObjective("/repo", "high priority")
	high.Priority = 9
	require.NoError(t, repo.Create(high))

	mid := newTestObjective("/repo", "mid priority")
	mid.Priority = 5
	require.NoError(t, repo.Create(mid))

	result, err := repo.List(ObjectiveFilter{RepositoryPath: "/repo", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.True(t, result.HasMore)
	require.Len(t, result.Data, 2)
	require.Equal(t, high.ID, result.Data[0].ID, "highest priority first")
	require.Equal(t, mid.ID, result.Data[1].ID)

	page2, err := repo.List(ObjectiveFilter{RepositoryPath: "/repo", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.False(t, page2.HasMore)
	require.Len(t, page2.Data, 1)
	require.Equal(t, low.ID, page2.Data[0].ID)
}

func TestObjectiveRepository_DependenciesAndDependents(t *testing.T) {
	db := testDB(t)
	repo := db.Objectives()

	dep := newTestObjective("/repo", "prerequisite")
	require.NoError(t, repo.Create(dep))

	main := newTestObjective("/repo", "depends on prerequisite")
	main.Requirements.Dependencies = []string{dep.ID, "vanished-id"}
	require.NoError(t, repo.Create(main))

	deps, err := repo.GetDependencies(main.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1, "missing dependency ids are skipped")
	require.Equal(t, dep.ID, deps[0].ID)

	dependents, err := repo.GetDependents(dep.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	require.Equal(t, main.ID, dependents[0].ID)

	none, err := repo.GetDependents(main.ID)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestObjectiveRepository_UnlinkPlan(t *testing.T) {
	db := testDB(t)
	repo := db.Objectives()

	linked := newTestObjective("/repo", "from plan")
	linked.Requirements.PlanID = "plan-42"
	require.NoError(t, repo.Create(linked))

	other := newTestObjective("/repo", "unrelated")
	require.NoError(t, repo.Create(other))

	n, err := repo.UnlinkPlan("plan-42")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := repo.FindByID(linked.ID)
	require.NoError(t, err)
	require.Equal(t, "deleted:plan-42", got.Requirements.PlanID)
}

func TestObjectiveStatusTransitions(t *testing.T) {
	require.True(t, ObjectivePending.CanTransitionTo(ObjectiveInProgress))
	require.True(t, ObjectivePending.CanTransitionTo(ObjectivePending))
	require.True(t, ObjectiveInProgress.CanTransitionTo(ObjectiveCompleted))
	require.True(t, ObjectiveInProgress.CanTransitionTo(ObjectiveFailed))

	require.False(t, ObjectivePending.CanTransitionTo(ObjectiveCompleted))
	require.False(t, ObjectiveCompleted.CanTransitionTo(ObjectiveInProgress))
	require.False(t, ObjectiveFailed.CanTransitionTo(ObjectivePending))
	require.False(t, ObjectiveInProgress.CanTransitionTo(ObjectivePending))
}
