package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/testutil"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func newService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	objSvc := objectives.NewService(db, bus.New())
	return NewService(db, objSvc), db
}

func samplePlan() CreateParams {
	return CreateParams{
		RepositoryPath: "/repo",
		Title:          "Auth rollout",
		Description:    "Ship OAuth login",
		Sections: []store.Section{
			{
				ID:       "backend",
				Type:     "implementation",
				Title:    "Backend work",
				Priority: 8,
				ObjectiveTemplates: []store.ObjectiveTemplate{
					{Description: "token endpoint", ObjectiveType: "feature", EstimatedHours: 6},
					{Description: "session storage", ObjectiveType: "feature", EstimatedHours: 4},
				},
			},
			{
				ID:            "qa",
				Type:          "testing",
				Title:         "Verification",
				Priority:      5,
				Prerequisites: []string{"backend"},
				ObjectiveTemplates: []store.ObjectiveTemplate{
					{Description: "integration tests", ObjectiveType: "testing", EstimatedHours: 3},
				},
			},
		},
	}
}

func TestPlanStatusFlow(t *testing.T) {
	svc, _ := newService(t)

	p, err := svc.Create(samplePlan())
	require.NoError(t, err)
	require.Equal(t, store.PlanDraft, p.Status)

	// Draft plans cannot execute.
	_, err = svc.ExecutePlan(p.ID)
	require.True(t, zerr.Is(err, zerr.KindIllegalTransition))

	p, err = svc.Approve(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.PlanApproved, p.Status)

	// Approving twice is rejected.
	_, err = svc.Approve(p.ID)
	require.True(t, zerr.Is(err, zerr.KindIllegalTransition))

	_, err = svc.ExecutePlan(p.ID)
	require.NoError(t, err)

	got, err := svc.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.PlanInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	done, err := svc.MarkCompleted(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.PlanCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestExecutePlanMaterializesObjectives(t *testing.T) {
	svc, db := newService(t)

	p, err := svc.Create(samplePlan())
	require.NoError(t, err)
	_, err = svc.Approve(p.ID)
	require.NoError(t, err)

	created, err := svc.ExecutePlan(p.ID)
	require.NoError(t, err)
	require.Len(t, created, 3)

	for _, o := range created {
		require.Equal(t, p.ID, o.Requirements.PlanID)
		require.Equal(t, "/repo", o.RepositoryPath)
		require.Equal(t, store.ObjectivePending, o.Status)
	}

	require.Equal(t, "backend", created[0].Requirements.SectionID)
	require.Equal(t, 8, created[0].Priority, "priority comes from the section")
	require.Equal(t, 6.0, created[0].Requirements.EstimatedHours)

	// The qa objective depends on every backend objective.
	qa := created[2]
	require.Equal(t, "qa", qa.Requirements.SectionID)
	require.ElementsMatch(t, []string{created[0].ID, created[1].ID}, qa.Requirements.Dependencies)

	deps, err := db.Objectives().GetDependencies(qa.ID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
}

func TestDeletePlanTombstonesLinks(t *testing.T) {
	svc, db := newService(t)

	p, err := svc.Create(samplePlan())
	require.NoError(t, err)
	_, err = svc.Approve(p.ID)
	require.NoError(t, err)
	created, err := svc.ExecutePlan(p.ID)
	require.NoError(t, err)

	deleted, err := svc.Delete(p.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = svc.Get(p.ID)
	require.True(t, zerr.IsNotFound(err))

	// Materialized objectives survive with a tombstoned link.
	got, err := db.Objectives().FindByID(created[0].ID)
	require.NoError(t, err)
	require.Equal(t, "deleted:"+p.ID, got.Requirements.PlanID)
}

func TestLoadFromDir(t *testing.T) {
	svc, _ := newService(t)

	dir := t.TempDir()
	good := `---
title: Payments revamp
description: Replace the billing pipeline
sections:
  - id: core
    type: implementation
    title: Core
    priority: 7
    objective_templates:
      - description: new invoice model
        objective_type: refactor
        estimated_hours: 5
---
# Payments revamp

Details live here.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.md"), []byte(good), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	plans, err := svc.LoadFromDir(dir, "/repo")
	require.NoError(t, err)
	require.Len(t, plans, 1, "bad and non-markdown files are skipped")

	p := plans[0]
	require.Equal(t, "Payments revamp", p.Title)
	require.Equal(t, store.PlanDraft, p.Status)
	require.Len(t, p.Sections, 1)
	require.Equal(t, "core", p.Sections[0].ID)
	require.Len(t, p.Sections[0].ObjectiveTemplates, 1)
	require.Contains(t, p.Objectives, "# Payments revamp")

	// A missing directory is not an error.
	none, err := svc.LoadFromDir(filepath.Join(dir, "missing"), "/repo")
	require.NoError(t, err)
	require.Empty(t, none)
}
