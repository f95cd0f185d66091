package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlanYAML = `
id: plan-1
title: Sample feature
phases:
  - id: design
    name: Design
    capability: planner
    tasks:
      - id: design-api
        description: Design the API surface
        output: api sketch
  - id: build
    name: Build
    capability: backend
    dependencies: [0]
    parallel: true
    tasks:
      - id: build-handlers
        description: Implement handlers
        input: [design-api]
      - id: build-storage
        description: Implement storage
        capability: backend
`

func TestParsePlan(t *testing.T) {
	doc, err := ParsePlan([]byte(validPlanYAML))
	require.NoError(t, err)
	require.Len(t, doc.Phases, 2)
	assert.Equal(t, "plan-1", doc.ID)
	assert.Equal(t, []int{0}, doc.Phases[1].Dependencies)
	assert.True(t, doc.Phases[1].Parallel)
	assert.Equal(t, []string{"design-api"}, doc.Phases[1].Tasks[0].Input)
}

func TestParsePlan_Malformed(t *testing.T) {
	_, err := ParsePlan([]byte("{not yaml: ["))
	assert.Error(t, err)
}

func TestPlanValidate(t *testing.T) {
	base := func() *PlanDocument {
		doc, err := ParsePlan([]byte(validPlanYAML))
		require.NoError(t, err)
		return doc
	}

	tests := []struct {
		name    string
		mutate  func(*PlanDocument)
		wantErr string
	}{
		{"valid", func(d *PlanDocument) {}, ""},
		{"missing id", func(d *PlanDocument) { d.ID = "" }, "id"},
		{"missing title", func(d *PlanDocument) { d.Title = "" }, "title"},
		{"no phases", func(d *PlanDocument) { d.Phases = nil }, "phases"},
		{"unknown capability", func(d *PlanDocument) { d.Phases[0].Capability = "wizard" }, "capability"},
		{"forward dependency", func(d *PlanDocument) { d.Phases[0].Dependencies = []int{1} }, "strictly earlier"},
		{"self dependency", func(d *PlanDocument) { d.Phases[1].Dependencies = []int{1} }, "strictly earlier"},
		{"duplicate task id", func(d *PlanDocument) { d.Phases[1].Tasks[1].ID = "design-api" }, "duplicate task id"},
		{"empty phase", func(d *PlanDocument) { d.Phases[0].Tasks = nil }, "at least one task"},
		{"dangling input ref", func(d *PlanDocument) { d.Phases[1].Tasks[0].Input = []string{"nope"} }, "input reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := base()
			tt.mutate(doc)
			err := doc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	doc := &PlanDocument{}
	err := doc.Validate()
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verr.Errors), 3)
}

func TestNewBuild(t *testing.T) {
	doc, err := ParsePlan([]byte(validPlanYAML))
	require.NoError(t, err)

	b, err := NewBuild(doc)
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	assert.Equal(t, BuildPending, b.Status)
	assert.Equal(t, EscalationNone, b.EscalationLevel)
	require.Len(t, b.Phases, 2)

	// Task without explicit capability inherits the phase capability.
	assert.Equal(t, CapabilityBackend, b.Phases[1].Tasks[0].Capability)
	for _, p := range b.Phases {
		assert.Equal(t, PhasePending, p.Status)
		for _, task := range p.Tasks {
			assert.Equal(t, TaskQueued, task.Status)
		}
	}
}

func TestNewBuild_RejectsInvalidPlan(t *testing.T) {
	b, err := NewBuild(&PlanDocument{ID: "x"})
	assert.Error(t, err)
	assert.Nil(t, b, "no partial build may be created from an invalid plan")
}
