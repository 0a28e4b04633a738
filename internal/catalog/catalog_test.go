package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogIsConsistent(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 1, c.Version)
	assert.Len(t, c.Stages, 5)
	assert.Equal(t, "unaware", c.Stages[0].ID)
	assert.Equal(t, "most_aware", c.Stages[len(c.Stages)-1].ID)

	for _, a := range c.Archetypes {
		for _, g := range a.Goals {
			_, ok := c.GoalByID(g)
			assert.True(t, ok, "archetype %s goal %s", a.ID, g)
		}
		for _, in := range a.Intensities {
			_, ok := c.IntensityByID(in)
			assert.True(t, ok, "archetype %s intensity %s", a.ID, in)
		}
		assert.GreaterOrEqual(t, a.BaseImpact, 1)
		assert.LessOrEqual(t, a.BaseImpact, 5)
		assert.NotEmpty(t, a.ActionTemplates)
	}
}

func TestStageIndexOrdering(t *testing.T) {
	c := Default()

	lower, ok := c.StageIndex("problem_aware")
	require.True(t, ok)
	higher, ok := c.StageIndex("product_aware")
	require.True(t, ok)
	assert.Less(t, lower, higher)

	_, ok = c.StageIndex("nonexistent")
	assert.False(t, ok)
}

func TestTimeframeAllowed(t *testing.T) {
	c := Default()

	for _, days := range []int{7, 14, 30, 60} {
		assert.True(t, c.TimeframeAllowed(days), "days %d", days)
	}
	assert.False(t, c.TimeframeAllowed(10))
	assert.False(t, c.TimeframeAllowed(0))
}

func TestFromYAMLRejectsBrokenReferences(t *testing.T) {
	_, err := FromYAML([]byte(`
version: 1
goals:
  - {id: conversion, name: Conversion}
stages:
  - {id: a, name: A}
  - {id: b, name: B}
timeframes:
  - {days: 7, label: one week}
intensities:
  - {id: standard, name: Standard, multiplier: 1.0, actions_per_week: 2}
archetypes:
  - id: broken
    name: Broken
    posture: direct
    behavior_role: motivation
    goals: [missing-goal]
    intensities: [standard]
    base_impact: 3
    promise_template: "x"
    action_templates: ["y"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown goal")
}

func TestFromYAMLRejectsBadImpact(t *testing.T) {
	_, err := FromYAML([]byte(`
version: 1
goals:
  - {id: conversion, name: Conversion}
stages:
  - {id: a, name: A}
  - {id: b, name: B}
timeframes:
  - {days: 7, label: one week}
intensities:
  - {id: standard, name: Standard, multiplier: 1.0, actions_per_week: 2}
archetypes:
  - id: toobig
    name: Too big
    posture: direct
    behavior_role: motivation
    goals: [conversion]
    intensities: [standard]
    base_impact: 9
    promise_template: "x"
    action_templates: ["y"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_impact")
}

func TestArchetypeSupport(t *testing.T) {
	c := Default()

	a, ok := c.ArchetypeByID("deadline-offer")
	require.True(t, ok)
	assert.True(t, a.SupportsGoal("conversion"))
	assert.False(t, a.SupportsGoal("awareness"))
	assert.True(t, a.SupportsIntensity("aggressive"))
	assert.False(t, a.SupportsIntensity("light"))
}
