package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Workspace.ID)
	assert.Equal(t, 100, cfg.AudienceFailFloorOrDefault())
	assert.Equal(t, 1000, cfg.AudienceWarnFloorOrDefault())
	assert.Equal(t, 7, cfg.AggressiveMinDaysOrDefault())
	assert.Equal(t, 3, cfg.MaxResultsOrDefault())
}

func TestNilConfigDefaults(t *testing.T) {
	var cfg *Config
	assert.Equal(t, 100, cfg.AudienceFailFloorOrDefault())
	assert.Equal(t, 1000, cfg.AudienceWarnFloorOrDefault())
	assert.Equal(t, 7, cfg.AggressiveMinDaysOrDefault())
	assert.Equal(t, 3, cfg.MaxResultsOrDefault())
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte(`
workspace:
  id: acme
  kind: marketing-workspace
recommend:
  max_results: 9
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_results")

	_, err = FromYAML([]byte(`
workspace:
  id: acme
  kind: marketing-workspace
preflight:
  audience_fail_floor: 500
  audience_warn_floor: 200
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warn_floor")

	_, err = FromYAML([]byte(`
workspace:
  id: acme
  kind: something-else
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marketing-workspace")
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`
workspace:
  id: acme
  kind: marketing-workspace
preflight:
  audience_fail_floor: 50
  audience_warn_floor: 400
  aggressive_min_days: 10
recommend:
  max_results: 5
webhooks:
  - url: https://example.com/hook
    events: [move.advanced]
`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.AudienceFailFloorOrDefault())
	assert.Equal(t, 400, cfg.AudienceWarnFloorOrDefault())
	assert.Equal(t, 10, cfg.AggressiveMinDaysOrDefault())
	assert.Equal(t, 5, cfg.MaxResultsOrDefault())
	require.Len(t, cfg.Webhooks, 1)
}
