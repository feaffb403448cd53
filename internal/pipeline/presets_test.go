package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const presetYAML = `
presets:
  bootcamp:
    auto_sop_on_intake: true
    sop_triggers: [landing_form, qr]
    rsvp_triggers: [qr]
    champion_criteria:
      min_engagement: 4
      tags_any: [captain]
      manual_override_allowed: false
`

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(presetYAML), 0o600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"bootcamp", "default"}, presets.Names())

	rules, ok := presets.Lookup("bootcamp")
	require.True(t, ok)
	assert.True(t, rules.AutoSopOnIntake)
	assert.Equal(t, []string{"qr"}, rules.RSVPTriggers)
	assert.Equal(t, 4, rules.ChampionCriteria.MinScore())
	assert.False(t, rules.ChampionCriteria.AllowsManualOverride())
	assert.Equal(t, []string{"captain"}, rules.ChampionCriteria.TagsAny)
}

func TestLoadPresets_EmptyPath(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	rules, ok := presets.Lookup(DefaultPresetName)
	require.True(t, ok)
	assert.Equal(t, 3, rules.ChampionCriteria.MinScore())
	assert.True(t, rules.ChampionCriteria.AllowsManualOverride())
}

func TestParsePresets_RejectsNegativeThreshold(t *testing.T) {
	_, err := ParsePresets([]byte("presets:\n  bad:\n    champion_criteria:\n      min_engagement: -1\n"))
	assert.Error(t, err)
}

func TestLookupReturnsCopy(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	rules, _ := presets.Lookup(DefaultPresetName)
	rules.SopTriggers[0] = "mutated"
	*rules.ChampionCriteria.MinEngagement = 99

	again, _ := presets.Lookup(DefaultPresetName)
	assert.Equal(t, "landing_form", again.SopTriggers[0])
	assert.Equal(t, 3, again.ChampionCriteria.MinScore())
}
