package pipeline

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/rally-crm/backend/internal/models"
)

// DefaultPresetName is always present in a Presets set.
const DefaultPresetName = "default"

// DefaultRules is the rule set events get when no preset or explicit rules are given.
func DefaultRules() models.PipelineRules {
	minEngagement := models.DefaultMinEngagement
	manualOverride := true
	return models.PipelineRules{
		AutoSopOnIntake: true,
		SopTriggers:     []string{models.SourceLandingForm, models.SourceCSV, models.SourceQR, models.SourceAdminAdd},
		RSVPTriggers:    []string{},
		PaidTriggers:    []string{models.SourceStripe},
		ChampionCriteria: &models.ChampionCriteria{
			MinEngagement:         &minEngagement,
			TagsAny:               []string{},
			ManualOverrideAllowed: &manualOverride,
		},
	}
}

// Presets are named rule sets admins can pick when creating an event.
type Presets map[string]models.PipelineRules

type presetsFile struct {
	Presets map[string]models.PipelineRules `yaml:"presets"`
}

// LoadPresets reads a YAML file of the form
//
//	presets:
//	  bootcamp:
//	    auto_sop_on_intake: true
//	    sop_triggers: [landing_form, qr]
//	    champion_criteria:
//	      min_engagement: 4
//
// An empty path yields only the default preset.
func LoadPresets(path string) (Presets, error) {
	out := Presets{DefaultPresetName: DefaultRules()}
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	parsed, err := ParsePresets(raw)
	if err != nil {
		return nil, err
	}
	for name, rules := range parsed {
		out[name] = rules
	}
	return out, nil
}

// ParsePresets decodes and validates preset YAML.
func ParsePresets(raw []byte) (Presets, error) {
	var f presetsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	for name, rules := range f.Presets {
		if name == "" {
			return nil, fmt.Errorf("preset with empty name")
		}
		if c := rules.ChampionCriteria; c != nil && c.MinEngagement != nil && *c.MinEngagement < 0 {
			return nil, fmt.Errorf("preset %q: min_engagement must not be negative", name)
		}
	}
	return Presets(f.Presets), nil
}

// Lookup returns a copy of the named preset.
func (p Presets) Lookup(name string) (models.PipelineRules, bool) {
	rules, ok := p[name]
	if !ok {
		return models.PipelineRules{}, false
	}
	return cloneRules(rules), true
}

// Names lists preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func cloneRules(r models.PipelineRules) models.PipelineRules {
	r.SopTriggers = slices.Clone(r.SopTriggers)
	r.RSVPTriggers = slices.Clone(r.RSVPTriggers)
	r.PaidTriggers = slices.Clone(r.PaidTriggers)
	if r.ChampionCriteria != nil {
		c := *r.ChampionCriteria
		c.TagsAny = slices.Clone(c.TagsAny)
		if c.MinEngagement != nil {
			v := *c.MinEngagement
			c.MinEngagement = &v
		}
		if c.ManualOverrideAllowed != nil {
			v := *c.ManualOverrideAllowed
			c.ManualOverrideAllowed = &v
		}
		r.ChampionCriteria = &c
	}
	return r
}
