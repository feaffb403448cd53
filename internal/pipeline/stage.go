package pipeline

import (
	"errors"
	"fmt"

	"github.com/rally-crm/backend/internal/models"
)

// ErrInvalidStage is returned when a stage is not part of the event's pipeline.
var ErrInvalidStage = errors.New("stage not in pipeline")

// Pipeline is the ordered set of stages an event accepts.
type Pipeline []models.Stage

// DefaultPipeline is used when neither the event nor its organization define one.
func DefaultPipeline() Pipeline {
	return Pipeline{
		models.StageSOPEntry,
		models.StageRSVP,
		models.StagePaid,
		models.StageAttended,
		models.StageChampion,
	}
}

// ResolvePipeline picks the event override, then the organization defaults, then DefaultPipeline.
func ResolvePipeline(org *models.Organization, ev *models.Event) Pipeline {
	if ev != nil && len(ev.Pipelines) > 0 {
		return fromStrings(ev.Pipelines)
	}
	if org != nil && len(org.PipelineDefaults) > 0 {
		return fromStrings(org.PipelineDefaults)
	}
	return DefaultPipeline()
}

func fromStrings(ss []string) Pipeline {
	p := make(Pipeline, 0, len(ss))
	for _, s := range ss {
		p = append(p, models.Stage(s))
	}
	return p
}

// Index returns the position of s, or -1.
func (p Pipeline) Index(s models.Stage) int {
	for i, st := range p {
		if st == s {
			return i
		}
	}
	return -1
}

// Contains reports whether s is one of the pipeline's stages.
func (p Pipeline) Contains(s models.Stage) bool {
	return p.Index(s) >= 0
}

// Validate returns ErrInvalidStage (wrapped with the stage name) when s is unknown.
func (p Pipeline) Validate(s models.Stage) error {
	if !p.Contains(s) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, s)
	}
	return nil
}

// Strings returns the stage names in order.
func (p Pipeline) Strings() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = string(s)
	}
	return out
}
