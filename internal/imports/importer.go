package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/pipeline"
)

// maxReportedErrors bounds the per-row errors kept in a Result.
const maxReportedErrors = 20

// Intaker runs intake for one contact. *memberships.Service implements it.
type Intaker interface {
	Intake(ctx context.Context, ev *models.Event, in memberships.ContactInput, source string, form *pipeline.FormPayload) (*memberships.IntakeResult, error)
}

// Result summarizes one import run.
type Result struct {
	Total    int        `json:"total_rows"`
	Imported int        `json:"imported_rows"`
	Failed   int        `json:"failed_rows"`
	Errors   []RowError `json:"errors,omitempty"`
	// LastLine is the last CSV line whose outcome is counted above.
	LastLine int `json:"-"`
}

// Progress is where an earlier attempt of the same import stopped. Lines up to AfterLine
// are already committed and counted in Imported and Failed.
type Progress struct {
	AfterLine int
	Imported  int
	Failed    int
}

func (r *Result) fail(e RowError) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, e)
	}
}

// Summary renders the kept row errors on one line.
func (r Result) Summary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	s := strings.Join(parts, "; ")
	if r.Failed > len(r.Errors) {
		s += fmt.Sprintf("; and %d more", r.Failed-len(r.Errors))
	}
	return s
}

// Importer feeds CSV rows through membership intake with source csv.
type Importer struct {
	intake Intaker
	logger *zap.Logger
}

// NewImporter creates an importer.
func NewImporter(intake Intaker, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{intake: intake, logger: logger}
}

// Run imports every row of r into ev. Each row commits on its own, so one bad row does not
// undo the others. Only unreadable input or context cancellation return an error, together
// with the progress made so far.
func (im *Importer) Run(ctx context.Context, ev *models.Event, r io.Reader) (Result, error) {
	return im.Resume(ctx, ev, r, Progress{})
}

// Resume is Run for a retried import: lines up to from.AfterLine are skipped and their
// counts carried over. Row errors from earlier attempts are not kept.
func (im *Importer) Resume(ctx context.Context, ev *models.Event, r io.Reader, from Progress) (Result, error) {
	rows, bad, err := ParseCSV(r)
	if err != nil {
		return Result{LastLine: from.AfterLine, Imported: from.Imported, Failed: from.Failed}, err
	}
	res := Result{
		Total:    len(rows) + len(bad),
		Imported: from.Imported,
		Failed:   from.Failed,
		LastLine: from.AfterLine,
	}

	// bad rows are counted in line order so LastLine always covers everything counted
	next := 0
	countBad := func(upTo int) {
		for next < len(bad) && bad[next].Line <= upTo {
			if bad[next].Line > from.AfterLine {
				res.fail(bad[next])
				res.LastLine = bad[next].Line
			}
			next++
		}
	}

	for _, row := range rows {
		if row.Line <= from.AfterLine {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		countBad(row.Line)
		_, err := im.intake.Intake(ctx, ev, row.Contact(), models.SourceCSV, &pipeline.FormPayload{RSVP: row.RSVP})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			im.logger.Warn("csv row failed", zap.Int("line", row.Line), zap.Error(err))
			res.fail(RowError{Line: row.Line, Reason: err.Error()})
		} else {
			res.Imported++
		}
		res.LastLine = row.Line
	}
	countBad(math.MaxInt)

	im.logger.Info("csv import finished",
		zap.String("event_id", ev.ID.String()),
		zap.Int("total", res.Total), zap.Int("imported", res.Imported), zap.Int("failed", res.Failed))
	return res, nil
}
