// Package imports turns uploaded CSV files of contacts into event memberships.
package imports

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rally-crm/backend/internal/memberships"
)

// ErrNoEmailColumn is returned when the header row has no recognizable email column.
var ErrNoEmailColumn = errors.New("csv header has no email column")

// MaxRows bounds a single import.
const MaxRows = 10000

// header aliases, compared after lower-casing and trimming
var columnAliases = map[string]string{
	"name":          "name",
	"full name":     "name",
	"full_name":     "name",
	"email":         "email",
	"e-mail":        "email",
	"email address": "email",
	"phone":         "phone",
	"phone number":  "phone",
	"mobile":        "phone",
	"tags":          "tags",
	"rsvp":          "rsvp",
}

// Row is one parsed contact line.
type Row struct {
	Line  int
	Name  string
	Email string
	Phone string
	Tags  []string
	RSVP  bool
}

// Contact converts the row to intake input.
func (r Row) Contact() memberships.ContactInput {
	return memberships.ContactInput{Name: r.Name, Email: r.Email, Phone: r.Phone, Tags: r.Tags}
}

// RowError explains why a line was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParseCSV reads a header row followed by contact rows. Rows with a missing or invalid email
// are returned as RowErrors; the error result is reserved for unreadable input.
func ParseCSV(r io.Reader) ([]Row, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, ErrNoEmailColumn
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := columnAliases[h]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	if _, ok := cols["email"]; !ok {
		return nil, nil, ErrNoEmailColumn
	}

	var rows []Row
	var bad []RowError
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				bad = append(bad, RowError{Line: perr.StartLine, Reason: perr.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		if isBlank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		if len(rows)+len(bad) >= MaxRows {
			return nil, nil, fmt.Errorf("csv has more than %d rows", MaxRows)
		}
		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		row := Row{
			Line:  line,
			Name:  get("name"),
			Email: get("email"),
			Phone: get("phone"),
			Tags:  splitTags(get("tags")),
			RSVP:  parseBool(get("rsvp")),
		}
		in, err := memberships.NormalizeContact(row.Contact())
		if err != nil {
			reason := "invalid email"
			if row.Email == "" {
				reason = "missing email"
			}
			bad = append(bad, RowError{Line: line, Reason: reason})
			continue
		}
		row.Email = in.Email
		rows = append(rows, row)
	}
	return rows, bad, nil
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ";") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1":
		return true
	}
	return false
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
