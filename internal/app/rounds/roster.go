// Package rounds dispatches tasks to recipients. Round 1 reads a CSV roster;
// round 2 revisits every repo reported for round 1. Each (email, round) is
// claimed in the store before the POST, so re-running a driver never sends a
// recipient the same round twice.
package rounds

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tutu-network/appgrader/internal/domain"
)

// Entry is one roster row.
type Entry struct {
	Email         string
	Secret        string
	Task          string
	Round         int
	Brief         string
	Checks        []string
	Attachments   []domain.Attachment
	EvaluationURL string
	Endpoint      string // recipient intake endpoint; empty uses the driver default
	Template      string // template id; fills task, brief, checks and attachments
}

var requiredColumns = []string{"email", "secret"}

// LoadRoster reads a roster CSV file. See ParseRoster.
func LoadRoster(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ParseRoster(f)
}

// ParseRoster reads roster rows. Valid rows are always returned; invalid rows
// are reported together in the error, each wrapping ErrRosterInvalid.
func ParseRoster(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", domain.ErrRosterInvalid, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", domain.ErrRosterInvalid, c)
		}
	}

	var entries []Entry
	var errs []error
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: line %d: %v", domain.ErrRosterInvalid, line, err))
			continue
		}
		get := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		e, err := parseEntry(get)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: line %d: %v", domain.ErrRosterInvalid, line, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, errors.Join(errs...)
}

func parseEntry(get func(string) string) (Entry, error) {
	e := Entry{
		Email:         get("email"),
		Secret:        get("secret"),
		Task:          get("task"),
		Brief:         get("brief"),
		EvaluationURL: get("evaluation_url"),
		Endpoint:      get("endpoint"),
		Template:      get("template"),
		Round:         1,
	}
	if !strings.Contains(e.Email, "@") {
		return Entry{}, fmt.Errorf("invalid email %q", e.Email)
	}
	if e.Secret == "" {
		return Entry{}, errors.New("secret is empty")
	}
	if e.Task == "" && e.Template == "" {
		return Entry{}, errors.New("either task or template is required")
	}
	if s := get("round"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Entry{}, fmt.Errorf("invalid round %q", s)
		}
		e.Round = n
	}
	e.Checks = splitChecks(get("checks"))
	if s := get("attachments"); s != "" {
		if err := json.Unmarshal([]byte(s), &e.Attachments); err != nil {
			return Entry{}, fmt.Errorf("attachments: %w", err)
		}
	}
	return e, nil
}

// splitChecks splits the comma-separated checks column.
func splitChecks(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
