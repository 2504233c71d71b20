// Package parse turns raw bridge pool assignment documents into assignment sets.
//
// A document looks like:
//
//	@type bridge-pool-assignment 1.0
//	bridge-pool-assignment 2022-04-09 00:29:37
//	005fd4d7decbb250055b861579e6fdc79ad17bee email transport=obfs4
//	01ea4fb2da2086e71e7ca84c683fcadd2aa9036b https ip=4 blocklist=ru
//
// Annotation lines starting with '@' may precede the header. A malformed entry
// line is skipped with a Warning; only a missing or malformed header fails the document.
package parse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bpa-go/internal/model"
)

const (
	// TimestampLayout is the layout of the header's date and time fields.
	TimestampLayout = "2006-01-02 15:04:05"

	fingerprintLength = 40
)

// Warning describes an entry line that was skipped or partially ignored.
type Warning struct {
	Line   int // 1-based
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// lineResult is the outcome of one entry line: an assignment, or a reason to skip it.
// notes carry non-fatal problems with an otherwise usable line.
type lineResult struct {
	assignment model.Assignment
	skip       string
	notes      []string
}

// Parse parses doc. The returned warnings are valid even when err is non-nil.
// Errors wrap model.ErrHeaderMissing or model.ErrHeaderMalformed.
func Parse(doc model.RawDocument) (*model.AssignmentSet, []Warning, error) {
	var (
		warnings []Warning
		set      *model.AssignmentSet
	)

	for i, raw := range strings.Split(string(doc.Content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo := i + 1

		if set == nil {
			if strings.HasPrefix(line, "@") {
				continue
			}
			published, err := parseHeader(line)
			if err != nil {
				return nil, warnings, fmt.Errorf("parsing %s line %d: %w", doc.Path, lineNo, err)
			}
			set = &model.AssignmentSet{
				Published: published,
				Header:    line,
				Entries:   model.NewEntries(),
			}
			continue
		}

		res := parseEntry(line)
		if res.skip != "" {
			warnings = append(warnings, Warning{Line: lineNo, Reason: res.skip})
			continue
		}
		for _, n := range res.notes {
			warnings = append(warnings, Warning{Line: lineNo, Reason: n})
		}
		if set.Entries.Put(res.assignment) {
			warnings = append(warnings, Warning{
				Line:   lineNo,
				Reason: "duplicate fingerprint " + res.assignment.Fingerprint + " replaces earlier entry",
			})
		}
	}

	if set == nil {
		return nil, warnings, fmt.Errorf("parsing %s: no %s line: %w", doc.Path, model.HeaderKeyword, model.ErrHeaderMissing)
	}
	return set, warnings, nil
}

// parseHeader parses "bridge-pool-assignment <date> <time>" into a UTC instant.
func parseHeader(line string) (time.Time, error) {
	fields := strings.Fields(line)
	if fields[0] != model.HeaderKeyword {
		return time.Time{}, fmt.Errorf("expected %s, got %q: %w", model.HeaderKeyword, line, model.ErrHeaderMissing)
	}
	if len(fields) != 3 {
		return time.Time{}, fmt.Errorf("expected date and time in %q: %w", line, model.ErrHeaderMalformed)
	}

	published, err := time.Parse(TimestampLayout, fields[1]+" "+fields[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp in %q: %v: %w", line, err, model.ErrHeaderMalformed)
	}
	return published.UTC(), nil
}

// parseEntry parses "<fingerprint> <distribution_method>[ key=value ...]".
func parseEntry(line string) lineResult {
	fields := strings.Fields(line)

	fingerprint := fields[0]
	if !isFingerprint(fingerprint) {
		return lineResult{skip: fmt.Sprintf("invalid fingerprint %q", fingerprint)}
	}
	if len(fields) < 2 || strings.Contains(fields[1], "=") {
		return lineResult{skip: "missing distribution method for " + fingerprint}
	}

	res := lineResult{
		assignment: model.Assignment{
			Fingerprint:        fingerprint,
			DistributionMethod: fields[1],
			RawLine:            []byte(line),
		},
	}
	a := &res.assignment

	for _, token := range fields[2:] {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			res.notes = append(res.notes, fmt.Sprintf("ignoring token %q without '='", token))
			continue
		}
		switch key {
		case "transport":
			a.Transport = strPtr(value)
		case "ip":
			a.IP = strPtr(value)
		case "blocklist":
			a.Blocklist = strPtr(value)
		case "distributed":
			a.Distributed = strings.EqualFold(value, "true")
		case "state":
			a.State = strPtr(value)
		case "bandwidth":
			a.Bandwidth = strPtr(value)
		case "ratio":
			f, err := strconv.ParseFloat(value, 32)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				res.notes = append(res.notes, fmt.Sprintf("ignoring unparseable ratio %q", value))
				continue
			}
			r := float32(f)
			a.Ratio = &r
		}
	}

	return res
}

func isFingerprint(s string) bool {
	if len(s) != fingerprintLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func strPtr(s string) *string { return &s }
