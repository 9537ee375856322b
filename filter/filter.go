// Package filter classifies text against an operator-maintained blocked-term
// list. Classification is pure and synchronous; the term set is loaded at
// startup and refreshed only through Reload.
package filter

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Decision is the classification outcome.
type Decision int

const (
	Allowed Decision = iota
	Blocked
)

func (d Decision) String() string {
	if d == Blocked {
		return "blocked"
	}
	return "allowed"
}

// leetMap folds common digit substitutions before matching.
var leetMap = map[rune]rune{
	'3': 'e',
	'1': 'i',
	'0': 'o',
	'4': 'a',
	'5': 's',
	'7': 't',
}

// Filter holds the blocked-term set. When the term list cannot be loaded the
// filter runs degraded and blocks everything; unfiltered egress is never
// permitted.
type Filter struct {
	mu       sync.RWMutex
	terms    map[string]struct{}
	strict   bool
	degraded bool
	path     string
	enabled  bool
}

// New loads the blocked-term list from path. A load failure does not return an
// error; it leaves the filter degraded so that classification fails closed
// until a successful Reload.
func New(path string, enabled, strict bool) *Filter {
	f := &Filter{path: path, strict: strict, enabled: enabled}
	if !enabled {
		return f
	}
	if err := f.Reload(); err != nil {
		slog.Error("blocked-term list load failed, filter degraded",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	return f
}

// Reload re-reads the term list. On failure the previous set is discarded and
// the filter goes degraded.
func (f *Filter) Reload() error {
	terms, err := loadTerms(f.path)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.terms = nil
		f.degraded = true
		return err
	}
	f.terms = terms
	f.degraded = false
	slog.Info("blocked-term list loaded", slog.String("path", f.path), slog.Int("terms", len(terms)))
	return nil
}

func loadTerms(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blocked-term list %s", path)
	}
	defer file.Close()

	terms := map[string]struct{}{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		normalized := Normalize(line)
		if normalized != "" {
			terms[normalized] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read blocked-term list %s", path)
	}
	return terms, nil
}

// Normalize case-folds, applies the leetspeak table, strips characters that
// are neither alphanumeric nor whitespace, and collapses whitespace runs.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		if mapped, ok := leetMap[r]; ok {
			r = mapped
		}
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Classify returns Blocked when any normalized token matches a blocked term,
// or, in strict mode, when any term occurs as a substring of the normalized
// text. A degraded filter blocks every input.
func (f *Filter) Classify(text string) Decision {
	if !f.enabled {
		return Allowed
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.degraded {
		return Blocked
	}
	if len(f.terms) == 0 {
		return Allowed
	}

	normalized := Normalize(text)
	for _, token := range strings.Fields(normalized) {
		if _, ok := f.terms[token]; ok {
			return Blocked
		}
	}
	if f.strict {
		for term := range f.terms {
			if strings.Contains(normalized, term) {
				return Blocked
			}
		}
	}
	return Allowed
}

// Stats reports the filter's operational state for the status surfaces.
type Stats struct {
	Enabled  bool `json:"enabled"`
	Degraded bool `json:"degraded"`
	Strict   bool `json:"strict"`
	Terms    int  `json:"terms"`
}

func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Enabled:  f.enabled,
		Degraded: f.degraded,
		Strict:   f.strict,
		Terms:    len(f.terms),
	}
}
