// Package columns decides which CSV header holds page titles and which holds
// descriptions.
package columns

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUncertain is returned when a column role could not be placed and no manual
// selection was supplied.
var ErrUncertain = errors.New("could not determine title/description columns; select them manually")

// Default pattern lists, most specific first. A match at position i in a list of
// n patterns scores n-i.
var (
	DefaultTitlePatterns = []string{
		`^meta[\s_-]*title$`,
		`meta[\s_-]*title`,
		`seo[\s_-]*title`,
		`og[\s_:-]*title`,
		`page[\s_-]*title`,
		`^title$`,
		`title`,
		`headline`,
		`heading`,
	}

	DefaultDescriptionPatterns = []string{
		`^meta[\s_-]*desc(ription)?$`,
		`meta[\s_-]*desc`,
		`seo[\s_-]*desc`,
		`og[\s_:-]*desc`,
		`page[\s_-]*desc`,
		`^desc(ription)?$`,
		`description`,
		`desc`,
		`summary`,
		`excerpt`,
		`snippet`,
		`abstract`,
	}
)

// Result is the outcome of detection for one header row. Indices are -1 when the
// role could not be placed.
type Result struct {
	TitleColumnIndex       int      `json:"titleColumnIndex"`
	DescriptionColumnIndex int      `json:"descriptionColumnIndex"`
	Headers                []string `json:"headers"`
}

// Uncertain reports whether either role is undetermined.
func (r Result) Uncertain() bool {
	return r.TitleColumnIndex < 0 || r.DescriptionColumnIndex < 0
}

// Detector scores headers against ordered pattern tables.
type Detector struct {
	title       []*regexp.Regexp
	description []*regexp.Regexp
}

// NewDetector compiles the given pattern lists. Empty lists fall back to the
// defaults. Patterns are matched case-insensitively.
func NewDetector(titlePatterns, descriptionPatterns []string) (*Detector, error) {
	if len(titlePatterns) == 0 {
		titlePatterns = DefaultTitlePatterns
	}
	if len(descriptionPatterns) == 0 {
		descriptionPatterns = DefaultDescriptionPatterns
	}
	title, err := compile(titlePatterns)
	if err != nil {
		return nil, fmt.Errorf("title patterns: %w", err)
	}
	desc, err := compile(descriptionPatterns)
	if err != nil {
		return nil, fmt.Errorf("description patterns: %w", err)
	}
	return &Detector{title: title, description: desc}, nil
}

// Default returns a detector over the built-in pattern tables.
func Default() *Detector {
	d, err := NewDetector(nil, nil)
	if err != nil {
		panic(err)
	}
	return d
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Detect picks a title and a description column for headers. headers is not modified.
func (d *Detector) Detect(headers []string) Result {
	res := Result{
		TitleColumnIndex:       -1,
		DescriptionColumnIndex: -1,
		Headers:                append([]string(nil), headers...),
	}

	titleIdx, titleStrength := bestMatch(d.title, headers)
	descIdx, descStrength := bestMatch(d.description, headers)

	// One column cannot carry both roles unless it is the only column.
	if titleIdx >= 0 && titleIdx == descIdx && len(headers) >= 2 {
		if descStrength > titleStrength {
			titleIdx = -1
		} else {
			descIdx = -1
		}
	}

	if titleIdx < 0 {
		titleIdx = fallbackTitle(headers, descIdx)
	}
	if descIdx < 0 {
		descIdx = fallbackDescription(headers, titleIdx)
	}

	res.TitleColumnIndex = titleIdx
	res.DescriptionColumnIndex = descIdx
	return res
}

// bestMatch returns the header with the strongest match in the table. Ties keep the
// first header found.
func bestMatch(table []*regexp.Regexp, headers []string) (idx int, strength int) {
	idx = -1
	for i, h := range headers {
		for pos, re := range table {
			if !re.MatchString(h) {
				continue
			}
			s := len(table) - pos
			if s > strength {
				strength = s
				idx = i
			}
		}
	}
	return idx, strength
}

func fallbackTitle(headers []string, taken int) int {
	if i, ok := onlyContaining(headers, "title", taken); ok {
		return i
	}
	if len(headers) < 2 {
		return -1
	}
	if taken == 0 {
		return 1
	}
	return 0
}

func fallbackDescription(headers []string, title int) int {
	if len(headers) < 2 {
		return -1
	}
	if i, ok := onlyContaining(headers, "desc", title); ok {
		return i
	}
	return (title + 1) % len(headers)
}

// onlyContaining reports the single header (other than skip) whose lower-cased
// name contains sub.
func onlyContaining(headers []string, sub string, skip int) (int, bool) {
	found := -1
	for i, h := range headers {
		if i == skip || !strings.Contains(strings.ToLower(h), sub) {
			continue
		}
		if found >= 0 {
			return -1, false
		}
		found = i
	}
	return found, found >= 0
}

// Mapping is the column selection a run uses. It starts from a Result and may be
// overridden by the user.
type Mapping struct {
	Title       int `json:"titleColumnIndex"`
	Description int `json:"descriptionColumnIndex"`
}

// Resolve builds a Mapping from a detection result and optional manual selections.
// A selection is a header name (case-insensitive) or a 0-based column index; empty
// keeps the detected column. At least one role must resolve to a column.
func Resolve(res Result, titleSel, descSel string) (Mapping, error) {
	m := Mapping{Title: res.TitleColumnIndex, Description: res.DescriptionColumnIndex}

	if strings.TrimSpace(titleSel) != "" {
		i, err := lookup(res.Headers, titleSel)
		if err != nil {
			return Mapping{}, fmt.Errorf("title column: %w", err)
		}
		m.Title = i
	}
	if strings.TrimSpace(descSel) != "" {
		i, err := lookup(res.Headers, descSel)
		if err != nil {
			return Mapping{}, fmt.Errorf("description column: %w", err)
		}
		m.Description = i
	}

	if m.Title < 0 && m.Description < 0 {
		return Mapping{}, ErrUncertain
	}
	if (m.Title < 0 || m.Description < 0) && strings.TrimSpace(titleSel) == "" && strings.TrimSpace(descSel) == "" {
		return Mapping{}, ErrUncertain
	}
	if err := m.Validate(len(res.Headers)); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Validate checks that mapped indices fit a header row of width n and, when there is
// more than one column, that the two roles use different columns.
func (m Mapping) Validate(n int) error {
	if m.Title >= n || m.Description >= n || m.Title < -1 || m.Description < -1 {
		return fmt.Errorf("column mapping %d/%d out of range for %d columns", m.Title, m.Description, n)
	}
	if m.Title < 0 && m.Description < 0 {
		return ErrUncertain
	}
	if m.Title >= 0 && m.Title == m.Description && n > 1 {
		return fmt.Errorf("title and description both map to column %d", m.Title)
	}
	return nil
}

func lookup(headers []string, sel string) (int, error) {
	sel = strings.TrimSpace(sel)
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), sel) {
			return i, nil
		}
	}
	i, err := strconv.Atoi(sel)
	if err != nil {
		return -1, fmt.Errorf("no column named %q", sel)
	}
	if i < 0 || i >= len(headers) {
		return -1, fmt.Errorf("column index %d out of range (0-%d)", i, len(headers)-1)
	}
	return i, nil
}
