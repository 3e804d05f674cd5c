// Package quota answers how many rows a caller may process and records what was
// processed. Plans and usage live outside the enhancement pipeline; the pipeline only
// asks and reports.
package quota

import (
	"context"
	"errors"
)

// ErrExhausted is returned by callers that refuse to start a run with no rows left.
var ErrExhausted = errors.New("row quota exhausted for this period")

// Limits is what a run may process. When Limited is false MaxRows is ignored.
type Limits struct {
	Limited bool `json:"limited"`
	MaxRows int  `json:"maxRows"`
}

// Apply returns how many of n rows may be processed.
func (l Limits) Apply(n int) int {
	if !l.Limited || n <= l.MaxRows {
		return n
	}
	return max(l.MaxRows, 0)
}

type Quota interface {
	Limits(ctx context.Context, caller string) (Limits, error)
	Record(ctx context.Context, caller string, rows int) error
}

// Unlimited grants every caller every row and records nothing.
type Unlimited struct{}

func (Unlimited) Limits(context.Context, string) (Limits, error) { return Limits{}, nil }

func (Unlimited) Record(context.Context, string, int) error { return nil }
