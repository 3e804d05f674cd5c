// Package pipeline enhances rows in fixed-size concurrent batches and streams each
// row's result as soon as both of its fields are ready.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/shpitdev/meta-enhancer/internal/optimize"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Enhancer is the remote rewrite capability. *enhance.Remote implements it.
type Enhancer interface {
	Enhance(ctx context.Context, text string, isTitle bool, maxLength int) (string, error)
}

// Source records which path produced a field.
type Source string

const (
	SourceRules    Source = "rules"
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// FieldResult is one enhanced field and the path that produced it.
type FieldResult struct {
	Text   string `json:"text"`
	Source Source `json:"source"`
}

type EventKind string

const (
	EventRowStarted   EventKind = "row_started"
	EventRowCompleted EventKind = "row_completed"
	EventDone         EventKind = "done"
)

// Event is emitted on the stream returned by Processor.Stream. Title and
// Description are set only for EventRowCompleted.
type Event struct {
	Kind        EventKind   `json:"kind"`
	Index       int         `json:"index"`
	Title       FieldResult `json:"title"`
	Description FieldResult `json:"description"`
}

// RowError reports an unexpected failure while processing one row. The row is
// completed with rule-based text for both fields.
type RowError struct {
	Index int
	Value any
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: unexpected failure: %v", e.Index, e.Value)
}

type Options struct {
	// BatchSize defaults to worker.DefaultBatchSize.
	BatchSize int
	Logger    *zap.Logger
}

// Processor is the streaming batch processor. It is safe to reuse across runs, but a
// single row slice must not be handed to two runs at once.
type Processor struct {
	remote    Enhancer
	batchSize int
	logger    *zap.Logger
}

// New returns a processor. remote may be nil, in which case every field uses the
// rule-based optimizer.
func New(remote Enhancer, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = worker.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{remote: remote, batchSize: opts.BatchSize, logger: opts.Logger}
}

type rowResult struct {
	Title       FieldResult
	Description FieldResult
}

// Stream preprocesses rows and enhances them, writing Enhanced* in place.
//
// For each batch a row_started event is sent per row, then a row_completed event per
// row in completion order. A row's Enhanced* fields are written before its
// row_completed event is sent. After the last row a single done event is sent and
// the channel is closed.
//
// If ctx is cancelled no further batches start, rows still in flight settle but are
// neither written nor reported, and the channel closes without a done event.
func (p *Processor) Stream(ctx context.Context, rows []Row) <-chan Event {
	Preprocess(rows)

	ch := make(chan Event)
	send := func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)

		err := worker.ProcessBatches(ctx, rows, p.processRow,
			func(idx int, _ Row) {
				send(Event{Kind: EventRowStarted, Index: idx})
			},
			func(res worker.Result[Row, rowResult]) {
				rows[res.Index].EnhancedTitle = res.Output.Title.Text
				rows[res.Index].EnhancedDescription = res.Output.Description.Text
				send(Event{
					Kind:        EventRowCompleted,
					Index:       res.Index,
					Title:       res.Output.Title,
					Description: res.Output.Description,
				})
			},
			worker.BatchOptions{BatchSize: p.batchSize},
		)
		if err != nil {
			p.logger.Info("enhancement run cancelled", zap.Error(err))
			return
		}
		send(Event{Kind: EventDone, Index: -1})
	}()
	return ch
}

// ProcessStreaming runs Stream and delivers its events to callbacks.
//
// onItemComplete is called exactly once per row with the updated row. onAllComplete
// is called once, after the last onItemComplete. Either may be nil. When ctx is
// cancelled before completion ctx.Err() is returned and onAllComplete is not called.
func (p *Processor) ProcessStreaming(
	ctx context.Context,
	rows []Row,
	onItemComplete func(index int, row Row),
	onAllComplete func(),
) error {
	done := false
	for ev := range p.Stream(ctx, rows) {
		switch ev.Kind {
		case EventRowCompleted:
			if onItemComplete != nil {
				onItemComplete(ev.Index, rows[ev.Index])
			}
		case EventDone:
			done = true
			if onAllComplete != nil {
				onAllComplete()
			}
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	return nil
}

func (p *Processor) processRow(ctx context.Context, idx int, row Row) (res rowResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &RowError{Index: idx, Value: v}
		}
		if err != nil {
			p.logger.Error("row failed; using rule-based text",
				zap.Int("row", idx),
				zap.String("error", redact.Secrets(err.Error())),
			)
			res = rowResult{
				Title:       FieldResult{Text: optimize.Title(row.OriginalTitle), Source: SourceFallback},
				Description: FieldResult{Text: optimize.Description(row.OriginalDescription), Source: SourceFallback},
			}
			err = nil
		}
	}()

	var g errgroup.Group
	g.Go(func() (err error) {
		defer recoverField(idx, &err)
		res.Title = p.enhanceField(ctx, idx, row.OriginalTitle, true)
		return nil
	})
	g.Go(func() (err error) {
		defer recoverField(idx, &err)
		res.Description = p.enhanceField(ctx, idx, row.OriginalDescription, false)
		return nil
	})
	err = g.Wait()
	return res, err
}

func recoverField(idx int, err *error) {
	if v := recover(); v != nil {
		*err = &RowError{Index: idx, Value: v}
	}
}

func (p *Processor) enhanceField(ctx context.Context, idx int, text string, isTitle bool) FieldResult {
	maxLen, rule, field := optimize.DescriptionMaxLength, optimize.Description, "description"
	if isTitle {
		maxLen, rule, field = optimize.TitleMaxLength, optimize.Title, "title"
	}

	text = strings.TrimSpace(text)
	if text == "" || optimize.Len(text) <= maxLen || p.remote == nil {
		return FieldResult{Text: rule(text), Source: SourceRules}
	}

	out, err := p.remote.Enhance(ctx, text, isTitle, maxLen)
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("empty enhancement for non-empty %s", field)
	}
	if err != nil {
		p.logger.Warn("remote enhancement failed; using rule-based text",
			zap.Int("row", idx),
			zap.String("field", field),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return FieldResult{Text: rule(text), Source: SourceFallback}
	}
	return FieldResult{Text: out, Source: SourceRemote}
}
