package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultBatchSize bounds how many items are in flight at once.
const DefaultBatchSize = 3

type BatchOptions struct {
	// BatchSize is the number of items started together. The next batch starts only
	// after every item of the current batch has settled.
	BatchSize int
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Index  int
	Input  In
	Output Out
	Err    error
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// ProcessBatches runs processor over items in fixed-size batches.
//
// onStart (optional) is invoked for every item of a batch before the batch's items
// are launched. onResult (optional) is invoked once per item in completion order;
// calls are serialized, so callbacks need no locking of their own. Item errors are
// reported through Result.Err and never stop the run.
//
// When ctx is cancelled no further batches start. Items already in flight are
// allowed to settle, but their results are discarded and ctx.Err() is returned.
func ProcessBatches[In any, Out any](
	ctx context.Context,
	items []In,
	processor func(context.Context, int, In) (Out, error),
	onStart func(idx int, in In),
	onResult func(Result[In, Out]),
	opts BatchOptions,
) error {
	opts = opts.withDefaults()

	for start := 0; start < len(items); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+opts.BatchSize, len(items))

		if onStart != nil {
			for i := start; i < end; i++ {
				onStart(i, items[i])
			}
		}

		done := make(chan Result[In, Out], end-start)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				out, err := processor(ctx, i, items[i])
				done <- Result[In, Out]{Index: i, Input: items[i], Output: out, Err: err}
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(done)
		}()

		for res := range done {
			if ctx.Err() != nil {
				continue
			}
			if onResult != nil {
				onResult(res)
			}
		}
	}
	return ctx.Err()
}

type Options struct {
	MaxRetries     int
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all callers sharing the Retrier. Set to <=0 to disable.
	RateLimitRPS float64

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	return o
}

// Retrier applies a shared rate limit, per-attempt timeout and transient-error
// retries to remote calls.
type Retrier struct {
	opts    Options
	limiter *rate.Limiter
}

func NewRetrier(opts Options) *Retrier {
	opts = opts.withDefaults()
	r := &Retrier{opts: opts}
	if opts.RateLimitRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return r
}

// Options returns the effective options after defaults were applied.
func (r *Retrier) Options() Options {
	return r.opts
}

// Retry calls fn until it succeeds, fails permanently, or the retry budget is spent.
func Retry[Out any](ctx context.Context, r *Retrier, fn func(context.Context) (Out, error)) (Out, error) {
	if r == nil {
		r = NewRetrier(Options{})
	}
	opts := r.opts

	var lastOut Out
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, err
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return lastOut, err
			}
		}

		reqCtx, cancel := context.WithTimeout(context.WithValue(ctx, attemptKey{}, attempt+1), opts.RequestTimeout)
		result, err := fn(reqCtx)
		cancel()
		lastOut = result
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return lastOut, ctx.Err()
		}
		maxRetries := RetryBudget(opts.MaxRetries, err)
		if !IsTransient(err) || attempt >= maxRetries {
			return lastOut, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastOut, ctx.Err()
		}
	}
}

type attemptKey struct{}

// Attempt returns the 1-based attempt number of the Retry call that issued ctx, or 0
// outside Retry.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

type retryCap interface {
	MaxExtraRetries() int
}

// RetryBudget returns how many retries err allows, capped by defaultRetries.
func RetryBudget(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries()
		if limited < 0 {
			limited = 0
		}
		if limited < defaultRetries {
			return limited
		}
	}
	return defaultRetries
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
