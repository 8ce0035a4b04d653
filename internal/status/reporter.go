package status

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/notifier"
)

// Reporter is the per-job handle stages use to report. Render errors are logged and
// swallowed; a status update never changes the course of a job. Once Final has run
// the reporter is closed and later renders are dropped.
type Reporter struct {
	jobID    string
	sink     Sink
	limiter  *rate.Limiter
	notifier notifier.Notifier

	mu     sync.Mutex
	last   string
	closed bool
}

// NewReporter throttles Progress renders to one per minInterval. A non-positive
// interval disables throttling. n may be nil.
func NewReporter(jobID string, sink Sink, minInterval time.Duration, n notifier.Notifier) *Reporter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}

	if n == nil {
		n = notifier.Nop{}
	}

	return &Reporter{
		jobID:    jobID,
		sink:     sink,
		limiter:  rate.NewLimiter(limit, 1),
		notifier: n,
	}
}

// Progress renders a cancelable in-flight update, unless it repeats the previous
// text or arrives faster than the sink tolerates.
func (r *Reporter) Progress(ctx context.Context, text string) {
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed || text == r.last || !r.limiter.Allow() {
		r.mu.Unlock()

		return
	}
	r.last = text
	r.mu.Unlock()

	r.render(ctx, text, true)
}

// Render renders unconditionally.
func (r *Reporter) Render(ctx context.Context, text string, cancelable bool) {
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}
	r.last = text
	r.mu.Unlock()

	r.render(ctx, text, cancelable)
}

// Final renders a terminal outcome and forwards it to the notifier.
func (r *Reporter) Final(ctx context.Context, text string) {
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()

		return
	}
	r.closed = true
	r.last = text
	r.mu.Unlock()

	r.render(ctx, text, false)

	if err := r.notifier.Notify(ctx, text); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "job_id", r.jobID, "err", err)
	}
}

func (r *Reporter) render(ctx context.Context, text string, cancelable bool) {
	if err := r.sink.Render(ctx, text, cancelable); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "status render dropped", "job_id", r.jobID, "err", err)
	}
}
