package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sentinelgate/internal/anchor"
	"github.com/mbd888/sentinelgate/internal/retry"
)

const (
	DefaultBufferSize       = 4096
	DefaultAnchorBufferSize = 256
	defaultWriteTimeout     = 5 * time.Second
	defaultAnchorWait       = 30 * time.Second
)

// Options configure a Trail.
type Options struct {
	BufferSize int
	Retry      retry.Policy
	Logger     *slog.Logger

	// Anchor receives stored threats from a separate worker so ledger
	// latency never holds up entry writes. Nil disables anchoring.
	Anchor           anchor.Submitter
	AnchorBufferSize int
}

type job struct {
	query  *QueryEntry
	threat *ThreatEntry
}

// Trail buffers entries and writes them to a Store from a background
// goroutine. Record calls never block and never return errors; failures
// are logged and counted.
//
// Threats are stored first and then handed to the anchor worker. When its
// queue is full the threat stays stored without a ledger reference.
type Trail struct {
	store  Store
	anchor anchor.Submitter
	policy retry.Policy
	logger *slog.Logger

	mu       sync.RWMutex // guards closed and sends on ch
	closed   bool
	ch       chan job
	anchorCh chan *ThreatEntry // sent to only by run
	done     chan struct{}

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewTrail starts the background writer. Call Close to drain and stop it.
func NewTrail(store Store, opts Options) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AnchorBufferSize <= 0 {
		opts.AnchorBufferSize = DefaultAnchorBufferSize
	}

	t := &Trail{
		store:    store,
		anchor:   opts.Anchor,
		policy:   opts.Retry,
		logger:   opts.Logger,
		ch:       make(chan job, opts.BufferSize),
		anchorCh: make(chan *ThreatEntry, opts.AnchorBufferSize),
		done:     make(chan struct{}),
	}
	t.idle = sync.NewCond(&t.pendingMu)

	go t.run()
	go t.runAnchors()
	return t
}

// RecordQuery queues a query entry. ID and Timestamp are filled in when
// empty.
func (t *Trail) RecordQuery(e QueryEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.enqueue(job{query: &e}, "query")
}

// RecordThreat queues a threat entry. It is anchored after being stored.
func (t *Trail) RecordThreat(e ThreatEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.enqueue(job{threat: &e}, "threat")
}

func (t *Trail) enqueue(j job, kind string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		t.drop(kind, "closed")
		return
	}

	t.begin()
	select {
	case t.ch <- j:
		queueDepth.Inc()
	default:
		t.finish()
		t.drop(kind, "buffer_full")
	}
}

func (t *Trail) drop(kind, reason string) {
	t.dropped.Add(1)
	droppedTotal.WithLabelValues(kind).Inc()
	t.logger.Warn("audit entry dropped", "kind", kind, "reason", reason)
}

// ListRecentQueries returns up to limit query entries, newest first.
func (t *Trail) ListRecentQueries(ctx context.Context, limit int) ([]*QueryEntry, error) {
	return t.store.ListRecentQueries(ctx, limit)
}

// ListRecentThreats returns up to limit threat entries, newest first.
func (t *Trail) ListRecentThreats(ctx context.Context, limit int) ([]*ThreatEntry, error) {
	return t.store.ListRecentThreats(ctx, limit)
}

// Wait blocks until every entry queued so far has been written and anchored,
// or given up on.
func (t *Trail) Wait() {
	t.pendingMu.Lock()
	for t.pending > 0 {
		t.idle.Wait()
	}
	t.pendingMu.Unlock()
}

// Dropped is the number of entries discarded because the buffer was full
// or the trail was closed.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

// Failed is the number of entries whose write exhausted its retries.
func (t *Trail) Failed() int64 { return t.failed.Load() }

// Close stops accepting entries and waits for queued ones to be written and
// anchored, or for ctx to end.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: drain interrupted: %w", ctx.Err())
	}
}

func (t *Trail) run() {
	defer close(t.anchorCh)
	for j := range t.ch {
		queueDepth.Dec()
		t.safeWrite(j)
		t.finish()
	}
}

func (t *Trail) runAnchors() {
	defer close(t.done)
	for e := range t.anchorCh {
		t.safeAnchor(e)
		t.finish()
	}
}

func (t *Trail) begin() {
	t.pendingMu.Lock()
	t.pending++
	t.pendingMu.Unlock()
}

func (t *Trail) finish() {
	t.pendingMu.Lock()
	t.pending--
	if t.pending == 0 {
		t.idle.Broadcast()
	}
	t.pendingMu.Unlock()
}

func (t *Trail) safeWrite(j job) {
	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.logger.Error("panic in audit writer", "panic", fmt.Sprint(r))
		}
	}()

	if j.query != nil {
		t.writeQuery(j.query)
	} else {
		t.writeThreat(j.threat)
	}
}

func (t *Trail) writeQuery(e *QueryEntry) {
	err := t.withRetry("query", func(ctx context.Context) error {
		return t.store.AppendQuery(ctx, e)
	})
	if err != nil {
		t.logger.Warn("audit query write failed", "entry_id", e.ID, "user_id", e.UserID, "error", err)
		return
	}
	writtenTotal.WithLabelValues("query").Inc()
}

func (t *Trail) writeThreat(e *ThreatEntry) {
	err := t.withRetry("threat", func(ctx context.Context) error {
		return t.store.AppendThreat(ctx, e)
	})
	if err != nil {
		t.logger.Warn("audit threat write failed", "entry_id", e.ID, "user_id", e.UserID, "error", err)
		return
	}
	writtenTotal.WithLabelValues("threat").Inc()

	if t.anchor != nil && e.LedgerReference == "" {
		t.queueAnchor(e)
	}
}

// queueAnchor hands a stored threat to the anchor worker without blocking.
func (t *Trail) queueAnchor(e *ThreatEntry) {
	t.begin()
	select {
	case t.anchorCh <- e:
	default:
		t.finish()
		anchorTotal.WithLabelValues("skipped").Inc()
		t.logger.Warn("anchor queue full, threat stored without ledger reference",
			"entry_id", e.ID, "user_id", e.UserID)
	}
}

func (t *Trail) safeAnchor(e *ThreatEntry) {
	defer func() {
		if r := recover(); r != nil {
			anchorTotal.WithLabelValues("failed").Inc()
			t.logger.Error("panic in anchor worker", "panic", fmt.Sprint(r))
		}
	}()
	t.anchorThreat(e)
}

// anchorThreat submits e to the ledger and records the returned reference.
func (t *Trail) anchorThreat(e *ThreatEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAnchorWait)
	defer cancel()

	ref, err := t.anchor.Submit(ctx, anchor.ThreatEvent{
		UserID:     e.UserID,
		AttackType: e.AttackType,
		At:         e.Timestamp,
	})
	if err != nil {
		anchorTotal.WithLabelValues("failed").Inc()
		t.logger.Warn("threat anchoring failed", "entry_id", e.ID, "user_id", e.UserID, "error", err)
		return
	}
	if ref == "" {
		return
	}

	err = t.withRetry("anchor", func(ctx context.Context) error {
		return t.store.AppendAnchor(ctx, e.ID, ref, time.Now().UTC())
	})
	if err != nil {
		t.logger.Warn("ledger reference write failed", "entry_id", e.ID, "ledger_reference", ref, "error", err)
		return
	}
	anchorTotal.WithLabelValues("anchored").Inc()
}

func (t *Trail) withRetry(kind string, write func(ctx context.Context) error) error {
	p := t.policy
	p.OnRetry = func(attempt int, err error) {
		retriesTotal.WithLabelValues(kind).Inc()
		t.logger.Debug("audit write retry", "kind", kind, "attempt", attempt, "error", err)
	}

	err := retry.Do(context.Background(), p, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
		return write(wctx)
	})
	if err != nil {
		t.failed.Add(1)
		failedTotal.WithLabelValues(kind).Inc()
	}
	return err
}
