// Package relay carries signed bridge messages between in-process domains. It
// stands in for the external transport: every message crosses as encoded
// bytes, after a per-lane delay, in submission order per lane.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rebasechain/native/bridge"
	"rebasechain/observability"
	telemetry "rebasechain/observability/otel"
)

const (
	minRetryBackoff = time.Second
	maxRetryBackoff = time.Minute
)

var (
	ErrUnknownDomain  = errors.New("relay: unknown destination domain")
	ErrUnknownMessage = errors.New("relay: unknown message")
)

// Receiver applies inbound messages on one domain. core.Domain satisfies it.
type Receiver interface {
	ID() uint64
	Receive(msg *bridge.Message) error
}

// Lane identifies a directed domain pair.
type Lane struct {
	Source uint64
	Dest   uint64
}

func (l Lane) String() string { return observability.LaneLabel(l.Source, l.Dest) }

// Pending describes a message waiting for delivery or retained after a
// failed delivery.
type Pending struct {
	ID        [32]byte
	Lane      Lane
	Nonce     uint64
	Submitted time.Time
	Due       time.Time
	Attempts  int
	LastError string
}

// Report summarises one Deliver pass. Deferred messages were throttled by
// the destination and stay queued on their lane.
type Report struct {
	Delivered [][32]byte
	Deferred  []Pending
	Failed    []Pending
}

type queued struct {
	Pending
	raw []byte
}

// Relay is safe for concurrent use.
type Relay struct {
	mu       sync.Mutex
	domains  map[uint64]Receiver
	delays   map[Lane]time.Duration
	queue    []*queued
	failed   []*queued
	logger   *slog.Logger
	tracer   trace.Tracer
	clockNow func() time.Time
}

// New constructs an empty relay.
func New(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		domains:  make(map[uint64]Receiver),
		delays:   make(map[Lane]time.Duration),
		logger:   logger.With(slog.String("component", "relay")),
		tracer:   telemetry.Tracer(),
		clockNow: time.Now,
	}
}

// SetClock overrides the time source used by Submit and Run.
func (r *Relay) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	r.clockNow = now
}

// Register makes a domain reachable as a destination.
func (r *Relay) Register(d Receiver) {
	r.mu.Lock()
	r.domains[d.ID()] = d
	r.mu.Unlock()
}

// SetDelay configures how long messages on a lane stay in flight.
func (r *Relay) SetDelay(lane Lane, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	r.delays[lane] = delay
	r.mu.Unlock()
}

// Submit accepts a signed message for delivery after the lane delay.
func (r *Relay) Submit(msg *bridge.Message) error {
	if msg == nil {
		return fmt.Errorf("relay: nil message")
	}
	id, err := msg.ID()
	if err != nil {
		return err
	}
	raw, err := bridge.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}
	lane := Lane{Source: msg.SourceDomain, Dest: msg.DestDomain}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[lane.Dest]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDomain, lane.Dest)
	}
	now := r.clockNow()
	r.queue = append(r.queue, &queued{
		Pending: Pending{
			ID:        id,
			Lane:      lane,
			Nonce:     msg.Nonce,
			Submitted: now,
			Due:       now.Add(r.delays[lane]),
		},
		raw: raw,
	})
	r.publishPendingLocked()
	r.logger.Debug("message submitted",
		slog.String("lane", lane.String()),
		slog.Uint64("nonce", msg.Nonce),
		slog.String("message_id", fmt.Sprintf("0x%x", id)))
	return nil
}

// Deliver hands every message due at now to its destination. Within a lane a
// message that is not yet due holds back the ones behind it. A message the
// destination throttles keeps its place and is retried after a backoff; any
// other rejection is retained for inspection and Retry and nothing is minted
// for it.
func (r *Relay) Deliver(ctx context.Context, now time.Time) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	blocked := make(map[Lane]bool)
	remaining := r.queue[:0]
	for _, q := range r.queue {
		if blocked[q.Lane] || q.Due.After(now) {
			blocked[q.Lane] = true
			remaining = append(remaining, q)
			continue
		}
		if err := r.deliverLocked(ctx, q, now); err != nil {
			q.Attempts++
			q.LastError = err.Error()
			if throttled(err) {
				q.Due = now.Add(retryBackoff(q.Attempts))
				blocked[q.Lane] = true
				remaining = append(remaining, q)
				report.Deferred = append(report.Deferred, q.Pending)
				continue
			}
			r.failed = append(r.failed, q)
			report.Failed = append(report.Failed, q.Pending)
			continue
		}
		report.Delivered = append(report.Delivered, q.ID)
	}
	r.queue = remaining
	r.publishPendingLocked()
	return report
}

func (r *Relay) deliverLocked(ctx context.Context, q *queued, now time.Time) (err error) {
	_, span := r.tracer.Start(ctx, "relay.deliver", trace.WithAttributes(
		attribute.String("lane", q.Lane.String()),
		attribute.Int64("nonce", int64(q.Nonce)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dest, ok := r.domains[q.Lane.Dest]
	if !ok {
		err = fmt.Errorf("%w: %d", ErrUnknownDomain, q.Lane.Dest)
		observability.Relay().RecordFailure(q.Lane.String(), "unknown_domain")
		return err
	}
	msg, err := bridge.DecodeMessage(q.raw)
	if err != nil {
		observability.Relay().RecordFailure(q.Lane.String(), "decode")
		return err
	}
	if err = dest.Receive(msg); err != nil {
		observability.Relay().RecordFailure(q.Lane.String(), failureReason(err))
		r.logger.Warn("delivery rejected",
			slog.String("lane", q.Lane.String()),
			slog.Uint64("nonce", q.Nonce),
			slog.Any("error", err))
		return err
	}
	observability.Relay().RecordDelivery(q.Lane.String(), now.Sub(q.Submitted))
	r.logger.Info("message delivered",
		slog.String("lane", q.Lane.String()),
		slog.Uint64("nonce", q.Nonce),
		slog.Duration("in_flight", now.Sub(q.Submitted)))
	return nil
}

// throttled reports whether the destination refused only because its inbound
// bucket is empty for now.
func throttled(err error) bool {
	return errors.Is(err, bridge.ErrRateLimited) && !errors.Is(err, bridge.ErrExceedsLaneCapacity)
}

func retryBackoff(attempts int) time.Duration {
	backoff := minRetryBackoff
	for i := 1; i < attempts && backoff < maxRetryBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, bridge.ErrReplayedMessage):
		return "replayed"
	case errors.Is(err, bridge.ErrUnrecognizedRemote):
		return "unrecognized_remote"
	case errors.Is(err, bridge.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, bridge.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, bridge.ErrExceedsLaneCapacity):
		return "exceeds_capacity"
	case errors.Is(err, bridge.ErrRateLimited):
		return "rate_limited"
	default:
		return "rejected"
	}
}

// Retry moves a failed message back onto its lane, due immediately.
func (r *Relay) Retry(id [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.failed {
		if q.ID != id {
			continue
		}
		r.failed = append(r.failed[:i], r.failed[i+1:]...)
		q.Due = r.clockNow()
		r.queue = append(r.queue, q)
		r.publishPendingLocked()
		return nil
	}
	return fmt.Errorf("%w: 0x%x", ErrUnknownMessage, id)
}

// Pending lists in-flight messages in delivery order.
func (r *Relay) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.queue))
	for _, q := range r.queue {
		out = append(out, q.Pending)
	}
	return out
}

// Failed lists messages whose delivery was rejected.
func (r *Relay) Failed() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.failed))
	for _, q := range r.failed {
		out = append(out, q.Pending)
	}
	return out
}

// Run delivers due messages every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mu.Lock()
			now := r.clockNow()
			r.mu.Unlock()
			r.Deliver(ctx, now)
		}
	}
}

func (r *Relay) publishPendingLocked() {
	counts := make(map[Lane]int, len(r.delays))
	for lane := range r.delays {
		counts[lane] = 0
	}
	for _, q := range r.queue {
		counts[q.Lane]++
	}
	for lane, n := range counts {
		observability.Relay().SetPending(lane.String(), n)
	}
}
