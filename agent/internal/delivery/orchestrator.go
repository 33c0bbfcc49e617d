package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

const (
	defaultMinCaptureInterval = 30 * time.Second
	defaultReplayBatchSize    = 5
	defaultRequestTimeout     = 30 * time.Second
)

var (
	// ErrAuthInvalid is returned when the service rejects the bearer token.
	// The device has to be re-authenticated before deliveries can resume.
	ErrAuthInvalid = errors.New("delivery: authentication rejected")

	// ErrPayloadTooLarge is returned when the service refuses an event for
	// its size. The event is dropped.
	ErrPayloadTooLarge = errors.New("delivery: payload too large")
)

// Sender performs a single delivery attempt. transport.Client implements it.
type Sender interface {
	Send(ctx context.Context, ev types.Event, timeout time.Duration) transport.Outcome
}

// Queue is the durable store for events that could not be delivered.
// queue.Queue implements it.
type Queue interface {
	Enqueue(ctx context.Context, ev types.Event) (int64, error)
	DequeueBatch(ctx context.Context, limit int) ([]types.QueuedEvent, error)
	Remove(ctx context.Context, id int64) error
}

// Status is the caller-visible result of a live delivery.
type Status int

const (
	StatusSuccess Status = iota
	StatusQueued
	StatusRateLimited
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusQueued:
		return "queued"
	case StatusRateLimited:
		return "rate_limited"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result describes what happened to one SendHeartbeat or UploadScreenshot
// call. Which fields are set depends on Status.
type Result struct {
	Status Status

	// Body and Summary are set on StatusSuccess.
	Body    []byte
	Summary string

	// QueueID and Reason are set on StatusQueued.
	QueueID int64
	Reason  string

	// RetryAfter is set on StatusRateLimited.
	RetryAfter time.Duration

	// Diagnostic is set on StatusRejected.
	Diagnostic string
}

// Config holds tuning parameters for the Orchestrator. Zero values take
// the defaults.
type Config struct {
	// DeviceID is stamped on every screenshot.
	DeviceID string

	// MinCaptureInterval is the minimum spacing between two screenshot
	// uploads. Defaults to 30s.
	MinCaptureInterval time.Duration

	// ReplayBatchSize bounds how many queued events one replay pass sends.
	// Defaults to 5.
	ReplayBatchSize int

	// RequestTimeout bounds each network attempt. Defaults to 30s.
	RequestTimeout time.Duration

	// ReplayAfterFailure enables a replay pass after a live send that
	// failed transiently. Replay after a successful send always runs.
	ReplayAfterFailure bool
}

func (c *Config) applyDefaults() {
	if c.MinCaptureInterval <= 0 {
		c.MinCaptureInterval = defaultMinCaptureInterval
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = defaultReplayBatchSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver registers an Observer for attempt outcomes.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator routes events between live delivery and the durable queue.
// It is not safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	sender   Sender
	queue    Queue
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	lastCapture time.Time
}

// New builds an Orchestrator.
func New(cfg Config, sender Sender, q Queue, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:    cfg,
		sender: sender,
		queue:  q,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SendHeartbeat reports the current foreground application.
func (o *Orchestrator) SendHeartbeat(ctx context.Context, appName, windowTitle string, isIdle bool) (Result, error) {
	ev := types.NewHeartbeat(o.now(), appName, windowTitle, isIdle)
	return o.deliver(ctx, ev)
}

// UploadScreenshot uploads image with metadata. Calls closer together than
// MinCaptureInterval return StatusRateLimited without sending anything.
func (o *Orchestrator) UploadScreenshot(ctx context.Context, image []byte, metadata []types.Field) (Result, error) {
	now := o.now()
	if !o.lastCapture.IsZero() {
		if elapsed := now.Sub(o.lastCapture); elapsed < o.cfg.MinCaptureInterval {
			o.observeRateLimited()
			retry := o.cfg.MinCaptureInterval - elapsed
			o.logger.Debug("delivery: screenshot rate limited", "retry_after", retry)
			return Result{Status: StatusRateLimited, RetryAfter: retry}, nil
		}
	}

	ev := types.NewScreenshot(now, o.cfg.DeviceID, metadata, image)
	o.lastCapture = now
	return o.deliver(ctx, ev)
}

// TestConnection sends a synthetic idle heartbeat. A StatusQueued result
// means the service could not be reached.
func (o *Orchestrator) TestConnection(ctx context.Context) (Result, error) {
	return o.SendHeartbeat(ctx, "PhoenixTracker", "Connection Test", true)
}

// Replay runs one replay pass and returns how many queued events were
// delivered.
func (o *Orchestrator) Replay(ctx context.Context) int {
	return o.replay(ctx)
}

func (o *Orchestrator) deliver(ctx context.Context, ev types.Event) (Result, error) {
	out := o.sender.Send(ctx, ev, o.cfg.RequestTimeout)
	o.observeAttempt(ev.Kind, PhaseLive, out.Class)

	switch out.Class {
	case transport.Accepted:
		o.logger.Debug("delivery: sent", "type", ev.Kind, "status", out.StatusCode)
		res := Result{Status: StatusSuccess, Body: out.Body, Summary: out.Summary}
		o.replay(ctx)
		return res, nil

	case transport.ServerUnavailable, transport.NetworkFailure:
		id, err := o.queue.Enqueue(ctx, ev)
		if err != nil {
			o.logger.Error("delivery: dropped event, enqueue failed",
				"type", ev.Kind, "reason", out.Diagnostic, "attachment_bytes", len(ev.Attachment), "err", err)
			return Result{}, fmt.Errorf("delivery: queue %s: %w", ev.Kind, err)
		}
		o.observeQueued(ev.Kind)
		o.logger.Warn("delivery: queued "+string(ev.Kind), "id", id, "outcome", out.Class.String(), "reason", out.Diagnostic)
		res := Result{Status: StatusQueued, QueueID: id, Reason: out.Diagnostic}
		if o.cfg.ReplayAfterFailure {
			o.replay(ctx)
		}
		return res, nil

	case transport.AuthInvalid:
		o.logger.Error("delivery: authentication rejected", "type", ev.Kind, "reason", out.Diagnostic)
		return Result{}, fmt.Errorf("%w: %s", ErrAuthInvalid, out.Diagnostic)

	case transport.PayloadTooLarge:
		o.logger.Error("delivery: dropped oversized event", "type", ev.Kind,
			"attachment_bytes", len(ev.Attachment), "reason", out.Diagnostic)
		return Result{}, fmt.Errorf("%w: %s", ErrPayloadTooLarge, out.Diagnostic)

	case transport.PayloadRejected:
		o.logger.Warn("delivery: event rejected", "type", ev.Kind, "status", out.StatusCode, "reason", out.Diagnostic)
		return Result{Status: StatusRejected, Diagnostic: out.Diagnostic}, nil
	}
	return Result{}, fmt.Errorf("delivery: unhandled outcome %v", out.Class)
}

// replay resends the oldest queued events until one fails. It never
// triggers another replay.
func (o *Orchestrator) replay(ctx context.Context) int {
	batch, err := o.queue.DequeueBatch(ctx, o.cfg.ReplayBatchSize)
	if err != nil {
		o.logger.Error("delivery: replay: read queue", "err", err)
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	sent := 0
	for _, qe := range batch {
		if ctx.Err() != nil {
			break
		}
		out := o.sender.Send(ctx, qe.Event, o.cfg.RequestTimeout)
		o.observeAttempt(qe.Event.Kind, PhaseReplay, out.Class)
		if out.Class != transport.Accepted {
			o.logger.Info("delivery: replay stopped", "id", qe.ID, "type", qe.Event.Kind,
				"outcome", out.Class.String(), "reason", out.Diagnostic)
			break
		}
		if err := o.queue.Remove(ctx, qe.ID); err != nil {
			// The event was delivered but is still queued; it will be sent
			// again on the next pass.
			o.logger.Error("delivery: replay: remove delivered event", "id", qe.ID, "err", err)
			break
		}
		sent++
	}
	if sent > 0 {
		o.logger.Info("delivery: replayed queued events", "count", sent, "batch", len(batch))
	}
	return sent
}

func (o *Orchestrator) observeAttempt(kind types.Kind, phase Phase, class transport.Class) {
	if o.observer != nil {
		o.observer.ObserveAttempt(kind, phase, class)
	}
}

func (o *Orchestrator) observeQueued(kind types.Kind) {
	if o.observer != nil {
		o.observer.ObserveQueued(kind)
	}
}

func (o *Orchestrator) observeRateLimited() {
	if o.observer != nil {
		o.observer.ObserveRateLimited()
	}
}
