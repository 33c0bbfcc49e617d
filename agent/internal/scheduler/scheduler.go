package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/delivery"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

// Default values applied when Config fields are zero.
const (
	DefaultLoopInterval         = 5 * time.Second
	DefaultHeartbeatInterval    = 60 * time.Second
	DefaultCaptureInterval      = 60 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultErrorPause           = 5 * time.Minute
)

// Activity is the foreground state reported in a heartbeat.
type Activity struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	IsIdle      bool   `json:"is_idle"`
}

// ActivitySource reports what the user is doing right now.
type ActivitySource interface {
	Current(ctx context.Context) (Activity, error)
}

// ScreenSource captures the screen as a JPEG.
type ScreenSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Deliverer is the delivery surface the loop drives. delivery.Orchestrator
// implements it.
type Deliverer interface {
	SendHeartbeat(ctx context.Context, appName, windowTitle string, isIdle bool) (delivery.Result, error)
	UploadScreenshot(ctx context.Context, image []byte, metadata []types.Field) (delivery.Result, error)
}

// Config holds loop timing. Zero fields take the package defaults.
type Config struct {
	LoopInterval         time.Duration
	HeartbeatInterval    time.Duration
	CaptureInterval      time.Duration
	MaxConsecutiveErrors int
	ErrorPause           time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = DefaultCaptureInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = DefaultErrorPause
	}
	return c
}

// Scheduler runs heartbeats and captures on their intervals.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	deliverer Deliverer
	activity  ActivitySource
	screen    ScreenSource // nil disables captures
	logger    *slog.Logger
	now       func() time.Time // injectable for deterministic tests

	lastHeartbeat time.Time
	lastCapture   time.Time
	failures      int
	pausedUntil   time.Time
	current       Activity
}

// New builds a Scheduler. screen may be nil, in which case only heartbeats
// are sent.
func New(cfg Config, d Deliverer, activity ActivitySource, screen ScreenSource, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		deliverer: d,
		activity:  activity,
		screen:    screen,
		logger:    logger,
		now:       time.Now,
	}
}

// Update replaces the loop timing. It takes effect on the next tick,
// except LoopInterval which is read when Run starts.
func (s *Scheduler) Update(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.logger.Info("scheduler: timing updated",
		"heartbeat_interval", cfg.HeartbeatInterval, "capture_interval", cfg.CaptureInterval)
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	cfg := s.config()
	s.logger.Info("scheduler: started",
		"loop_interval", cfg.LoopInterval,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"capture_interval", cfg.CaptureInterval,
		"captures", s.screen != nil,
	)

	ticker := time.NewTicker(cfg.LoopInterval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one cycle of the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	cfg := s.config()
	now := s.now()

	if now.Before(s.pausedUntil) {
		return
	}

	if now.Sub(s.lastHeartbeat) >= cfg.HeartbeatInterval {
		if s.heartbeat(ctx) {
			s.lastHeartbeat = now
			s.failures = 0
		} else {
			s.failures++
		}
	}

	if s.screen != nil && now.Sub(s.lastCapture) >= cfg.CaptureInterval {
		if s.capture(ctx) {
			s.lastCapture = now
			s.failures = 0
		} else {
			s.failures++
		}
	}

	if s.failures >= cfg.MaxConsecutiveErrors {
		s.logger.Error("scheduler: too many consecutive errors, pausing",
			"errors", s.failures, "pause", cfg.ErrorPause)
		s.pausedUntil = now.Add(cfg.ErrorPause)
		s.failures = 0
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) bool {
	act, err := s.activity.Current(ctx)
	if err != nil {
		s.logger.Warn("scheduler: read activity", "err", err)
		return false
	}
	s.current = act

	res, err := s.deliverer.SendHeartbeat(ctx, act.AppName, act.WindowTitle, act.IsIdle)
	return s.accepted("heartbeat", res, err)
}

func (s *Scheduler) capture(ctx context.Context) bool {
	image, err := s.screen.Capture(ctx)
	if err != nil {
		s.logger.Warn("scheduler: capture screen", "err", err)
		return false
	}
	if len(image) == 0 {
		s.logger.Warn("scheduler: capture returned no image")
		return false
	}

	metadata := []types.Field{
		{Name: "app_name", Value: s.current.AppName},
		{Name: "window_title", Value: s.current.WindowTitle},
	}
	res, err := s.deliverer.UploadScreenshot(ctx, image, metadata)
	if err == nil && res.Status == delivery.StatusRateLimited {
		s.logger.Debug("scheduler: screenshot rate limited", "retry_after", res.RetryAfter)
	}
	return s.accepted("screenshot", res, err)
}

// accepted reports whether a delivery made progress.
func (s *Scheduler) accepted(what string, res delivery.Result, err error) bool {
	switch {
	case errors.Is(err, delivery.ErrAuthInvalid):
		s.logger.Error("scheduler: device token rejected; run 'phoenix-agent token setup'", "kind", what, "err", err)
		return false
	case err != nil:
		s.logger.Error("scheduler: delivery failed", "kind", what, "err", err)
		return false
	}

	switch res.Status {
	case delivery.StatusSuccess, delivery.StatusQueued, delivery.StatusRateLimited:
		return true
	}
	s.logger.Warn("scheduler: delivery rejected", "kind", what, "diagnostic", res.Diagnostic)
	return false
}
