package delivery

import (
	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

// Phase distinguishes live sends from replayed ones.
type Phase string

const (
	PhaseLive   Phase = "live"
	PhaseReplay Phase = "replay"
)

// Observer receives a callback for every delivery attempt. It is used for
// metrics and health reporting and must not block.
type Observer interface {
	ObserveAttempt(kind types.Kind, phase Phase, class transport.Class)
	ObserveQueued(kind types.Kind)
	ObserveRateLimited()
}

// Observers fans callbacks out to every member in order.
type Observers []Observer

func (obs Observers) ObserveAttempt(kind types.Kind, phase Phase, class transport.Class) {
	for _, o := range obs {
		o.ObserveAttempt(kind, phase, class)
	}
}

func (obs Observers) ObserveQueued(kind types.Kind) {
	for _, o := range obs {
		o.ObserveQueued(kind)
	}
}

func (obs Observers) ObserveRateLimited() {
	for _, o := range obs {
		o.ObserveRateLimited()
	}
}
