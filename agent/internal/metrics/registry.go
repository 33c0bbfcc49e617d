package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/delivery"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/queue"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

const statsTimeout = 5 * time.Second

// StatsSource reports queue contents. queue.Queue implements it.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type attemptKey struct {
	kind    types.Kind
	phase   delivery.Phase
	outcome string
}

// Registry accumulates delivery counters. It is safe for concurrent use:
// the control loop writes while the HTTP handler reads.
type Registry struct {
	mu          sync.Mutex
	attempts    map[attemptKey]float64
	queued      map[types.Kind]float64
	rateLimited float64

	stats  StatsSource
	logger *slog.Logger
}

// NewRegistry returns an empty Registry. stats may be nil, in which case
// the queue gauges are omitted.
func NewRegistry(stats StatsSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		attempts: make(map[attemptKey]float64),
		queued:   make(map[types.Kind]float64),
		stats:    stats,
		logger:   logger,
	}
}

func (r *Registry) ObserveAttempt(kind types.Kind, phase delivery.Phase, class transport.Class) {
	r.mu.Lock()
	r.attempts[attemptKey{kind, phase, class.String()}]++
	r.mu.Unlock()
}

func (r *Registry) ObserveQueued(kind types.Kind) {
	r.mu.Lock()
	r.queued[kind]++
	r.mu.Unlock()
}

func (r *Registry) ObserveRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

// Gather returns the current metric families in a stable order.
func (r *Registry) Gather(ctx context.Context) []*dto.MetricFamily {
	r.mu.Lock()
	attempts := counterFamily("phoenix_delivery_attempts_total", "Delivery attempts by event kind, phase and outcome.")
	keys := make([]attemptKey, 0, len(r.attempts))
	for k := range r.attempts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if a.phase != b.phase {
			return a.phase < b.phase
		}
		return a.outcome < b.outcome
	})
	for _, k := range keys {
		attempts.Metric = append(attempts.Metric, counter(r.attempts[k],
			label("kind", string(k.kind)), label("phase", string(k.phase)), label("outcome", k.outcome)))
	}

	queued := counterFamily("phoenix_delivery_queued_total", "Events written to the offline queue after a transient failure.")
	kinds := make([]types.Kind, 0, len(r.queued))
	for k := range r.queued {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		queued.Metric = append(queued.Metric, counter(r.queued[k], label("kind", string(k))))
	}

	rateLimited := counterFamily("phoenix_delivery_rate_limited_total", "Screenshot uploads skipped by the local rate limit.")
	rateLimited.Metric = append(rateLimited.Metric, counter(r.rateLimited))
	r.mu.Unlock()

	families := []*dto.MetricFamily{attempts, queued, rateLimited}

	if r.stats != nil {
		ctx, cancel := context.WithTimeout(ctx, statsTimeout)
		defer cancel()
		st, err := r.stats.Stats(ctx)
		if err != nil {
			r.logger.Warn("metrics: queue stats", "err", err)
		} else {
			families = append(families,
				gaugeFamily("phoenix_queue_events", "Events waiting in the offline queue.", float64(st.Count)),
				gaugeFamily("phoenix_queue_size_bytes", "Approximate size of the offline queue database.", float64(st.ApproxSizeBytes)),
			)
		}
	}
	return families
}

// ServeHTTP writes the metrics in Prometheus text format.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var buf bytes.Buffer
	for _, mf := range r.Gather(req.Context()) {
		if len(mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			r.logger.Error("metrics: encode", "family", mf.GetName(), "err", err)
			http.Error(w, "encode metrics", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	_, _ = w.Write(buf.Bytes())
}

func counterFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
}

func gaugeFamily(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}
