package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/credential"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/queue"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/transport"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

// scriptedSender returns outcomes from a fixed script, falling back to
// fallback once the script is exhausted.
type scriptedSender struct {
	script   []transport.Class
	fallback transport.Class
	sent     []types.Event
}

func (s *scriptedSender) Send(_ context.Context, ev types.Event, _ time.Duration) transport.Outcome {
	s.sent = append(s.sent, ev)
	class := s.fallback
	if len(s.script) > 0 {
		class, s.script = s.script[0], s.script[1:]
	}
	out := transport.Outcome{Class: class, Diagnostic: "scripted " + class.String()}
	if class == transport.Accepted {
		out.StatusCode = http.StatusOK
		out.Body = []byte(`{"status":"ok"}`)
		out.Diagnostic = ""
	}
	return out
}

type countingObserver struct {
	attempts    map[Phase]int
	queued      int
	rateLimited int
}

func (c *countingObserver) ObserveAttempt(_ types.Kind, phase Phase, _ transport.Class) {
	if c.attempts == nil {
		c.attempts = map[Phase]int{}
	}
	c.attempts[phase]++
}

func (c *countingObserver) ObserveQueued(types.Kind) { c.queued++ }
func (c *countingObserver) ObserveRateLimited()      { c.rateLimited++ }

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "cache.db"), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func queueLen(t *testing.T, q *queue.Queue) int {
	t.Helper()
	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return st.Count
}

func newOrchestrator(t *testing.T, cfg Config, s Sender, q Queue, opts ...Option) *Orchestrator {
	t.Helper()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "workstation-test"
	}
	return New(cfg, s, q, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func TestSendHeartbeat_Success(t *testing.T) {
	q := openQueue(t)
	s := &scriptedSender{fallback: transport.Accepted}
	o := newOrchestrator(t, Config{}, s, q)

	res, err := o.SendHeartbeat(context.Background(), "editor", "main.go", false)
	if err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", res.Status)
	}
	if !bytes.Equal(res.Body, []byte(`{"status":"ok"}`)) {
		t.Errorf("Body = %q", res.Body)
	}
	if len(s.sent) != 1 || s.sent[0].Heartbeat.AppName != "editor" {
		t.Errorf("sent = %+v, want one editor heartbeat", s.sent)
	}
}

func TestSendHeartbeat_TransientFailuresAreQueued(t *testing.T) {
	for _, class := range []transport.Class{transport.ServerUnavailable, transport.NetworkFailure} {
		t.Run(class.String(), func(t *testing.T) {
			q := openQueue(t)
			s := &scriptedSender{fallback: class}
			obs := &countingObserver{}
			o := newOrchestrator(t, Config{}, s, q, WithObserver(obs))

			res, err := o.SendHeartbeat(context.Background(), "editor", "main.go", false)
			if err != nil {
				t.Fatalf("SendHeartbeat() error = %v, transient failures must not surface", err)
			}
			if res.Status != StatusQueued {
				t.Fatalf("Status = %v, want queued", res.Status)
			}
			if res.QueueID == 0 || res.Reason == "" {
				t.Errorf("Result = %+v, want QueueID and Reason", res)
			}
			if n := queueLen(t, q); n != 1 {
				t.Errorf("queue length = %d, want 1", n)
			}
			if obs.queued != 1 {
				t.Errorf("observed queued = %d, want 1", obs.queued)
			}
		})
	}
}

func TestFatalOutcomes_NeverPersist(t *testing.T) {
	tests := []struct {
		class   transport.Class
		wantErr error
		status  Status
	}{
		{transport.AuthInvalid, ErrAuthInvalid, 0},
		{transport.PayloadTooLarge, ErrPayloadTooLarge, 0},
		{transport.PayloadRejected, nil, StatusRejected},
	}
	for _, tc := range tests {
		t.Run(tc.class.String(), func(t *testing.T) {
			q := openQueue(t)
			// Seed one queued event so we can tell no replay was attempted.
			if _, err := q.Enqueue(context.Background(), types.NewHeartbeat(time.Now(), "old", "", false)); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			clock := &fakeClock{t: time.Unix(1700000000, 0)}
			s := &scriptedSender{fallback: tc.class}
			o := newOrchestrator(t, Config{}, s, q, WithClock(clock.Now))

			_, hbErr := o.SendHeartbeat(context.Background(), "a", "b", false)
			res, ssErr := o.UploadScreenshot(context.Background(), []byte{1, 2, 3}, nil)

			for name, err := range map[string]error{"heartbeat": hbErr, "screenshot": ssErr} {
				if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
					t.Errorf("%s error = %v, want %v", name, err, tc.wantErr)
				}
				if tc.wantErr == nil && err != nil {
					t.Errorf("%s error = %v, want nil", name, err)
				}
			}
			if tc.wantErr == nil {
				if res.Status != tc.status || res.Diagnostic == "" {
					t.Errorf("Result = %+v, want %v with diagnostic", res, tc.status)
				}
			}
			if n := queueLen(t, q); n != 1 {
				t.Errorf("queue length = %d, want only the seeded event", n)
			}
			if len(s.sent) != 2 {
				t.Errorf("requests = %d, want 2 live sends and no replay", len(s.sent))
			}
		})
	}
}

func TestAuthInvalid_CarriesDiagnostic(t *testing.T) {
	q := openQueue(t)
	o := newOrchestrator(t, Config{}, &scriptedSender{fallback: transport.AuthInvalid}, q)
	_, err := o.SendHeartbeat(context.Background(), "a", "b", false)
	if err == nil || err.Error() != "delivery: authentication rejected: scripted auth_invalid" {
		t.Errorf("error = %v", err)
	}
}

func TestUploadScreenshot_RateLimit(t *testing.T) {
	q := openQueue(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := &scriptedSender{fallback: transport.Accepted}
	obs := &countingObserver{}
	o := newOrchestrator(t, Config{}, s, q, WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	if res, err := o.UploadScreenshot(ctx, []byte{1}, nil); err != nil || res.Status != StatusSuccess {
		t.Fatalf("first upload = %+v, %v", res, err)
	}

	clock.Advance(10 * time.Second)
	res, err := o.UploadScreenshot(ctx, []byte{2}, nil)
	if err != nil {
		t.Fatalf("rate limited upload error = %v, want nil", err)
	}
	if res.Status != StatusRateLimited {
		t.Fatalf("Status = %v, want rate_limited", res.Status)
	}
	if res.RetryAfter != 20*time.Second {
		t.Errorf("RetryAfter = %v, want 20s", res.RetryAfter)
	}
	if len(s.sent) != 1 {
		t.Errorf("requests = %d, want 1; rate limited call must not send", len(s.sent))
	}
	if obs.rateLimited != 1 {
		t.Errorf("observed rate limited = %d, want 1", obs.rateLimited)
	}

	clock.Advance(20 * time.Second)
	if res, err := o.UploadScreenshot(ctx, []byte{3}, nil); err != nil || res.Status != StatusSuccess {
		t.Errorf("upload after interval = %+v, %v", res, err)
	}
	if len(s.sent) != 2 {
		t.Errorf("requests = %d, want 2", len(s.sent))
	}
}

func TestUploadScreenshot_RateLimitAppliesAfterFailure(t *testing.T) {
	q := openQueue(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := &scriptedSender{fallback: transport.NetworkFailure}
	o := newOrchestrator(t, Config{}, s, q, WithClock(clock.Now))

	if res, _ := o.UploadScreenshot(context.Background(), []byte{1}, nil); res.Status != StatusQueued {
		t.Fatalf("Status = %v, want queued", res.Status)
	}
	clock.Advance(5 * time.Second)
	if res, _ := o.UploadScreenshot(context.Background(), []byte{2}, nil); res.Status != StatusRateLimited {
		t.Errorf("Status = %v, want rate_limited after a failed upload", res.Status)
	}
}

func TestUploadScreenshot_MetadataOverride(t *testing.T) {
	q := openQueue(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := &scriptedSender{fallback: transport.Accepted}
	o := newOrchestrator(t, Config{DeviceID: "workstation-real"}, s, q, WithClock(clock.Now))

	_, err := o.UploadScreenshot(context.Background(), []byte{1}, []types.Field{
		{Name: "device_id", Value: "spoofed"},
		{Name: "timestamp", Value: "0"},
		{Name: "app", Value: "browser"},
	})
	if err != nil {
		t.Fatalf("UploadScreenshot() error = %v", err)
	}
	ss := s.sent[0].Screenshot
	if ss.DeviceID != "workstation-real" {
		t.Errorf("DeviceID = %q, want workstation-real", ss.DeviceID)
	}
	if ss.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %v, want 1700000000", ss.Timestamp)
	}
	if len(ss.Metadata) != 1 || ss.Metadata[0] != (types.Field{Name: "app", Value: "browser"}) {
		t.Errorf("Metadata = %+v, want only app=browser", ss.Metadata)
	}
}

func TestReplay_DrainsInOrderAfterRecovery(t *testing.T) {
	q := openQueue(t)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := &scriptedSender{fallback: transport.NetworkFailure}
	o := newOrchestrator(t, Config{}, s, q, WithClock(clock.Now))
	ctx := context.Background()

	apps := []string{"a", "b", "c"}
	for _, app := range apps {
		if res, _ := o.SendHeartbeat(ctx, app, "", false); res.Status != StatusQueued {
			t.Fatalf("SendHeartbeat(%s) Status = %v, want queued", app, res.Status)
		}
		clock.Advance(time.Second)
	}

	s.fallback = transport.Accepted
	s.sent = nil
	if res, err := o.SendHeartbeat(ctx, "live", "", false); err != nil || res.Status != StatusSuccess {
		t.Fatalf("recovery send = %+v, %v", res, err)
	}

	want := []string{"live", "a", "b", "c"}
	if len(s.sent) != len(want) {
		t.Fatalf("requests after recovery = %d, want %d", len(s.sent), len(want))
	}
	for i, app := range want {
		if got := s.sent[i].Heartbeat.AppName; got != app {
			t.Errorf("request[%d] app = %q, want %q", i, got, app)
		}
	}
	if n := queueLen(t, q); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestReplay_RequestCount(t *testing.T) {
	const k = 3
	tests := []struct {
		name               string
		replayAfterFailure bool
		want               int
	}{
		// k live failures, one live success, k replays.
		{"success only", false, 2*k + 1},
		// Each failure is followed by one failed replay attempt.
		{"after failure", true, 3*k + 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := openQueue(t)
			s := &scriptedSender{fallback: transport.ServerUnavailable}
			o := newOrchestrator(t, Config{ReplayAfterFailure: tc.replayAfterFailure}, s, q)
			ctx := context.Background()

			for i := 0; i < k; i++ {
				o.SendHeartbeat(ctx, "offline", "", false)
			}
			s.fallback = transport.Accepted
			o.SendHeartbeat(ctx, "online", "", false)

			if len(s.sent) != tc.want {
				t.Errorf("requests = %d, want %d", len(s.sent), tc.want)
			}
			if n := queueLen(t, q); n != 0 {
				t.Errorf("queue length = %d, want 0", n)
			}
		})
	}
}

func TestReplay_StopsAtFirstFailure(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	var ids []int64
	for _, app := range []string{"a", "b", "c", "d"} {
		id, err := q.Enqueue(ctx, types.NewHeartbeat(time.Now(), app, "", false))
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, id)
	}

	// live ok, replay a ok, replay b fails.
	s := &scriptedSender{script: []transport.Class{transport.Accepted, transport.Accepted, transport.ServerUnavailable}, fallback: transport.Accepted}
	o := newOrchestrator(t, Config{}, s, q)
	if _, err := o.SendHeartbeat(ctx, "live", "", false); err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}

	if len(s.sent) != 3 {
		t.Errorf("requests = %d, want 3 (live, a, b)", len(s.sent))
	}
	rest, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(rest) != 3 || rest[0].ID != ids[1] || rest[1].ID != ids[2] || rest[2].ID != ids[3] {
		t.Errorf("remaining = %+v, want ids %v", rest, ids[1:])
	}
}

func TestReplay_BatchSizeBound(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := q.Enqueue(ctx, types.NewHeartbeat(time.Now(), "queued", "", false)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	s := &scriptedSender{fallback: transport.Accepted}
	obs := &countingObserver{}
	o := newOrchestrator(t, Config{ReplayBatchSize: 5}, s, q, WithObserver(obs))

	if _, err := o.SendHeartbeat(ctx, "live", "", false); err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}
	if obs.attempts[PhaseReplay] != 5 {
		t.Errorf("replay attempts = %d, want 5", obs.attempts[PhaseReplay])
	}
	if n := queueLen(t, q); n != 3 {
		t.Errorf("queue length = %d, want 3", n)
	}
}

func TestReplay_EmptyQueue(t *testing.T) {
	q := openQueue(t)
	s := &scriptedSender{fallback: transport.Accepted}
	o := newOrchestrator(t, Config{}, s, q)
	if n := o.Replay(context.Background()); n != 0 {
		t.Errorf("Replay() = %d, want 0", n)
	}
	if len(s.sent) != 0 {
		t.Errorf("requests = %d, want 0", len(s.sent))
	}
}

// failingQueue simulates a storage layer that refuses writes.
type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, types.Event) (int64, error) {
	return 0, &queue.StorageError{Op: "enqueue", Err: errors.New("disk full")}
}
func (failingQueue) DequeueBatch(context.Context, int) ([]types.QueuedEvent, error) { return nil, nil }
func (failingQueue) Remove(context.Context, int64) error                             { return nil }

func TestEnqueueFailure_SurfacesStorageError(t *testing.T) {
	o := newOrchestrator(t, Config{}, &scriptedSender{fallback: transport.NetworkFailure}, failingQueue{})
	_, err := o.SendHeartbeat(context.Background(), "a", "b", false)
	var se *queue.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *queue.StorageError", err)
	}
}

func TestTestConnection_SendsSyntheticHeartbeat(t *testing.T) {
	q := openQueue(t)
	s := &scriptedSender{fallback: transport.Accepted}
	o := newOrchestrator(t, Config{}, s, q)
	if _, err := o.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	hb := s.sent[0].Heartbeat
	if hb.AppName != "PhoenixTracker" || hb.WindowTitle != "Connection Test" || !hb.IsIdle {
		t.Errorf("heartbeat = %+v", hb)
	}
}

// End to end against an HTTP server: a connection error queues the
// heartbeat, and the next successful send drains it with two POSTs.
func TestEndToEnd_OfflineThenRecovery(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	q := openQueue(t)
	client := transport.New(transport.Config{
		BaseURL:     "http://127.0.0.1:1",
		DeviceID:    "workstation-test",
		Credentials: credential.Static("phx_test_token_0123456789"),
	})
	o := newOrchestrator(t, Config{RequestTimeout: 2 * time.Second}, client, q)
	ctx := context.Background()

	res, err := o.SendHeartbeat(ctx, "editor", "offline", false)
	if err != nil || res.Status != StatusQueued {
		t.Fatalf("offline send = %+v, %v; want queued", res, err)
	}
	if n := queueLen(t, q); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	online := transport.New(transport.Config{
		BaseURL:     srv.URL,
		DeviceID:    "workstation-test",
		Credentials: credential.Static("phx_test_token_0123456789"),
	})
	o.sender = online
	res, err = o.SendHeartbeat(ctx, "editor", "online", false)
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("online send = %+v, %v; want success", res, err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("POSTs = %d, want 2", got)
	}
	if n := queueLen(t, q); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

// A screenshot refused with HTTP 500 is queued with its attachment intact.
func TestEndToEnd_ServerErrorKeepsAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := openQueue(t)
	client := transport.New(transport.Config{
		BaseURL:     srv.URL,
		DeviceID:    "workstation-test",
		Credentials: credential.Static("phx_test_token_0123456789"),
	})
	o := newOrchestrator(t, Config{}, client, q)

	res, err := o.UploadScreenshot(context.Background(), []byte{0x01, 0x02, 0x03},
		[]types.Field{{Name: "app", Value: "editor"}})
	if err != nil || res.Status != StatusQueued {
		t.Fatalf("upload = %+v, %v; want queued", res, err)
	}

	got, err := q.DequeueBatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("queued %d events, want 1", len(got))
	}
	ev := got[0].Event
	if ev.Kind != types.KindScreenshot || !bytes.Equal(ev.Attachment, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("queued event = %s %x, want screenshot 010203", ev.Kind, ev.Attachment)
	}
	if len(ev.Screenshot.Metadata) != 1 || ev.Screenshot.Metadata[0].Value != "editor" {
		t.Errorf("metadata = %+v", ev.Screenshot.Metadata)
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{
		StatusSuccess:     "success",
		StatusQueued:      "queued",
		StatusRateLimited: "rate_limited",
		StatusRejected:    "rejected",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
