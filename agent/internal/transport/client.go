package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/credential"
	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

const (
	heartbeatPath = "/api/screentime/heartbeat"
	capturePath   = "/api/screentime/capture"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// ErrNoCredential is the Outcome.Err for AuthInvalid raised because the
// credential provider had no token.
var ErrNoCredential = errors.New("transport: no bearer token available")

// Config holds the parameters for building a Client.
type Config struct {
	// BaseURL is the ingestion service root, e.g. https://phoenix.example.com.
	BaseURL string

	// DeviceID is sent as X-Device-ID and in the User-Agent.
	DeviceID string

	// Credentials supplies the bearer token for every request.
	Credentials credential.Provider

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
}

// Client sends events to the ingestion service.
type Client struct {
	baseURL string
	creds   credential.Provider
	http    *http.Client
}

// New builds a Client. The underlying http.Client is created once and
// reused for every Send.
func New(cfg Config) *Client {
	base := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // user-configured
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   cfg.Credentials,
		http: &http.Client{
			Transport: &deviceRoundTripper{base: base, deviceID: cfg.DeviceID},
		},
	}
}

// deviceRoundTripper stamps device identity and a request id on every
// outgoing request.
type deviceRoundTripper struct {
	base     http.RoundTripper
	deviceID string
}

func (t *deviceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Device-ID", t.deviceID)
	req.Header.Set("User-Agent", "PhoenixTracker/"+t.deviceID)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return t.base.RoundTrip(req)
}

// Send performs one request for ev and classifies the result. timeout
// bounds the whole exchange; zero means no limit beyond ctx.
func (c *Client) Send(ctx context.Context, ev types.Event, timeout time.Duration) Outcome {
	token, ok := "", false
	if c.creds != nil {
		token, ok = c.creds.Token()
	}
	if !ok {
		return Outcome{Class: AuthInvalid, Diagnostic: ErrNoCredential.Error(), Err: ErrNoCredential}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.buildRequest(ctx, ev)
	if err != nil {
		// A request that cannot be built will never succeed on retry.
		return Outcome{Class: PayloadRejected, Diagnostic: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{Class: NetworkFailure, Diagnostic: err.Error(), Err: fmt.Errorf("transport: %s: %w", ev.Kind, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The server may have processed the request, but without the full
		// response we cannot tell. Treat as transient; at-least-once.
		return Outcome{Class: NetworkFailure, StatusCode: resp.StatusCode, Diagnostic: err.Error(),
			Err: fmt.Errorf("transport: read %s response: %w", ev.Kind, err)}
	}
	return classify(resp.StatusCode, body)
}

func (c *Client) buildRequest(ctx context.Context, ev types.Event) (*http.Request, error) {
	switch ev.Kind {
	case types.KindHeartbeat:
		if ev.Heartbeat == nil {
			return nil, fmt.Errorf("transport: heartbeat event without payload")
		}
		data, err := json.Marshal(ev.Heartbeat)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal heartbeat: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+heartbeatPath, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("transport: build heartbeat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	case types.KindScreenshot:
		if ev.Screenshot == nil {
			return nil, fmt.Errorf("transport: screenshot event without payload")
		}
		body, contentType, err := encodeCapture(ev.Screenshot, ev.Attachment)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+capturePath, body)
		if err != nil {
			return nil, fmt.Errorf("transport: build capture request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}
	return nil, fmt.Errorf("transport: unknown event kind %q", ev.Kind)
}

// encodeCapture builds the multipart body for a screenshot upload.
func encodeCapture(ss *types.Screenshot, image []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := append([]types.Field(nil), ss.Metadata...)
	fields = append(fields,
		types.Field{Name: "device_id", Value: ss.DeviceID},
		types.Field{Name: "timestamp", Value: strconv.FormatFloat(ss.Timestamp, 'f', -1, 64)},
	)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("transport: write field %q: %w", f.Name, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="screenshot.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("transport: create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("transport: write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("transport: close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
