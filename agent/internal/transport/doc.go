// Package transport performs one authenticated HTTP request per event and
// classifies the result. It never retries and never persists anything;
// deciding what to do with an outcome is the delivery package's job.
//
// Endpoints (relative to the configured API URL):
//   - heartbeat  → POST /api/screentime/heartbeat, JSON body
//   - screenshot → POST /api/screentime/capture, multipart/form-data with
//     the caller metadata fields, device_id, timestamp, and a `file` part
//     (screenshot.jpg, image/jpeg)
//
// Every request carries Authorization: Bearer <token>, X-Device-ID,
// User-Agent: PhoenixTracker/<device id>, and a fresh X-Request-ID.
//
// Classification (Outcome.Class):
//   - 2xx                         → Accepted
//   - 401, or no token available  → AuthInvalid (fatal)
//   - 413                         → PayloadTooLarge (fatal for the event)
//   - 422 and other 4xx           → PayloadRejected (terminal, with diagnostic)
//   - 5xx, 408, 429               → ServerUnavailable (transient)
//   - no status code (dial, TLS, timeout, reset) → NetworkFailure (transient)
package transport
