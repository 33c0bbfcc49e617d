// Package delivery decides what happens to every telemetry event: send it
// live, queue it for later, or surface a fatal condition to the caller.
//
// Orchestrator composes a Sender (the HTTP transport) and a Queue (the
// durable SQLite store). Its two entry points are SendHeartbeat and
// UploadScreenshot; both are driven sequentially by the scheduler's
// single control loop, so the Orchestrator holds no locks.
//
// Outcome handling for a live send:
//   - Accepted                          → StatusSuccess, then replay
//   - ServerUnavailable, NetworkFailure → enqueue, StatusQueued, then replay
//   - AuthInvalid                       → ErrAuthInvalid, nothing queued
//   - PayloadTooLarge                   → ErrPayloadTooLarge, nothing queued
//   - PayloadRejected                   → StatusRejected with the diagnostic
//
// Screenshots are rate limited locally: a call within MinCaptureInterval
// of the previous upload returns StatusRateLimited without touching the
// network. The interval is measured from when the previous request was
// issued, whatever its outcome.
//
// Replay reads up to ReplayBatchSize of the oldest queued events and
// resends them one at a time, removing each on Accepted. The first
// non-Accepted outcome ends the pass and leaves that event and everything
// after it in place. Replay never starts another replay.
package delivery
