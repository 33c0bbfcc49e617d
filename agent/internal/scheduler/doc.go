// Package scheduler drives the agent's single control loop.
//
// Every LoopInterval the Scheduler checks two clocks. When HeartbeatInterval
// has elapsed since the last good heartbeat it reads the current activity
// and calls SendHeartbeat; when CaptureInterval has elapsed since the last
// good capture it grabs a screenshot and calls UploadScreenshot. A tick
// that fails leaves its clock untouched, so the work is retried on the
// next tick.
//
// Queued and rate limited results count as progress: transient network
// failures are absorbed by the offline queue and never reach this loop.
// Producer errors, rejected payloads and fatal delivery errors count
// toward MaxConsecutiveErrors; reaching it pauses the loop for ErrorPause.
//
// Activity and screenshots come from external helper commands
// (CommandActivity, CommandScreen) because window detection and screen
// capture are platform specific.
package scheduler
