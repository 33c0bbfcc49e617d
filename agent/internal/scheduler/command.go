package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 10 * time.Second

	// maxImageBytes bounds a captured image read from a helper command.
	maxImageBytes = 32 << 20
)

// CommandActivity runs a helper that prints one JSON object
// {"app_name": ..., "window_title": ..., "is_idle": ...} on stdout.
type CommandActivity struct {
	Argv    []string
	Timeout time.Duration
}

func (c CommandActivity) Current(ctx context.Context) (Activity, error) {
	out, err := runCommand(ctx, c.Argv, c.Timeout)
	if err != nil {
		return Activity{}, err
	}
	var act Activity
	if err := json.Unmarshal(out, &act); err != nil {
		return Activity{}, fmt.Errorf("scheduler: parse activity from %s: %w", c.Argv[0], err)
	}
	if act.AppName == "" {
		act.AppName = "Unknown"
	}
	return act, nil
}

// StaticActivity reports the same activity every time. It is used when
// no activity helper is configured.
type StaticActivity Activity

func (s StaticActivity) Current(context.Context) (Activity, error) {
	return Activity(s), nil
}

// CommandScreen runs a helper that writes a JPEG image to stdout.
type CommandScreen struct {
	Argv    []string
	Timeout time.Duration
}

func (c CommandScreen) Capture(ctx context.Context) ([]byte, error) {
	out, err := runCommand(ctx, c.Argv, c.Timeout)
	if err != nil {
		return nil, err
	}
	if len(out) > maxImageBytes {
		return nil, fmt.Errorf("scheduler: capture from %s: image is %d bytes, limit %d", c.Argv[0], len(out), maxImageBytes)
	}
	return out, nil
}

func runCommand(ctx context.Context, argv []string, timeout time.Duration) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("scheduler: empty command")
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("scheduler: run %s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("scheduler: run %s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}
