package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/config"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/credential"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/delivery"
	"github.com/phoenixtracker/phoenixtracker/agent/internal/security"
)

func runCheck(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	checker := security.Checker{InsecureSkipVerify: cfg.Agent.TLS.InsecureSkipVerify}
	if cs := checker.Check(ctx, cfg.Agent.APIURL); cs != nil {
		fmt.Printf("certificate: %s", cs.Status)
		if cs.Status == security.StatusUnreachable {
			fmt.Printf(" (%v)\n", cs.Err)
		} else {
			fmt.Printf(" (issuer %q, expires %s, %d days left)\n", cs.Issuer, cs.NotAfter.Format("2006-01-02"), cs.DaysLeft)
		}
	}

	res, err := st.orch.TestConnection(ctx)
	if err != nil {
		return fmt.Errorf("connection test: %w", err)
	}
	fmt.Printf("connection test: %s\n", res.Status)
	if res.Status == delivery.StatusQueued {
		fmt.Printf("  service unreachable: %s\n", res.Reason)
	}
	if res.Summary != "" {
		fmt.Printf("  summary: %s\n", res.Summary)
	}

	stats, err := st.queue.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queued events: %d (%d bytes on disk)\n", stats.Count, stats.ApproxSizeBytes)
	if res.Status == delivery.StatusQueued {
		return errors.New("service unreachable")
	}
	return nil
}

func runQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: phoenix-agent queue stats|clear|flush")
	}
	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "stats":
		stats, err := st.queue.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("path:   %s\nevents: %d\nsize:   %d bytes\n", cfg.Agent.QueuePath, stats.Count, stats.ApproxSizeBytes)
		return nil
	case "clear":
		if err := st.queue.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("queue cleared")
		return nil
	case "flush":
		n := st.orch.Replay(ctx)
		fmt.Printf("delivered %d queued events\n", n)
		return nil
	}
	return fmt.Errorf("unknown queue command %q", args[0])
}

func runToken(cfg *config.Config, args []string, fromFile string) error {
	if len(args) != 1 {
		return errors.New("usage: phoenix-agent token setup|show|delete")
	}
	auth := cfg.Agent.Auth

	switch args[0] {
	case "show":
		token, ok := auth.Provider().Token()
		if !ok {
			return errors.New("no token configured")
		}
		fmt.Printf("token (%s): %s\n", auth.Mode, credential.Mask(token))
		return nil
	}

	if auth.Mode != "file" {
		return fmt.Errorf("token %s requires agent.auth.mode file; in env mode set %s instead", args[0], auth.TokenEnv)
	}
	store := auth.Store()

	switch args[0] {
	case "setup":
		token, err := readToken(fromFile)
		if err != nil {
			return err
		}
		if err := store.Store(token); err != nil {
			return err
		}
		fmt.Printf("token stored in %s: %s\n", store.TokenPath, credential.Mask(token))
		return nil
	case "delete":
		if err := store.Delete(); err != nil {
			return err
		}
		fmt.Println("token deleted")
		return nil
	}
	return fmt.Errorf("unknown token command %q", args[0])
}

// readToken reads the device token from path, or from the terminal with
// echo disabled when path is empty or "-".
func readToken(path string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return parseToken(string(data))
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
		if err != nil {
			return "", fmt.Errorf("read token from stdin: %w", err)
		}
		return parseToken(string(data))
	}

	fmt.Fprint(os.Stderr, "Device token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return parseToken(string(raw))
}

func parseToken(s string) (string, error) {
	token := strings.TrimSpace(s)
	if len(token) < credential.MinTokenLength {
		return "", fmt.Errorf("token is too short (%d characters, need at least %d)", len(token), credential.MinTokenLength)
	}
	return token, nil
}
