// Package tmux drives the tmux binary with discrete argv. Nothing here builds
// a shell string.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/tmuxgate/internal/config"
)

// ErrSessionNotFound reports that the targeted session does not exist or the
// tmux server is not running.
var ErrSessionNotFound = errors.New("tmux session not found")

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// SessionInfo is what tmux reports about a live session.
type SessionInfo struct {
	TmuxID      string
	Name        string
	CreatedAt   time.Time
	CurrentPath string
}

type Executor struct {
	cfg    config.SessionConfig
	runner Runner
}

func NewExecutor(cfg config.SessionConfig) *Executor {
	if strings.TrimSpace(cfg.TmuxBinary) == "" {
		cfg.TmuxBinary = "tmux"
	}
	return &Executor{
		cfg:    cfg,
		runner: OSRunner{},
	}
}

func NewExecutorWithRunner(cfg config.SessionConfig, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// SessionExists runs has-session. A missing session or server is (false, nil);
// only failures to run tmux itself are errors.
func (e *Executor) SessionExists(ctx context.Context, target string) (bool, error) {
	_, err := e.run(ctx, "has-session", "-t", target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// CreateSession starts a detached session. workDir may be empty.
func (e *Executor) CreateSession(ctx context.Context, name, workDir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if strings.TrimSpace(workDir) != "" {
		args = append(args, "-c", workDir)
	}
	_, err := e.run(ctx, args...)
	return err
}

func (e *Executor) DescribeSession(ctx context.Context, target string) (SessionInfo, error) {
	out, err := e.run(ctx, "display-message", "-p", "-t", target, Join(
		"#{session_id}",
		"#{session_name}",
		"#{session_created}",
		"#{pane_current_path}",
	))
	if err != nil {
		return SessionInfo{}, err
	}
	return parseSessionInfo(out)
}

func parseSessionInfo(out string) (SessionInfo, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	parts := SplitLine(line, 4)
	if len(parts) != 4 {
		return SessionInfo{}, fmt.Errorf("unexpected display-message output")
	}
	info := SessionInfo{
		TmuxID:      parts[0],
		Name:        parts[1],
		CurrentPath: parts[3],
	}
	if !strings.HasPrefix(info.TmuxID, "$") {
		return SessionInfo{}, fmt.Errorf("unexpected session id %q", info.TmuxID)
	}
	if sec, err := strconv.ParseInt(parts[2], 10, 64); err == nil && sec > 0 {
		info.CreatedAt = time.Unix(sec, 0).UTC()
	}
	return info, nil
}

// SendKeystrokes types text into the target pane as literal keys and then
// presses Enter. The text never passes through a shell on this side.
func (e *Executor) SendKeystrokes(ctx context.Context, target, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty command")
	}
	if _, err := e.run(ctx, "send-keys", "-t", target, "-l", "--", text); err != nil {
		return err
	}
	_, err := e.run(ctx, "send-keys", "-t", target, "Enter")
	return err
}

// CapturePane returns the last lines of the pane's visible history.
func (e *Executor) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	if lines <= 0 {
		lines = e.cfg.OutputLines
	}
	return e.run(ctx, "capture-pane", "-p", "-J", "-t", target, "-S", "-"+strconv.Itoa(lines))
}

func (e *Executor) run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty tmux command")
	}
	maxAttempts := 1
	if isRetryable(args[0]) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.cfg.CommandTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		}
		out, err := e.runner.Run(runCtx, e.cfg.TmuxBinary, args...)
		cancel()
		if err == nil {
			return string(out), nil
		}
		if missingSession(out) {
			return "", fmt.Errorf("tmux %s: %w", args[0], ErrSessionNotFound)
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return "", fmt.Errorf("tmux %s: %w", args[0], lastErr)
}

func missingSession(out []byte) bool {
	msg := strings.ToLower(string(out))
	for _, marker := range []string{"can't find session", "can't find pane", "can't find window", "session not found", "no server running", "no sessions"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isRetryable(sub string) bool {
	switch sub {
	case "display-message", "capture-pane", "list-sessions":
		return true
	default:
		return false
	}
}
