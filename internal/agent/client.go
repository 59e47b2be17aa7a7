// Package agent drives the external himalaya binary: it builds the argument
// vectors, retries transient command failures and decodes the JSON it prints.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/pkg/errors"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2500 * time.Millisecond
	DefaultPageSize = 999
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Client struct {
	binary   string
	runner   base.Runner
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	pageSize int
	sleep    SleepFunc
}

type ClientOption func(*Client) error

func NewClient(opts ...ClientOption) (*Client, error) {
	c := Client{
		runner:   ExecRunner{},
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		pageSize: DefaultPageSize,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return nil, err
		}
	}

	if c.binary == "" {
		return nil, errors.New("requires himalaya binary path")
	}

	if c.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return &c, nil
}

func WithBinary(path string) ClientOption {
	return func(c *Client) error {
		c.binary = path
		return nil
	}
}

func WithRunner(r base.Runner) ClientOption {
	return func(c *Client) error {
		c.runner = r
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) error {
		if attempts < 1 {
			return errors.Errorf("attempts must be at least 1, got %d", attempts)
		}
		if backoff < 0 {
			return errors.New("backoff must not be negative")
		}
		c.attempts = attempts
		c.backoff = backoff
		return nil
	}
}

func WithPageSize(n int) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			return errors.Errorf("page size must be positive, got %d", n)
		}
		c.pageSize = n
		return nil
	}
}

func WithSleep(fn SleepFunc) ClientOption {
	return func(c *Client) error {
		c.sleep = fn
		return nil
	}
}

func (c *Client) Binary() string {
	return c.binary
}

// Invoke runs the agent once. A non-zero exit is reported in the result, not
// as an error; only a failure to start the process is an error.
func (c *Client) Invoke(ctx context.Context, args ...string) (base.Result, error) {
	result, err := c.runner.Run(ctx, c.binary, args)
	if err != nil {
		var launchErr *base.AgentLaunchError
		if errors.As(err, &launchErr) {
			return base.Result{}, err
		}
		return base.Result{}, &base.AgentLaunchError{Binary: c.binary, Err: err}
	}
	return result, nil
}

// InvokeWithRetry retries a failing command with a fixed backoff between
// attempts. Launch failures are returned immediately.
func (c *Client) InvokeWithRetry(ctx context.Context, args ...string) (base.Result, error) {
	var stderr []byte
	for attempt := 1; attempt <= c.attempts; attempt++ {
		result, err := c.Invoke(ctx, args...)
		if err != nil {
			return base.Result{}, err
		}
		if result.Success() {
			return result, nil
		}
		stderr = result.Stderr

		c.logger.DebugContext(ctx, "himalaya command failed",
			slog.String("args", base.ArgsString(args)),
			slog.Int("attempt", attempt),
			slog.Int("exit_code", result.ExitCode),
		)

		if attempt < c.attempts {
			if err := c.sleep(ctx, c.backoff); err != nil {
				return base.Result{}, errors.Wrap(err, "waiting to retry himalaya")
			}
		}
	}

	return base.Result{}, &base.AgentCommandError{
		Args:     args,
		Attempts: c.attempts,
		Stderr:   strings.TrimSpace(string(stderr)),
	}
}

// InvokeRaw returns the stdout bytes of a successful command.
func (c *Client) InvokeRaw(ctx context.Context, args ...string) ([]byte, error) {
	result, err := c.InvokeWithRetry(ctx, args...)
	if err != nil {
		return nil, err
	}
	return result.Stdout, nil
}

func decodeList[T any](ctx context.Context, c *Client, args ...string) ([]T, error) {
	out, err := c.InvokeRaw(ctx, args...)
	if err != nil {
		return nil, err
	}
	items := []T{}
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, &base.DecodeError{Source: "himalaya " + base.ArgsString(args), Err: err}
	}
	return items, nil
}

func (c *Client) ListAccounts(ctx context.Context) ([]base.Account, error) {
	return decodeList[base.Account](ctx, c, AccountListArgs()...)
}

func (c *Client) ListFolders(ctx context.Context, account string) ([]base.Folder, error) {
	return decodeList[base.Folder](ctx, c, FolderListArgs(account)...)
}

func (c *Client) ListEnvelopes(ctx context.Context, account, folder string) ([]base.Envelope, error) {
	return decodeList[base.Envelope](ctx, c, EnvelopeListArgs(account, folder, c.pageSize)...)
}

// ReadMessage returns the raw message bytes exactly as the agent printed them.
func (c *Client) ReadMessage(ctx context.Context, account, folder, id string) ([]byte, error) {
	return c.InvokeRaw(ctx, MessageReadArgs(account, folder, id)...)
}

func AccountListArgs() []string {
	return []string{"account", "list", "-o", "json"}
}

func FolderListArgs(account string) []string {
	return []string{"folder", "list", "--account", account, "-o", "json"}
}

func EnvelopeListArgs(account, folder string, pageSize int) []string {
	return []string{
		"envelope", "list",
		"--folder", folder,
		"--account", account,
		"--page-size", strconv.Itoa(pageSize),
		"-o", "json",
	}
}

func MessageReadArgs(account, folder, id string) []string {
	return []string{"message", "read", id, "--folder", folder, "--account", account}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
