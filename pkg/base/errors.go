package base

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound marks a cache lookup for a path that does not exist.
var ErrNotFound = errors.New("not found in cache")

// InvalidScopeError is returned when a sync names a folder without an account.
type InvalidScopeError struct {
	Folder string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scope: folder %q requires an account", e.Folder)
}

// InvalidNameError rejects an account, folder or message id that would
// resolve outside its place in the cache.
type InvalidNameError struct {
	Kind string
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s name %q", e.Kind, e.Name)
}

// AgentLaunchError means the agent binary could not be started at all.
type AgentLaunchError struct {
	Binary string
	Err    error
}

func (e *AgentLaunchError) Error() string {
	return fmt.Sprintf("failed to run himalaya at %s: %v", e.Binary, e.Err)
}

func (e *AgentLaunchError) Unwrap() error { return e.Err }

// AgentCommandError carries the trimmed stderr of the final failed attempt.
type AgentCommandError struct {
	Args     []string
	Attempts int
	Stderr   string
}

func (e *AgentCommandError) Error() string {
	return fmt.Sprintf("himalaya command failed after retries: %s", e.Stderr)
}

// DecodeError reports output or a cached file that is not the expected JSON.
// Source is either the agent arguments or the offending path.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CacheIOError wraps any filesystem failure under the cache root.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }

// PassthroughExitError is returned when a passed-through agent command exits non-zero.
type PassthroughExitError struct {
	Code int
}

func (e *PassthroughExitError) Error() string {
	return fmt.Sprintf("himalaya exited with status %d", e.Code)
}

// NotFound builds an ErrNotFound carrying the missing path.
func NotFound(what, path string) error {
	return errors.Wrapf(ErrNotFound, "%s at %s", what, path)
}

// ArgsString renders agent arguments for error messages.
func ArgsString(args []string) string {
	return strings.Join(args, " ")
}
