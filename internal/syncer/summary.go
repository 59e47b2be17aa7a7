package syncer

import (
	"fmt"
	"strings"
	"sync"

	"aaronromeo.com/himalayacache/pkg/base"
)

// Scope narrows a sync run. The zero value syncs every account.
type Scope struct {
	Account string
	Folder  string
}

func (s Scope) Validate() error {
	if s.Folder != "" && s.Account == "" {
		return &base.InvalidScopeError{Folder: s.Folder}
	}
	return nil
}

func (s Scope) String() string {
	switch {
	case s.Account == "":
		return "all accounts"
	case s.Folder == "":
		return s.Account
	default:
		return s.Account + "/" + s.Folder
	}
}

type Unit string

const (
	UnitAccount  Unit = "account"
	UnitFolder   Unit = "folder"
	UnitEnvelope Unit = "envelope"
)

// Warning is a recoverable failure of one unit of work.
type Warning struct {
	Unit    Unit
	Account string
	Folder  string
	ID      string
	Err     error
}

func (w Warning) String() string {
	switch w.Unit {
	case UnitAccount:
		return fmt.Sprintf("failed to sync folders for account %s: %v", w.Account, w.Err)
	case UnitFolder:
		return fmt.Sprintf("failed to sync envelopes for %s/%s: %v", w.Account, w.Folder, w.Err)
	default:
		return fmt.Sprintf("failed to sync message %s in %s/%s: %v", w.ID, w.Account, w.Folder, w.Err)
	}
}

// Summary aggregates the outcome of a run. It is safe for concurrent use
// while the run is in progress.
type Summary struct {
	RunID     string
	Accounts  int
	Folders   int
	Envelopes int
	Fetched   int
	Cached    int
	Failed    int
	Warnings  []Warning

	mu sync.Mutex
}

type outcome int

const (
	outcomeFetched outcome = iota
	outcomeCached
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeFetched:
		return "fetched"
	case outcomeCached:
		return "cached"
	default:
		return "failed"
	}
}

func (s *Summary) warn(w Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, w)
}

func (s *Summary) record(o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Envelopes++
	switch o {
	case outcomeFetched:
		s.Fetched++
	case outcomeCached:
		s.Cached++
	case outcomeFailed:
		s.Failed++
	}
}

func (s *Summary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "synced %d accounts, %d folders, %d envelopes (%d fetched, %d cached, %d failed)",
		s.Accounts, s.Folders, s.Envelopes, s.Fetched, s.Cached, s.Failed)
	if n := len(s.Warnings); n > 0 {
		fmt.Fprintf(&b, " with %d warnings", n)
	}
	return b.String()
}
