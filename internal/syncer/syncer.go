// Package syncer mirrors the remote store into the cache. Accounts and
// folders are walked sequentially; the envelopes of a folder are processed on
// a bounded worker pool. Failures below the account list are recorded as
// warnings and never abort the run.
package syncer

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"aaronromeo.com/himalayacache/internal/cache"
	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "aaronromeo.com/himalayacache/internal/syncer"

var tracer = otel.Tracer(instrumentationName)

// Agent is the subset of the agent client the orchestrator needs.
type Agent interface {
	ListAccounts(ctx context.Context) ([]base.Account, error)
	ListFolders(ctx context.Context, account string) ([]base.Folder, error)
	ListEnvelopes(ctx context.Context, account, folder string) ([]base.Envelope, error)
	ReadMessage(ctx context.Context, account, folder, id string) ([]byte, error)
}

type Progress interface {
	Add(n int) error
	Finish() error
}

// ProgressFactory starts a progress indicator for one folder.
type ProgressFactory func(total int, description string) Progress

type Syncer struct {
	agent    Agent
	store    *cache.Store
	logger   *slog.Logger
	workers  int
	progress ProgressFactory
	meter    metric.MeterProvider

	envelopes metric.Int64Counter
}

type SyncerOption func(*Syncer) error

func New(opts ...SyncerOption) (*Syncer, error) {
	s := Syncer{
		workers:  runtime.NumCPU(),
		progress: BarProgress,
		meter:    otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}

	if s.agent == nil {
		return nil, errors.New("requires agent")
	}

	if s.store == nil {
		return nil, errors.New("requires cache store")
	}

	if s.logger == nil {
		return nil, errors.New("requires slogger")
	}

	counter, err := s.meter.Meter(instrumentationName).Int64Counter(
		"himalaya_cache.envelopes",
		metric.WithDescription("Envelopes processed by sync, by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating envelope counter")
	}
	s.envelopes = counter

	return &s, nil
}

func WithAgent(a Agent) SyncerOption {
	return func(s *Syncer) error {
		s.agent = a
		return nil
	}
}

func WithStore(store *cache.Store) SyncerOption {
	return func(s *Syncer) error {
		s.store = store
		return nil
	}
}

func WithLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) error {
		s.logger = logger
		return nil
	}
}

// WithWorkers bounds the per-folder envelope fan-out. Zero selects the
// number of CPUs.
func WithWorkers(n int) SyncerOption {
	return func(s *Syncer) error {
		if n < 0 {
			return errors.Errorf("workers must not be negative, got %d", n)
		}
		if n > 0 {
			s.workers = n
		}
		return nil
	}
}

func WithProgress(p ProgressFactory) SyncerOption {
	return func(s *Syncer) error {
		s.progress = p
		return nil
	}
}

func WithMeterProvider(mp metric.MeterProvider) SyncerOption {
	return func(s *Syncer) error {
		s.meter = mp
		return nil
	}
}

// BarProgress draws a terminal progress bar on stderr.
func BarProgress(total int, description string) Progress {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// NoProgress discards progress updates.
func NoProgress(int, string) Progress {
	return nopProgress{}
}

type nopProgress struct{}

func (nopProgress) Add(int) error { return nil }
func (nopProgress) Finish() error { return nil }

// Sync mirrors scope into the cache. The returned error is non-nil only for
// failures that stop the whole run; everything else is in Summary.Warnings.
func (s *Syncer) Sync(ctx context.Context, scope Scope) (*Summary, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	summary := &Summary{RunID: uuid.NewString()}
	logger := s.logger.With(slog.String("run_id", summary.RunID))

	ctx, span := tracer.Start(ctx, "sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.scope", scope.String()),
		attribute.String("sync.run_id", summary.RunID),
	)

	if err := s.sync(ctx, logger, scope, summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	logger.InfoContext(ctx, "Sync complete",
		slog.String("scope", scope.String()),
		slog.Int("accounts", summary.Accounts),
		slog.Int("folders", summary.Folders),
		slog.Int("envelopes", summary.Envelopes),
		slog.Int("fetched", summary.Fetched),
		slog.Int("warnings", len(summary.Warnings)),
	)
	return summary, nil
}

func (s *Syncer) sync(ctx context.Context, logger *slog.Logger, scope Scope, summary *Summary) error {
	if err := s.store.EnsureRoot(); err != nil {
		return err
	}

	accounts, err := s.accounts(ctx, scope)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if err := s.syncAccount(ctx, logger, scope, account, summary); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) accounts(ctx context.Context, scope Scope) ([]string, error) {
	if scope.Account != "" {
		return []string{scope.Account}, nil
	}

	accounts, err := s.agent.ListAccounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch account list")
	}
	if err := s.store.WriteAccounts(accounts); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a.Name)
	}
	return names, nil
}

func (s *Syncer) syncAccount(ctx context.Context, logger *slog.Logger, scope Scope, account string, summary *Summary) error {
	ctx, span := tracer.Start(ctx, "sync.account")
	defer span.End()
	span.SetAttributes(attribute.String("account", account))

	var folders []string
	if scope.Folder != "" {
		folders = []string{scope.Folder}
	} else {
		listed, err := s.agent.ListFolders(ctx, account)
		if err != nil {
			s.warn(ctx, logger, summary, Warning{Unit: UnitAccount, Account: account, Err: err})
			return nil
		}
		if err := s.store.WriteFolders(account, listed); err != nil {
			return err
		}
		for _, f := range listed {
			folders = append(folders, f.Name)
		}
	}

	for _, folder := range folders {
		if err := s.syncFolder(ctx, logger, account, folder, summary); err != nil {
			return err
		}
	}

	summary.mu.Lock()
	summary.Accounts++
	summary.mu.Unlock()
	return nil
}

func (s *Syncer) syncFolder(ctx context.Context, logger *slog.Logger, account, folder string, summary *Summary) error {
	ctx, span := tracer.Start(ctx, "sync.folder")
	defer span.End()
	span.SetAttributes(attribute.String("account", account), attribute.String("folder", folder))

	envelopes, err := s.agent.ListEnvelopes(ctx, account, folder)
	if err != nil {
		s.warn(ctx, logger, summary, Warning{Unit: UnitFolder, Account: account, Folder: folder, Err: err})
		return nil
	}
	if err := s.store.WriteEnvelopes(account, folder, envelopes); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("envelopes.count", len(envelopes)))

	progress := s.progress(len(envelopes), account+"/"+folder)
	p := pool.New().WithMaxGoroutines(s.workers)
	for _, envelope := range envelopes {
		envelope := envelope
		p.Go(func() {
			o := s.syncEnvelope(ctx, logger, account, folder, envelope, summary)
			summary.record(o)
			s.envelopes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("account", account),
				attribute.String("outcome", o.String()),
			))
			_ = progress.Add(1)
		})
	}
	p.Wait()
	_ = progress.Finish()

	summary.mu.Lock()
	summary.Folders++
	summary.mu.Unlock()
	return nil
}

func (s *Syncer) syncEnvelope(ctx context.Context, logger *slog.Logger, account, folder string, envelope base.Envelope, summary *Summary) outcome {
	fail := func(err error) outcome {
		s.warn(ctx, logger, summary, Warning{
			Unit:    UnitEnvelope,
			Account: account,
			Folder:  folder,
			ID:      envelope.ID,
			Err:     err,
		})
		return outcomeFailed
	}

	if err := s.store.WriteMeta(account, folder, envelope); err != nil {
		return fail(err)
	}

	if s.store.HasMessage(account, folder, envelope.ID) {
		return outcomeCached
	}

	body, err := s.agent.ReadMessage(ctx, account, folder, envelope.ID)
	if err != nil {
		return fail(err)
	}
	if err := s.store.WriteMessage(account, folder, envelope.ID, body); err != nil {
		return fail(err)
	}
	return outcomeFetched
}

func (s *Syncer) warn(ctx context.Context, logger *slog.Logger, summary *Summary, w Warning) {
	summary.warn(w)
	logger.WarnContext(ctx, w.String(),
		slog.String("unit", string(w.Unit)),
		slog.String("account", w.Account),
		slog.String("folder", w.Folder),
		slog.String("id", w.ID),
		slog.Any("error", w.Err),
	)
}
