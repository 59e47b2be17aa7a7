package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"aaronromeo.com/himalayacache/internal/agent"
	"aaronromeo.com/himalayacache/internal/cache"
	"aaronromeo.com/himalayacache/pkg/base"
	"aaronromeo.com/himalayacache/pkg/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	gomock "go.uber.org/mock/gomock"
)

const root = "/cache"

// remote scripts the agent's answers for a small two-account mail store.
type remote struct {
	accounts    []base.Account
	folders     map[string][]base.Folder
	envelopes   map[string][]base.Envelope
	bodies      map[string]string
	failFolders   map[string]bool
	failEnvelopes map[string]bool
	failReads     map[string]bool
	failAccount   bool

	calls atomic.Int32
	reads atomic.Int32
}

func newRemote() *remote {
	return &remote{
		accounts: []base.Account{{Name: "work"}, {Name: "home"}},
		folders: map[string][]base.Folder{
			"work": {{Name: "INBOX"}, {Name: "Sent"}},
			"home": {{Name: "INBOX"}},
		},
		envelopes: map[string][]base.Envelope{
			"work/INBOX": {{ID: "1"}, {ID: "2"}, {ID: "3"}},
			"work/Sent":  {{ID: "10"}},
			"home/INBOX": {{ID: "1", Subject: mock.Ptr("hello")}, {ID: "5"}},
		},
		bodies: map[string]string{
			"work/INBOX/1": "Subject: w1\r\n\r\none",
			"work/INBOX/2": "Subject: w2\r\n\r\ntwo",
			"work/INBOX/3": "Subject: w3\r\n\r\nthree",
			"work/Sent/10": "Subject: w10\r\n\r\nten",
			"home/INBOX/1": "Subject: h1\r\n\r\nhome one",
			"home/INBOX/5": "Subject: h5\r\n\r\nhome five",
		},
		failFolders:   map[string]bool{},
		failEnvelopes: map[string]bool{},
		failReads:     map[string]bool{},
	}
}

func (r *remote) run(t *testing.T) func(context.Context, string, []string) (base.Result, error) {
	return func(_ context.Context, _ string, args []string) (base.Result, error) {
		r.calls.Add(1)
		switch strings.Join(args[:2], " ") {
		case "account list":
			if r.failAccount {
				return mock.FailedResult("cannot read config"), nil
			}
			return mock.JSONResult(t, r.accounts), nil
		case "folder list":
			account := args[3]
			if r.failFolders[account] {
				return mock.FailedResult("authentication failed for " + account), nil
			}
			return mock.JSONResult(t, r.folders[account]), nil
		case "envelope list":
			folder, account := args[3], args[5]
			if r.failEnvelopes[account+"/"+folder] {
				return mock.FailedResult("cannot select " + folder), nil
			}
			return mock.JSONResult(t, r.envelopes[account+"/"+folder]), nil
		case "message read":
			r.reads.Add(1)
			id, folder, account := args[2], args[4], args[6]
			key := account + "/" + folder + "/" + id
			if r.failReads[key] {
				return mock.FailedResult("message vanished"), nil
			}
			return base.Result{Stdout: []byte(r.bodies[key])}, nil
		}
		t.Fatalf("unexpected agent call %v", args)
		return base.Result{}, nil
	}
}

type fixture struct {
	remote  *remote
	fm      *mock.MemFileManager
	store   *cache.Store
	sleeper *mock.Sleeper
	runner  *mock.MockRunner
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	fm := mock.NewMemFileManager()
	return &fixture{
		remote:  newRemote(),
		fm:      fm,
		store:   cache.NewStore(root, cache.WithFileManager(fm)),
		sleeper: &mock.Sleeper{},
		runner:  mock.NewMockRunner(ctrl),
	}
}

func (f *fixture) expectAgent(t *testing.T) {
	f.runner.EXPECT().Run(gomock.Any(), "himalaya", gomock.Any()).DoAndReturn(f.remote.run(t)).AnyTimes()
}

func (f *fixture) syncer(t *testing.T, opts ...SyncerOption) *Syncer {
	t.Helper()
	logger := mock.SetupLogger(t)
	client, err := agent.NewClient(
		agent.WithBinary("himalaya"),
		agent.WithRunner(f.runner),
		agent.WithLogger(logger),
		agent.WithSleep(f.sleeper.Sleep),
	)
	require.NoError(t, err)

	s, err := New(append([]SyncerOption{
		WithAgent(client),
		WithStore(f.store),
		WithLogger(logger),
		WithProgress(NoProgress),
	}, opts...)...)
	require.NoError(t, err)
	return s
}

func (f *fixture) body(t *testing.T, account, folder, id string) string {
	t.Helper()
	data, ok := f.fm.Get(f.store.MessagePath(account, folder, id))
	require.True(t, ok, "missing body %s/%s/%s", account, folder, id)
	return string(data)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(WithStore(cache.NewStore(root)), WithLogger(mock.SetupLogger(t)))
	assert.EqualError(t, err, "requires agent")

	_, err = New(WithAgent(&agent.Client{}), WithLogger(mock.SetupLogger(t)))
	assert.EqualError(t, err, "requires cache store")

	_, err = New(WithAgent(&agent.Client{}), WithStore(cache.NewStore(root)), WithWorkers(-1))
	assert.Error(t, err)
}

func TestFullSyncMirrorsEverything(t *testing.T) {
	f := newFixture(t)
	f.expectAgent(t)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{})
	require.NoError(t, err)

	assert.Empty(t, summary.Warnings)
	assert.Equal(t, 2, summary.Accounts)
	assert.Equal(t, 3, summary.Folders)
	assert.Equal(t, 6, summary.Envelopes)
	assert.Equal(t, 6, summary.Fetched)
	assert.NotEmpty(t, summary.RunID)

	for key, want := range f.remote.bodies {
		parts := strings.Split(key, "/")
		assert.Equal(t, want, f.body(t, parts[0], parts[1], parts[2]))
		assert.True(t, f.store.Exists(f.store.MetaPath(parts[0], parts[1], parts[2])))
	}

	for _, path := range []string{
		f.store.AccountsPath(),
		f.store.FoldersPath("work"),
		f.store.FoldersPath("home"),
		f.store.EnvelopesPath("work", "INBOX"),
		f.store.EnvelopesPath("work", "Sent"),
		f.store.EnvelopesPath("home", "INBOX"),
	} {
		assert.True(t, f.store.Exists(path), path)
	}

	meta, _ := f.fm.Get(f.store.MetaPath("home", "INBOX", "1"))
	assert.Contains(t, string(meta), `"subject": "hello"`)
}

func TestSecondRunFetchesNoBodies(t *testing.T) {
	f := newFixture(t)
	f.expectAgent(t)
	s := f.syncer(t)

	_, err := s.Sync(context.Background(), Scope{})
	require.NoError(t, err)
	require.EqualValues(t, 6, f.remote.reads.Load())

	f.remote.envelopes["work/INBOX"] = append(f.remote.envelopes["work/INBOX"], base.Envelope{ID: "4"})
	f.remote.bodies["work/INBOX/4"] = "Subject: w4\r\n\r\nfour"
	before := f.fm.WriteCount(f.store.MessagePath("work", "INBOX", "1"))

	summary, err := s.Sync(context.Background(), Scope{})
	require.NoError(t, err)

	assert.EqualValues(t, 7, f.remote.reads.Load(), "only the new message is read")
	assert.Equal(t, 6, summary.Cached)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, before, f.fm.WriteCount(f.store.MessagePath("work", "INBOX", "1")), "cached bodies are never rewritten")
}

func TestResultIndependentOfWorkerCount(t *testing.T) {
	snapshot := func(workers int) map[string]string {
		f := newFixture(t)
		f.expectAgent(t)
		_, err := f.syncer(t, WithWorkers(workers)).Sync(context.Background(), Scope{})
		require.NoError(t, err)

		files := map[string]string{}
		for _, path := range f.fm.Paths(root) {
			data, _ := f.fm.Get(path)
			files[path] = string(data)
		}
		return files
	}

	sequential := snapshot(1)
	assert.Equal(t, sequential, snapshot(8))
	assert.Len(t, sequential, 1+2+3+6+6)
}

func TestFolderWithoutAccountIsRejectedBeforeAnyWork(t *testing.T) {
	f := newFixture(t)
	f.runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{Folder: "INBOX"})

	var scopeErr *base.InvalidScopeError
	require.True(t, errors.As(err, &scopeErr))
	assert.Equal(t, "INBOX", scopeErr.Folder)
	assert.Nil(t, summary)
	assert.Empty(t, f.fm.Dirs, "cache root must not be created")
}

func TestFailingAccountDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.remote.failFolders["work"] = true
	f.expectAgent(t)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{})
	require.NoError(t, err)

	require.Len(t, summary.Warnings, 1)
	w := summary.Warnings[0]
	assert.Equal(t, UnitAccount, w.Unit)
	assert.Equal(t, "work", w.Account)
	assert.Contains(t, w.Err.Error(), "authentication failed for work")
	assert.Len(t, f.sleeper.Delays, 2)

	assert.Equal(t, "Subject: h1\r\n\r\nhome one", f.body(t, "home", "INBOX", "1"))
	assert.Equal(t, "Subject: h5\r\n\r\nhome five", f.body(t, "home", "INBOX", "5"))
	assert.Empty(t, f.fm.Paths(root+"/messages/work"))
	assert.False(t, f.store.Exists(f.store.FoldersPath("work")))
	assert.Equal(t, 1, summary.Accounts)
}

func TestFailingFolderDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t)
	f.remote.failEnvelopes["work/INBOX"] = true
	f.expectAgent(t)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{Account: "work"})
	require.NoError(t, err)

	require.Len(t, summary.Warnings, 1)
	w := summary.Warnings[0]
	assert.Equal(t, UnitFolder, w.Unit)
	assert.Equal(t, "work", w.Account)
	assert.Equal(t, "INBOX", w.Folder)
	assert.Contains(t, w.Err.Error(), "cannot select INBOX")

	assert.False(t, f.store.Exists(f.store.EnvelopesPath("work", "INBOX")))
	assert.Empty(t, f.fm.Paths(root+"/meta/work/INBOX"))
	assert.True(t, f.store.Exists(f.store.EnvelopesPath("work", "Sent")))
	assert.Equal(t, "Subject: w10\r\n\r\nten", f.body(t, "work", "Sent", "10"))
	assert.Equal(t, 1, summary.Folders)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Accounts)
}

func TestListWriteFailuresAreFatal(t *testing.T) {
	tests := []struct {
		name string
		path func(s *cache.Store) string
	}{
		{"account list", func(s *cache.Store) string { return s.AccountsPath() }},
		{"folder list", func(s *cache.Store) string { return s.FoldersPath("work") }},
		{"envelope snapshot", func(s *cache.Store) string { return s.EnvelopesPath("work", "INBOX") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := tt.path(f.store)
			f.fm.Fail(path, errors.New("disk full"))
			f.expectAgent(t)

			_, err := f.syncer(t).Sync(context.Background(), Scope{})

			var ioErr *base.CacheIOError
			require.True(t, errors.As(err, &ioErr), "got %v", err)
			assert.Equal(t, path, ioErr.Path)
			assert.False(t, f.store.Exists(f.store.FoldersPath("home")), "the run stops at the failed write")
		})
	}
}

func TestFailingMessageIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.remote.failReads["work/INBOX/2"] = true
	f.expectAgent(t)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{Account: "work", Folder: "INBOX"})
	require.NoError(t, err)

	require.Len(t, summary.Warnings, 1)
	assert.Equal(t, UnitEnvelope, summary.Warnings[0].Unit)
	assert.Equal(t, "2", summary.Warnings[0].ID)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Fetched)

	assert.True(t, f.store.Exists(f.store.MetaPath("work", "INBOX", "2")), "meta is written before the body fetch")
	assert.False(t, f.store.HasMessage("work", "INBOX", "2"))
	assert.True(t, f.store.HasMessage("work", "INBOX", "3"))
}

func TestMetaWriteFailureSkipsBody(t *testing.T) {
	f := newFixture(t)
	f.fm.Fail(f.store.MetaPath("work", "INBOX", "3"), errors.New("read-only"))
	f.expectAgent(t)

	summary, err := f.syncer(t).Sync(context.Background(), Scope{Account: "work", Folder: "INBOX"})
	require.NoError(t, err)

	require.Len(t, summary.Warnings, 1)
	var ioErr *base.CacheIOError
	assert.True(t, errors.As(summary.Warnings[0].Err, &ioErr))
	assert.EqualValues(t, 2, f.remote.reads.Load())
	assert.False(t, f.store.HasMessage("work", "INBOX", "3"))
}

func TestAccountListFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.remote.failAccount = true
	f.expectAgent(t)

	_, err := f.syncer(t).Sync(context.Background(), Scope{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch account list")
	var cmdErr *base.AgentCommandError
	assert.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "cannot read config", cmdErr.Stderr)
}

func TestCacheRootFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.fm.Fail(root, errors.New("permission denied"))
	f.runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := f.syncer(t).Sync(context.Background(), Scope{})

	var ioErr *base.CacheIOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, root, ioErr.Path)
}

func TestScopedSyncSkipsListingAbove(t *testing.T) {
	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		f.expectAgent(t)

		summary, err := f.syncer(t).Sync(context.Background(), Scope{Account: "home"})
		require.NoError(t, err)

		assert.False(t, f.store.Exists(f.store.AccountsPath()))
		assert.True(t, f.store.Exists(f.store.FoldersPath("home")))
		assert.Equal(t, 2, summary.Fetched)
		assert.Empty(t, f.fm.Paths(root+"/meta/work"))
	})

	t.Run("folder", func(t *testing.T) {
		f := newFixture(t)
		f.expectAgent(t)

		_, err := f.syncer(t).Sync(context.Background(), Scope{Account: "work", Folder: "Sent"})
		require.NoError(t, err)

		assert.False(t, f.store.Exists(f.store.FoldersPath("work")))
		assert.True(t, f.store.HasMessage("work", "Sent", "10"))
		assert.False(t, f.store.HasMessage("work", "INBOX", "1"))
		// envelope list + one message read
		assert.EqualValues(t, 2, f.remote.calls.Load())
	})
}

type countingProgress struct {
	mu       sync.Mutex
	totals   map[string]int
	added    map[string]int
	finished map[string]bool
}

func (c *countingProgress) factory(total int, description string) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[description] = total
	return &folderProgress{parent: c, description: description}
}

type folderProgress struct {
	parent      *countingProgress
	description string
}

func (p *folderProgress) Add(n int) error {
	p.parent.mu.Lock()
	defer p.parent.mu.Unlock()
	p.parent.added[p.description] += n
	return nil
}

func (p *folderProgress) Finish() error {
	p.parent.mu.Lock()
	defer p.parent.mu.Unlock()
	p.parent.finished[p.description] = true
	return nil
}

func TestProgressAdvancesForEveryEnvelope(t *testing.T) {
	f := newFixture(t)
	f.remote.failReads["work/INBOX/1"] = true
	f.expectAgent(t)
	progress := &countingProgress{totals: map[string]int{}, added: map[string]int{}, finished: map[string]bool{}}

	_, err := f.syncer(t, WithProgress(progress.factory)).Sync(context.Background(), Scope{})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"work/INBOX": 3, "work/Sent": 1, "home/INBOX": 2}, progress.totals)
	assert.Equal(t, progress.totals, progress.added)
	assert.Len(t, progress.finished, 3)
}

func TestEnvelopeCounter(t *testing.T) {
	f := newFixture(t)
	f.remote.failReads["home/INBOX/5"] = true
	f.expectAgent(t)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	_, err := f.syncer(t, WithMeterProvider(provider)).Sync(context.Background(), Scope{Account: "home"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "himalaya_cache.envelopes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				got[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"fetched": 1, "failed": 1}, got)
}

func TestSummaryString(t *testing.T) {
	s := &Summary{Accounts: 1, Folders: 2, Envelopes: 3, Fetched: 1, Cached: 1, Failed: 1,
		Warnings: []Warning{{Unit: UnitEnvelope, Account: "a", Folder: "f", ID: "9", Err: errors.New("x")}}}

	assert.Equal(t, "synced 1 accounts, 2 folders, 3 envelopes (1 fetched, 1 cached, 1 failed) with 1 warnings", s.String())
	assert.Equal(t, "failed to sync message 9 in a/f: x", s.Warnings[0].String())
}
