package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/adapter"
	"github.com/JakeFAU/docharvest/internal/archive"
	archivememory "github.com/JakeFAU/docharvest/internal/archive/memory"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/normalize"
	"github.com/JakeFAU/docharvest/internal/publisher"
	pubmemory "github.com/JakeFAU/docharvest/internal/publisher/memory"
	"github.com/JakeFAU/docharvest/internal/retry"
	"github.com/JakeFAU/docharvest/internal/store"
	storememory "github.com/JakeFAU/docharvest/internal/store/memory"
	"github.com/JakeFAU/docharvest/internal/store/storetest"
)

type fakeAdapter struct {
	mu        sync.Mutex
	discover  func(ctx context.Context) ([]harvest.Candidate, error)
	retrieve  func(ctx context.Context, c harvest.Candidate) error
	bodies    map[string]string
	failures  map[string][]error
	retrieves map[string]int
}

func newFakeAdapter(bodies map[string]string) *fakeAdapter {
	return &fakeAdapter{
		bodies:    bodies,
		failures:  map[string][]error{},
		retrieves: map[string]int{},
	}
}

func (a *fakeAdapter) Kind() harvest.SourceKind { return harvest.KindRepository }

func (a *fakeAdapter) Discover(ctx context.Context, _ harvest.SourceReference) ([]harvest.Candidate, error) {
	if a.discover != nil {
		return a.discover(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []harvest.Candidate
	for _, p := range []string{"README.md", "docs/guide.md", "docs/logo.png"} {
		if _, ok := a.bodies[p]; ok {
			out = append(out, harvest.Candidate{Path: p, Locator: p})
		}
	}
	return out, nil
}

func (a *fakeAdapter) Retrieve(
	ctx context.Context,
	ref harvest.SourceReference,
	c harvest.Candidate,
) (harvest.RawArtifact, error) {
	if a.retrieve != nil {
		if err := a.retrieve(ctx, c); err != nil {
			return harvest.RawArtifact{}, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retrieves[c.Path]++
	if errs := a.failures[c.Path]; len(errs) > 0 {
		a.failures[c.Path] = errs[1:]
		return harvest.RawArtifact{}, errs[0]
	}
	return harvest.RawArtifact{
		Path:        c.Path,
		URL:         "https://github.com/" + ref.Location + "/blob/HEAD/" + c.Path,
		ContentType: adapter.ContentTypeForPath(c.Path),
		Body:        []byte(a.bodies[c.Path]),
	}, nil
}

func (a *fakeAdapter) setBody(p, body string) {
	a.mu.Lock()
	a.bodies[p] = body
	a.mu.Unlock()
}

func (a *fakeAdapter) failNext(p string, errs ...error) {
	a.mu.Lock()
	a.failures[p] = append(a.failures[p], errs...)
	a.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("evt-%d", g.n), nil
}

type conflictStore struct {
	harvest.SnapshotStore
}

func (conflictStore) Commit(context.Context, harvest.Snapshot, *harvest.ChangeEvent) (harvest.Snapshot, error) {
	return harvest.Snapshot{}, store.Conflict(harvest.DocumentKey{}, 0, 1)
}

type flakyStore struct {
	harvest.SnapshotStore
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) Commit(ctx context.Context, snap harvest.Snapshot, e *harvest.ChangeEvent) (harvest.Snapshot, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return harvest.Snapshot{}, store.Unavailable(snap.Key().String(), errors.New("connection reset"))
	}
	s.mu.Unlock()
	return s.SnapshotStore.Commit(ctx, snap, e)
}

type fixture struct {
	adapter   *fakeAdapter
	store     harvest.SnapshotStore
	clock     *storetest.Clock
	blobs     *archivememory.BlobStore
	published *pubmemory.Publisher
	harvester *Harvester
	ref       harvest.SourceReference
}

func newFixture(t *testing.T, bodies map[string]string, wrap func(harvest.SnapshotStore) harvest.SnapshotStore) *fixture {
	t.Helper()
	clock := storetest.NewClock()
	var snapshots harvest.SnapshotStore = storememory.New(store.DefaultHistoryPolicy(), clock)
	if wrap != nil {
		snapshots = wrap(snapshots)
	}
	fa := newFakeAdapter(bodies)
	blobs := archivememory.NewBlobStore()
	published := pubmemory.New()
	h := New(
		adapter.NewRegistry(fa),
		normalize.New(normalize.Config{}),
		snapshots,
		clock,
		&seqIDs{},
		archive.New(blobs, "snapshots", nil),
		publisher.NewNotifier(published, "doc-changes", nil),
		Config{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}},
		nil,
	)
	h.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{
		adapter:   fa,
		store:     snapshots,
		clock:     clock,
		blobs:     blobs,
		published: published,
		harvester: h,
		ref: harvest.SourceReference{
			ID:        "repo",
			ProjectID: "uniswap",
			Kind:      harvest.KindRepository,
			Location:  "Uniswap/v4-core",
		},
	}
}

func statuses(res harvest.WorkResult) map[string]harvest.DocumentStatus {
	out := make(map[string]harvest.DocumentStatus, len(res.Documents))
	for _, d := range res.Documents {
		out[d.Path] = d.Status
	}
	return out
}

func TestHarvestNewUnchangedChanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Uniswap\n\nSwap tokens.\n"}, nil)
	ctx := context.Background()
	key := harvest.DocumentKey{ProjectID: "uniswap", SourceID: "repo", Path: "README.md"}

	first := f.harvester.Harvest(ctx, f.ref)
	require.NoError(t, first.Err)
	require.Equal(t, harvest.DocumentNew, statuses(first)["README.md"])
	require.Equal(t, 1, first.ChangeEvents)
	snap, ok, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Uniswap", snap.Document.Title)
	created := snap.LastChanged

	f.clock.Set(storetest.Base.Add(time.Hour))
	second := f.harvester.Harvest(ctx, f.ref)
	require.NoError(t, second.Err)
	require.Equal(t, harvest.DocumentUnchanged, statuses(second)["README.md"])
	require.Zero(t, second.ChangeEvents)
	snap, _, err = f.store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, created.Equal(snap.LastChanged))
	require.True(t, storetest.Base.Add(time.Hour).Equal(snap.LastChecked))

	f.clock.Set(storetest.Base.Add(2 * time.Hour))
	f.adapter.setBody("README.md", "# Uniswap\n\nSwap tokens on v4.\n")
	third := f.harvester.Harvest(ctx, f.ref)
	require.NoError(t, third.Err)
	require.Equal(t, harvest.DocumentChanged, statuses(third)["README.md"])

	history, err := f.store.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, harvest.New, history[0].Classification)
	require.Equal(t, harvest.Changed, history[1].Classification)
	require.Equal(t, history[0].NewFingerprint, history[1].PreviousFingerprint)
	require.NotEmpty(t, history[1].NewFingerprint)
	require.NotEqual(t, history[1].PreviousFingerprint, history[1].NewFingerprint)

	require.Equal(t, 2, f.published.Len())
	require.Len(t, f.blobs.Keys(), 2)
}

func TestHarvestRetriesTimeouts(t *testing.T) {
	t.Parallel()

	timeout := &harvest.FetchError{Kind: harvest.FetchTimeout, Location: "README.md"}

	t.Run("SucceedsOnThirdAttempt", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]string{"README.md": "# Readme\n"}, nil)
		f.adapter.failNext("README.md", timeout, timeout)

		res := f.harvester.Harvest(context.Background(), f.ref)
		require.NoError(t, res.Err)
		require.Len(t, res.Documents, 1)
		require.Equal(t, harvest.DocumentNew, res.Documents[0].Status)
		require.Equal(t, 3, res.Documents[0].Attempts)
	})

	t.Run("FailsAfterBudget", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, map[string]string{"README.md": "# Readme\n"}, nil)
		f.adapter.failNext("README.md", timeout, timeout, timeout)

		res := f.harvester.Harvest(context.Background(), f.ref)
		require.Error(t, res.Err)
		require.True(t, harvest.IsFetchKind(res.Err, harvest.FetchTimeout))
		require.NotEmpty(t, res.ErrorText)
		require.Equal(t, 3, res.Documents[0].Attempts)
		require.Equal(t, harvest.DocumentFailed, res.Documents[0].Status)

		snaps, err := f.store.Query(context.Background(), harvest.Filter{})
		require.NoError(t, err)
		require.Empty(t, snaps)
	})
}

func TestHarvestZeroDocuments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{}, nil)
	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	require.Empty(t, res.Documents)
	require.Equal(t, 1, res.DiscoveryAttempts)
}

func TestHarvestSkipsUnsupportedContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Readme\n", "docs/logo.png": "\x89PNG"}, nil)
	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	got := statuses(res)
	require.Equal(t, harvest.DocumentNew, got["README.md"])
	require.Equal(t, harvest.DocumentSkipped, got["docs/logo.png"])
	require.Equal(t, 1, f.adapter.retrieves["docs/logo.png"])
}

func TestHarvestPartialFailureCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Readme\n", "docs/guide.md": "# Guide\n"}, nil)
	f.adapter.failNext("docs/guide.md", &harvest.FetchError{Kind: harvest.FetchUnreachable, Status: 404})

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	got := statuses(res)
	require.Equal(t, harvest.DocumentNew, got["README.md"])
	require.Equal(t, harvest.DocumentFailed, got["docs/guide.md"])
	require.Equal(t, 1, f.adapter.retrieves["docs/guide.md"])
}

func TestHarvestAuthFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	calls := 0
	f.adapter.discover = func(context.Context) ([]harvest.Candidate, error) {
		calls++
		return nil, &harvest.FetchError{Kind: harvest.FetchAuthFailure, Status: 401}
	}

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.True(t, harvest.IsFetchKind(res.Err, harvest.FetchAuthFailure))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, res.DiscoveryAttempts)
}

func TestHarvestWriteConflictIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Readme\n", "docs/guide.md": "# Guide\n"},
		func(s harvest.SnapshotStore) harvest.SnapshotStore { return conflictStore{s} })

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.True(t, harvest.IsStoreKind(res.Err, harvest.WriteConflict), "got %v", res.Err)
	require.Len(t, res.Documents, 1)
	require.Zero(t, f.adapter.retrieves["docs/guide.md"])
	require.Zero(t, f.published.Len())
}

func TestHarvestRetriesUnavailableStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Readme\n"},
		func(s harvest.SnapshotStore) harvest.SnapshotStore { return &flakyStore{SnapshotStore: s, fails: 2} })

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	require.Equal(t, harvest.DocumentNew, statuses(res)["README.md"])
}

func TestHarvestUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ref := f.ref
	ref.Kind = harvest.KindWiki
	res := f.harvester.Harvest(context.Background(), ref)
	require.ErrorIs(t, res.Err, adapter.ErrNoAdapter)
}

func TestHarvestDiscoveryTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.harvester.cfg.DiscoveryTimeout = 20 * time.Millisecond
	f.adapter.discover = func(ctx context.Context) ([]harvest.Candidate, error) {
		<-ctx.Done()
		return nil, harvest.ClassifyError("https://example.org", ctx.Err())
	}

	start := time.Now()
	res := f.harvester.Harvest(context.Background(), f.ref)
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, harvest.IsFetchKind(res.Err, harvest.FetchTimeout), "got %v", res.Err)
	require.Equal(t, 3, res.DiscoveryAttempts)
}

func TestHarvestDocumentDeadlineFailsOnlyThatDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"README.md": "# Readme\n", "docs/guide.md": "# Guide\n"}, nil)
	f.harvester.cfg.Deadline = 30 * time.Millisecond
	f.adapter.retrieve = func(ctx context.Context, c harvest.Candidate) error {
		if c.Path != "README.md" {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	got := statuses(res)
	require.Equal(t, harvest.DocumentFailed, got["README.md"])
	require.Equal(t, harvest.DocumentNew, got["docs/guide.md"])
	for _, d := range res.Documents {
		if d.Path == "README.md" {
			require.Contains(t, d.Error, "timeout")
		}
	}
}

func TestHarvestDeadlineDoesNotScaleWithDocumentCount(t *testing.T) {
	t.Parallel()

	const docs = 10
	bodies := make(map[string]string, docs)
	candidates := make([]harvest.Candidate, 0, docs)
	for i := range docs {
		p := fmt.Sprintf("docs/%02d.md", i)
		bodies[p] = fmt.Sprintf("# Page %d\n", i)
		candidates = append(candidates, harvest.Candidate{Path: p, Locator: p})
	}
	f := newFixture(t, bodies, nil)
	f.harvester.cfg.Retry = retry.Policy{MaxAttempts: 1, AttemptTimeout: 100 * time.Millisecond}
	f.adapter.discover = func(context.Context) ([]harvest.Candidate, error) { return candidates, nil }
	f.adapter.retrieve = func(ctx context.Context, _ harvest.Candidate) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	}
	require.Less(t, f.harvester.Deadline(), docs*20*time.Millisecond)

	res := f.harvester.Harvest(context.Background(), f.ref)
	require.NoError(t, res.Err)
	require.Len(t, res.Documents, docs)
	snaps, err := f.store.Query(context.Background(), harvest.Filter{})
	require.NoError(t, err)
	require.Len(t, snaps, docs)
}

func TestDeadlineDerivedFromRetryBudget(t *testing.T) {
	t.Parallel()

	h := New(nil, nil, nil, nil, nil, nil, nil, Config{Retry: retry.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}}, nil)
	require.Equal(t, 33*time.Second, h.Deadline())

	h.cfg.Retry.AttemptTimeout = 0
	require.Zero(t, h.Deadline())

	h.cfg.Deadline = time.Minute
	require.Equal(t, time.Minute, h.Deadline())
}
