package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/osu"
	"github.com/kapu/nominator-track-go/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRemote struct {
	mu         sync.Mutex
	groups     map[int][]osu.GroupUser
	groupErrs  map[int]error
	texts      map[int64]string
	textErrs   map[int64]error
	textCalls  atomic.Int32
	groupCalls atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		groups: map[int][]osu.GroupUser{
			32: {{ID: 5, Username: "alpha", DefaultGroup: "bng_limited"}},
			28: {{ID: 7, Username: "beta", DefaultGroup: "bng"}},
		},
		groupErrs: map[int]error{},
		texts:     map[int64]string{5: "Hello", 7: "Full nominator page"},
		textErrs:  map[int64]error{},
	}
}

func (f *fakeRemote) FetchGroupMembers(_ context.Context, groupID int) ([]osu.GroupUser, error) {
	f.groupCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.groupErrs[groupID]; err != nil {
		return nil, err
	}
	return append([]osu.GroupUser(nil), f.groups[groupID]...), nil
}

func (f *fakeRemote) FetchUserProfileText(_ context.Context, userID int64) (string, error) {
	f.textCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.textErrs[userID]; err != nil {
		return "", err
	}
	return f.texts[userID], nil
}

func (f *fakeRemote) setText(id int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[id] = text
}

type emitted struct {
	kind  domain.EventKind
	event *domain.ChangeEvent
}

type recordingEmitter struct {
	mu       sync.Mutex
	events   []emitted
	handlers int
}

func (e *recordingEmitter) Emit(kind domain.EventKind, event *domain.ChangeEvent) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{kind: kind, event: event.WithKind(kind)})
	return e.handlers
}

func (e *recordingEmitter) HandlerCount() int {
	return e.handlers
}

func (e *recordingEmitter) Events() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

type reportSink struct {
	mu     sync.Mutex
	scopes []string
}

func (r *reportSink) report(_ context.Context, scope string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
}

func (r *reportSink) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scopes...)
}

func newTestTracker(t *testing.T, remote RemoteClient, emitter Emitter, reports *reportSink) *Tracker {
	t.Helper()
	opts := Options{Tiers: DefaultTiers()}
	if reports != nil {
		opts.Report = reports.report
	}
	return NewTracker(remote, emitter, opts, zap.NewNop())
}

func TestCheckForChangesBaselineThenChange(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	emitter := &recordingEmitter{handlers: 1}
	tr := newTestTracker(t, remote, emitter, nil)
	require.NoError(t, tr.InitializeMembership(ctx))

	result, err := tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, ScanResult{Checked: 2}, result)
	require.Empty(t, emitter.Events(), "first observation is a baseline")

	text, ok := tr.ProfileText(domain.TierProbation, 5)
	require.True(t, ok)
	require.Equal(t, "Hello", text)

	result, err = tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Changed)
	require.Empty(t, emitter.Events(), "unchanged text emits nothing")

	remote.setText(5, "Hello World")
	result, err = tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, ScanResult{Checked: 2, Changed: 1}, result)

	events := emitter.Events()
	require.Len(t, events, 2)
	require.Equal(t, domain.EventChange, events[0].kind)
	require.Equal(t, domain.EventKind("probation_change"), events[1].kind)

	wantDiff := []string{"--- before", "+++ after", "@@ -1 +1 @@", "-Hello", "+Hello World"}
	for _, e := range events {
		require.Equal(t, wantDiff, e.event.Diff)
		require.Equal(t, int64(5), e.event.Member.ID)
		require.Equal(t, "Hello", e.event.Before)
		require.Equal(t, "Hello World", e.event.After)
	}

	text, _ = tr.ProfileText(domain.TierProbation, 5)
	require.Equal(t, "Hello World", text)
}

func TestCheckForChangesIgnoresNewlineOnlyEdits(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	emitter := &recordingEmitter{handlers: 1}
	tr := newTestTracker(t, remote, emitter, nil)
	require.NoError(t, tr.InitializeMembership(ctx))

	_, err := tr.CheckForChanges(ctx)
	require.NoError(t, err)

	remote.setText(5, "Hello\r\n")
	result, err := tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Changed)
	require.Empty(t, emitter.Events())

	text, _ := tr.ProfileText(domain.TierProbation, 5)
	require.Equal(t, "Hello\r\n", text, "cache follows the latest text")

	remote.setText(5, "Hello World")
	result, err = tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)
	require.Equal(t, "Hello\r\n", emitter.Events()[0].event.Before)
}

func TestCheckForChangesIsolatesMemberFailures(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.groups[32] = []osu.GroupUser{
		{ID: 1, Username: "one"},
		{ID: 2, Username: "two"},
		{ID: 3, Username: "three"},
	}
	remote.texts[1], remote.texts[2], remote.texts[3] = "a", "b", "c"
	remote.textErrs[2] = errors.NewTransportError("request failed", "/api/v2/users/2", 502, nil)

	reports := &reportSink{}
	emitter := &recordingEmitter{handlers: 1}
	tr := newTestTracker(t, remote, emitter, reports)
	require.NoError(t, tr.InitializeMembership(ctx))

	result, err := tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, ScanResult{Checked: 3, Failed: 1}, result)
	require.Equal(t, []string{"check two (2)"}, reports.Scopes())

	_, ok := tr.ProfileText(domain.TierProbation, 3)
	require.True(t, ok, "members after the failure are still scanned")
	_, ok = tr.ProfileText(domain.TierProbation, 2)
	require.False(t, ok)

	delete(remote.textErrs, 2)
	result, err = tr.CheckForChanges(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Changed, "late first observation is a baseline")
	require.Empty(t, emitter.Events())
}

func TestCheckForChangesRequiresSnapshot(t *testing.T) {
	tr := newTestTracker(t, newFakeRemote(), &recordingEmitter{handlers: 1}, nil)
	_, err := tr.CheckForChanges(context.Background())
	require.Error(t, err)
}

func TestResyncFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	tr := newTestTracker(t, remote, &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(ctx))

	before := tr.Snapshot()
	require.Equal(t, uint64(1), before.Generation)
	require.Equal(t, 2, before.Count())

	remote.mu.Lock()
	remote.groupErrs[28] = errors.NewTransportError("request failed", "/groups/28", 503, nil)
	remote.mu.Unlock()

	err := tr.ResyncMembership(ctx)
	require.Error(t, err)
	require.True(t, errors.IsTransport(err))
	require.Same(t, before, tr.Snapshot(), "no partial snapshot is published")
}

func TestResyncReplacesMembership(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	tr := newTestTracker(t, remote, &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(ctx))

	remote.mu.Lock()
	remote.groups[32] = nil
	remote.groups[28] = []osu.GroupUser{
		{ID: 5, Username: "alpha", DefaultGroup: "bng"},
		{ID: 7, Username: "beta", DefaultGroup: "bng"},
	}
	remote.mu.Unlock()

	require.NoError(t, tr.ResyncMembership(ctx))
	snap := tr.Snapshot()
	require.Equal(t, uint64(2), snap.Generation)
	require.Empty(t, snap.TierMembers(domain.TierProbation))
	require.Len(t, snap.TierMembers(domain.TierFull), 2)
	require.Equal(t, domain.TierFull, snap.TierMembers(domain.TierFull)[0].Tier)
}

func TestResyncKeepsMemberInFirstTier(t *testing.T) {
	remote := newFakeRemote()
	remote.groups[28] = append(remote.groups[28], osu.GroupUser{ID: 5, Username: "alpha"})
	tr := newTestTracker(t, remote, &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(context.Background()))

	snap := tr.Snapshot()
	require.Len(t, snap.TierMembers(domain.TierProbation), 1)
	require.Len(t, snap.TierMembers(domain.TierFull), 1)
}

// roundRemote tags every member of a fetched list with the fetch round.
type roundRemote struct {
	round atomic.Int64
}

func (r *roundRemote) FetchGroupMembers(_ context.Context, groupID int) ([]osu.GroupUser, error) {
	n := r.round.Add(1)
	users := make([]osu.GroupUser, 20)
	for i := range users {
		users[i] = osu.GroupUser{ID: int64(groupID*1000 + i), Username: fmt.Sprintf("round-%d", n)}
	}
	return users, nil
}

func (r *roundRemote) FetchUserProfileText(context.Context, int64) (string, error) {
	return "", nil
}

func TestSnapshotReplacementIsAtomic(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, &roundRemote{}, &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(ctx))

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var lastGen uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := tr.Snapshot()
				assert.GreaterOrEqual(t, snap.Generation, lastGen)
				lastGen = snap.Generation
				for _, members := range snap.Members {
					for _, m := range members {
						assert.Equal(t, members[0].Username, m.Username)
					}
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, tr.ResyncMembership(ctx))
	}
	close(stop)
	readers.Wait()

	require.Equal(t, uint64(51), tr.Snapshot().Generation)
}

func TestRunRequiresHandlersAndSnapshot(t *testing.T) {
	ctx := context.Background()

	noHandlers := newTestTracker(t, newFakeRemote(), &recordingEmitter{}, nil)
	require.NoError(t, noHandlers.InitializeMembership(ctx))
	require.Error(t, noHandlers.Run(ctx))

	noSnapshot := newTestTracker(t, newFakeRemote(), &recordingEmitter{handlers: 1}, nil)
	require.Error(t, noSnapshot.Run(ctx))
	require.Equal(t, StateStarting, noSnapshot.State())
}

func TestRunAndShutdown(t *testing.T) {
	remote := newFakeRemote()
	emitter := &recordingEmitter{handlers: 1}
	tr := NewTracker(remote, emitter, Options{
		CheckInterval: 5 * time.Millisecond,
		SyncInterval:  10 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, tr.InitializeMembership(context.Background()))

	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return tr.State() == StateRunning && remote.textCalls.Load() >= 4 && remote.groupCalls.Load() >= 4
	}, 2*time.Second, 5*time.Millisecond)

	remote.setText(7, "Updated page")
	require.Eventually(t, func() bool { return len(emitter.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
	require.NoError(t, <-runErr)
	require.Equal(t, StateStopped, tr.State())

	require.Error(t, tr.Run(context.Background()), "no restart from stopped")
	require.NoError(t, tr.Shutdown(ctx))
}

// flakyRemote fails the first resyncs and panics on one profile fetch.
type flakyRemote struct {
	*fakeRemote
	syncFailures atomic.Int32
	fetchPanics  atomic.Int32
	fetches      atomic.Int32
}

func (f *flakyRemote) FetchGroupMembers(ctx context.Context, groupID int) ([]osu.GroupUser, error) {
	if f.syncFailures.Add(-1) >= 0 {
		return nil, errors.NewTransportError("request failed", fmt.Sprintf("/groups/%d", groupID), 503, nil)
	}
	return f.fakeRemote.FetchGroupMembers(ctx, groupID)
}

func (f *flakyRemote) FetchUserProfileText(ctx context.Context, userID int64) (string, error) {
	if f.fetches.Add(1) > 2 && f.fetchPanics.Add(-1) >= 0 {
		panic("malformed profile payload")
	}
	return f.fakeRemote.FetchUserProfileText(ctx, userID)
}

func TestRunSurvivesCycleFailures(t *testing.T) {
	base := newFakeRemote()
	remote := &flakyRemote{fakeRemote: base}
	reports := &reportSink{}
	tr := NewTracker(remote, &recordingEmitter{handlers: 1}, Options{
		CheckInterval: 5 * time.Millisecond,
		SyncInterval:  5 * time.Millisecond,
		Report:        reports.report,
	}, zap.NewNop())
	require.NoError(t, tr.InitializeMembership(context.Background()))

	remote.syncFailures.Store(3)
	remote.fetchPanics.Store(1)

	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(context.Background()) }()

	hasScope := func(scope string) bool {
		for _, s := range reports.Scopes() {
			if s == scope {
				return true
			}
		}
		return false
	}

	require.Eventually(t, func() bool {
		return hasScope("resync cycle") && hasScope("check cycle")
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return tr.Snapshot().Generation > 1
	}, 2*time.Second, 5*time.Millisecond, "resync recovers after failures")

	calls := base.textCalls.Load()
	require.Eventually(t, func() bool {
		return base.textCalls.Load() > calls+4
	}, 2*time.Second, 5*time.Millisecond, "check cycle keeps running after a panic")
	require.Equal(t, StateRunning, tr.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
	require.NoError(t, <-runErr)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	tr := newTestTracker(t, newFakeRemote(), &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-runErr)
	require.Equal(t, StateStopped, tr.State())
}

func TestShutdownBeforeRun(t *testing.T) {
	tr := newTestTracker(t, newFakeRemote(), &recordingEmitter{handlers: 1}, nil)
	require.NoError(t, tr.InitializeMembership(context.Background()))
	require.NoError(t, tr.Shutdown(context.Background()))
	require.Equal(t, StateStopped, tr.State())
	require.Error(t, tr.Run(context.Background()))
}
