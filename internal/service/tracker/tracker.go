package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/osu"
	"github.com/kapu/nominator-track-go/internal/util"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// RemoteClient is the slice of the osu! client the tracker polls.
type RemoteClient interface {
	FetchGroupMembers(ctx context.Context, groupID int) ([]osu.GroupUser, error)
	FetchUserProfileText(ctx context.Context, userID int64) (string, error)
}

// Emitter publishes change events without waiting for subscribers.
type Emitter interface {
	Emit(kind domain.EventKind, event *domain.ChangeEvent) int
	HandlerCount() int
}

// TierGroup maps a tier to the remote group listing its members.
type TierGroup struct {
	Tier    domain.Tier
	GroupID int
}

type Options struct {
	// Tiers are scanned in this order.
	Tiers         []TierGroup
	CheckInterval time.Duration
	SyncInterval  time.Duration
	Report        util.ErrorReporter
}

// DefaultTiers tracks probationary and full nominators.
func DefaultTiers() []TierGroup {
	return []TierGroup{
		{Tier: domain.TierProbation, GroupID: constants.OsuConfig.ProbationGroupID},
		{Tier: domain.TierFull, GroupID: constants.OsuConfig.FullGroupID},
	}
}

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ScanResult summarizes one CheckForChanges pass.
type ScanResult struct {
	Checked int
	Changed int
	Failed  int
}

type profileKey struct {
	tier domain.Tier
	id   int64
}

// Tracker keeps the current membership and the last seen profile text of every
// member, and emits a change event whenever a known text changes.
type Tracker struct {
	remote  RemoteClient
	emitter Emitter
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	snapshot   atomic.Pointer[domain.MembershipSnapshot]
	generation atomic.Uint64
	syncMu     sync.Mutex

	// scanMu serializes scans; texts is written only while it is held.
	scanMu  sync.Mutex
	textsMu sync.RWMutex
	texts   map[profileKey]string

	lifeMu sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(remote RemoteClient, emitter Emitter, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = constants.PollConfig.CheckInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = constants.PollConfig.SyncInterval
	}
	if opts.Report == nil {
		opts.Report = util.LogErrorReporter(logger)
	}

	return &Tracker{
		remote:  remote,
		emitter: emitter,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		texts:   make(map[profileKey]string),
		state:   StateStarting,
		done:    make(chan struct{}),
	}
}

// InitializeMembership seeds the snapshot. Startup treats its error as fatal.
func (t *Tracker) InitializeMembership(ctx context.Context) error {
	if err := t.replaceMembership(ctx); err != nil {
		return fmt.Errorf("initialize membership: %w", err)
	}
	return nil
}

// ResyncMembership replaces the snapshot with freshly fetched tier lists.
// On error the previous snapshot stays in place.
func (t *Tracker) ResyncMembership(ctx context.Context) error {
	if err := t.replaceMembership(ctx); err != nil {
		return fmt.Errorf("resync membership: %w", err)
	}
	return nil
}

func (t *Tracker) replaceMembership(ctx context.Context) error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	members := make(map[domain.Tier][]domain.Member, len(t.opts.Tiers))
	seen := make(map[int64]domain.Tier)
	for _, tg := range t.opts.Tiers {
		users, err := t.remote.FetchGroupMembers(ctx, tg.GroupID)
		if err != nil {
			return fmt.Errorf("fetch %s members (group %d): %w", tg.Tier, tg.GroupID, err)
		}

		list := make([]domain.Member, 0, len(users))
		for _, u := range users {
			if prev, ok := seen[u.ID]; ok {
				t.logger.Warn("Member listed in several tiers, keeping first",
					zap.Int64("user_id", u.ID),
					zap.String("kept", prev.String()),
					zap.String("skipped", tg.Tier.String()))
				continue
			}
			seen[u.ID] = tg.Tier
			list = append(list, domain.Member{
				ID:           u.ID,
				Username:     u.Username,
				DefaultGroup: u.DefaultGroup,
				Tier:         tg.Tier,
			})
		}
		members[tg.Tier] = list
	}

	snap := &domain.MembershipSnapshot{
		Generation: t.generation.Add(1),
		Members:    members,
		SyncedAt:   t.now(),
	}
	t.snapshot.Store(snap)

	fields := []zap.Field{zap.Uint64("generation", snap.Generation), zap.Int("members", snap.Count())}
	for _, tg := range t.opts.Tiers {
		fields = append(fields, zap.Int(tg.Tier.String(), len(members[tg.Tier])))
	}
	t.logger.Info("Membership synced", fields...)
	return nil
}

// CheckForChanges fetches the profile text of every member in the current
// snapshot. The first observation of a member only records a baseline; a later
// differing text emits one generic and one tier-specific change event.
// A failed fetch is reported and the scan moves on.
func (t *Tracker) CheckForChanges(ctx context.Context) (ScanResult, error) {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	var result ScanResult
	snap := t.snapshot.Load()
	if snap == nil {
		return result, fmt.Errorf("check for changes: membership not initialized")
	}

	for _, tg := range t.opts.Tiers {
		for _, member := range snap.TierMembers(tg.Tier) {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			text, err := t.remote.FetchUserProfileText(ctx, member.ID)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				result.Failed++
				t.opts.Report(ctx, fmt.Sprintf("check %s (%d)", member.Username, member.ID), err)
				continue
			}
			result.Checked++

			if t.compareAndStore(ctx, member, text) {
				result.Changed++
			}
		}
	}

	t.logger.Debug("Profile scan finished",
		zap.Uint64("generation", snap.Generation),
		zap.Int("checked", result.Checked),
		zap.Int("changed", result.Changed),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (t *Tracker) compareAndStore(_ context.Context, member domain.Member, text string) bool {
	key := profileKey{tier: member.Tier, id: member.ID}

	t.textsMu.Lock()
	before, known := t.texts[key]
	t.texts[key] = text
	t.textsMu.Unlock()

	if !known {
		t.logger.Debug("Baseline recorded",
			zap.Int64("user_id", member.ID),
			zap.String("tier", member.Tier.String()))
		return false
	}
	if before == text {
		return false
	}

	// Newline-only edits normalize away and produce no diff.
	diff := UnifiedDiff(before, text)
	if len(diff) == 0 {
		t.logger.Debug("Whitespace-only profile edit ignored",
			zap.Int64("user_id", member.ID),
			zap.String("tier", member.Tier.String()))
		return false
	}

	event := &domain.ChangeEvent{
		Member:     member,
		Before:     before,
		After:      text,
		Diff:       diff,
		DetectedAt: t.now(),
	}
	generic := t.emitter.Emit(domain.EventChange, event)
	tiered := t.emitter.Emit(member.Tier.EventKind(), event)

	t.logger.Info("Profile change detected",
		zap.Int64("user_id", member.ID),
		zap.String("username", member.Username),
		zap.String("tier", member.Tier.String()),
		zap.Int("diff_lines", len(event.Diff)),
		zap.Int("handlers", generic+tiered))
	return true
}

// Snapshot returns the current membership, or nil before initialization.
func (t *Tracker) Snapshot() *domain.MembershipSnapshot {
	return t.snapshot.Load()
}

// ProfileText returns the last observed text of a member.
func (t *Tracker) ProfileText(tier domain.Tier, id int64) (string, bool) {
	t.textsMu.RLock()
	defer t.textsMu.RUnlock()
	text, ok := t.texts[profileKey{tier: tier, id: id}]
	return text, ok
}

func (t *Tracker) State() State {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.lifeMu.Lock()
	t.state = s
	t.lifeMu.Unlock()
}

// Run drives the check and resync cycles until ctx is cancelled or Shutdown
// is called. The check cycle starts immediately; the resync cycle first waits
// one interval since startup already seeded the snapshot.
func (t *Tracker) Run(ctx context.Context) error {
	if t.emitter.HandlerCount() == 0 {
		return fmt.Errorf("tracker run: no change handlers subscribed")
	}
	if t.snapshot.Load() == nil {
		return fmt.Errorf("tracker run: membership not initialized")
	}

	t.lifeMu.Lock()
	if t.state != StateStarting {
		state := t.state
		t.lifeMu.Unlock()
		return fmt.Errorf("tracker run: cannot start from state %s", state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = StateRunning
	t.lifeMu.Unlock()
	defer cancel()

	t.logger.Info("Tracker started",
		zap.Duration("check_interval", t.opts.CheckInterval),
		zap.Duration("sync_interval", t.opts.SyncInterval),
		zap.Int("members", t.Snapshot().Count()))

	var wg conc.WaitGroup
	wg.Go(func() {
		t.runCycle(runCtx, "check cycle", t.opts.CheckInterval, true, func(ctx context.Context) error {
			_, err := t.CheckForChanges(ctx)
			return err
		})
	})
	wg.Go(func() {
		t.runCycle(runCtx, "resync cycle", t.opts.SyncInterval, false, t.ResyncMembership)
	})
	wg.Go(func() {
		<-runCtx.Done()
		t.setState(StateStopping)
	})
	wg.Wait()

	t.setState(StateStopped)
	close(t.done)
	t.logger.Info("Tracker stopped")
	return nil
}

// runCycle runs fn, then sleeps interval, until ctx ends. Errors and panics are
// reported and never stop the cycle.
func (t *Tracker) runCycle(ctx context.Context, name string, interval time.Duration, immediate bool, fn func(context.Context) error) {
	if !immediate && !waitInterval(ctx, interval) {
		return
	}
	for {
		err := util.RunSafely(name, func() error { return fn(ctx) })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.opts.Report(ctx, name, err)
		}
		if !waitInterval(ctx, interval) {
			return
		}
	}
}

func waitInterval(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown cancels both cycles and waits for in-flight iterations, bounded by ctx.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.lifeMu.Lock()
	switch t.state {
	case StateStarting:
		t.state = StateStopped
		t.lifeMu.Unlock()
		return nil
	case StateStopped:
		t.lifeMu.Unlock()
		return nil
	}
	t.state = StateStopping
	cancel := t.cancel
	t.lifeMu.Unlock()

	t.logger.Info("Tracker stopping")
	cancel()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracker shutdown: %w", ctx.Err())
	}
}
