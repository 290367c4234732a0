package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/util"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Handler consumes one change event. Returned errors and panics are reported,
// never propagated to the emitter or to sibling handlers.
type Handler func(ctx context.Context, event *domain.ChangeEvent) error

type subscription struct {
	name    string
	handler Handler
}

// Bus is a fire-and-forget publish/subscribe dispatcher keyed by event kind.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventKind][]subscription
	closed bool

	inflight conc.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	report util.ErrorReporter
	logger *zap.Logger
}

func NewBus(report util.ErrorReporter, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if report == nil {
		report = util.LogErrorReporter(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[domain.EventKind][]subscription),
		ctx:    ctx,
		cancel: cancel,
		report: report,
		logger: logger,
	}
}

// Subscribe registers handler for kind under a descriptive name.
func (b *Bus) Subscribe(kind domain.EventKind, name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", name)
	}
	if kind == "" {
		return fmt.Errorf("subscribe %s: empty event kind", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %s: bus closed", name)
	}
	if name == "" {
		name = fmt.Sprintf("%s-handler-%d", kind, len(b.subs[kind])+1)
	}
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: handler})

	b.logger.Debug("Handler subscribed",
		zap.String("kind", string(kind)),
		zap.String("handler", name))
	return nil
}

// Emit schedules every handler subscribed to kind and returns without waiting.
// It reports how many handlers were scheduled.
func (b *Bus) Emit(kind domain.EventKind, event *domain.ChangeEvent) int {
	if event == nil {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("Event dropped, bus closed", zap.String("kind", string(kind)))
		return 0
	}

	subs := b.subs[kind]
	if len(subs) == 0 {
		return 0
	}

	tagged := event.WithKind(kind)
	for _, sub := range subs {
		sub := sub
		b.inflight.Go(func() {
			scope := fmt.Sprintf("handler %s on %s", sub.name, kind)
			if err := util.RunSafely(scope, func() error {
				return sub.handler(b.ctx, tagged)
			}); err != nil {
				b.report(b.ctx, scope, err)
			}
		})
	}
	return len(subs)
}

// HandlerCount returns the number of registered handlers across all kinds.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

// Kinds lists the event kinds that have at least one handler.
func (b *Bus) Kinds() []domain.EventKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]domain.EventKind, 0, len(b.subs))
	for kind, subs := range b.subs {
		if len(subs) > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Close rejects further emits and waits for in-flight handlers. When ctx expires
// first, handler contexts are cancelled and the context error is returned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return fmt.Errorf("close notification bus: %w", ctx.Err())
	}
}
