// Package poller runs fixed-interval background tasks. Each task gets its own
// goroutine and ticker, so a slow task never delays another and never
// overlaps itself.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic job. Run is called once immediately and then every
// Interval until the group is stopped.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Group owns a set of tasks and their lifetime.
type Group struct {
	logger *slog.Logger
	// OnTick, when set, is called after every tick with its outcome.
	OnTick func(task string, err error)

	tasks  []Task
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewGroup(logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{logger: logger.With("component", "poller")}
}

// Add registers a task. Tasks added after Start are ignored.
func (g *Group) Add(t Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, t)
}

// Start launches every task. Cancelling ctx or calling Stop ends them.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	for _, t := range g.tasks {
		if t.Interval <= 0 {
			g.logger.Error("task has no interval, not started", "task", t.Name)
			continue
		}
		g.wg.Add(1)
		go g.loop(ctx, t)
	}
}

// Stop cancels all tasks and waits for in-flight ticks to return.
func (g *Group) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

func (g *Group) loop(ctx context.Context, t Task) {
	defer g.wg.Done()
	g.logger.Info("task started", "task", t.Name, "interval", t.Interval)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	g.tick(ctx, t)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("task stopped", "task", t.Name)
			return
		case <-ticker.C:
			g.tick(ctx, t)
		}
	}
}

func (g *Group) tick(ctx context.Context, t Task) {
	err := runSafe(ctx, t.Run)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		g.logger.Warn("task tick failed", "task", t.Name, "error", err)
	}
	if g.OnTick != nil {
		g.OnTick(t.Name, err)
	}
}

func runSafe(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}
