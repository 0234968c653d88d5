// Package watch polls a container's socket tables and keeps one relay per
// listening port.
//
// The loop runs in its own detached process. It is located and stopped
// through a Handle persisted in the workspace runtime directory, and it
// never removes relays when it exits: tearing them down is the job of
// `dcw down`, so relays outlive a watcher restart.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/dcw/procnet"
	"github.com/everydev1618/dcw/rules"
)

// Defaults for Config.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMinPort     = 1024
	DefaultConcurrency = 4

	// tickTimeout bounds one tick's container-runtime calls.
	tickTimeout = time.Minute
)

// ErrAlreadyStarted is returned by Run on a loop that has left Idle.
var ErrAlreadyStarted = errors.New("watch loop already started")

// State is the lifecycle state of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Scanner produces listening-port snapshots.
type Scanner interface {
	Scan(ctx context.Context) (procnet.Snapshot, error)
}

// Forwarder creates and removes forwards.
type Forwarder interface {
	Create(ctx context.Context, hostPort, containerPort uint16, origin rules.Origin) (rules.ForwardRule, error)
	Remove(ctx context.Context, hostPort uint16) error
}

// Config controls the loop.
type Config struct {
	Interval    time.Duration
	MinPort     uint16
	Exclude     []uint16
	Concurrency int

	// Seed is the forwarded set a previous watcher left behind.
	Seed []uint16

	// Alive, when set, is probed before every tick; the loop stops once the
	// target container is gone.
	Alive func(ctx context.Context) (bool, error)
}

// Loop is the port watch state machine: Idle → Running → Stopping → Stopped.
type Loop struct {
	scanner   Scanner
	forwarder Forwarder
	cfg       Config
	exclude   procnet.PortSet
	logger    *slog.Logger

	state atomic.Int32
	prev  procnet.PortSet
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used for per-tick reports.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates an idle loop. Zero Config fields take their defaults.
func NewLoop(scanner Scanner, forwarder Forwarder, cfg Config, opts ...LoopOption) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	l := &Loop{
		scanner:   scanner,
		forwarder: forwarder,
		cfg:       cfg,
		exclude:   procnet.NewPortSet(cfg.Exclude...),
		logger:    slog.Default(),
		prev:      procnet.NewPortSet(cfg.Seed...),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Forwarded returns the ports the loop currently believes are forwarded.
// Only safe to call when the loop is not running.
func (l *Loop) Forwarded() []uint16 { return l.prev.Sorted() }

// Run ticks immediately and then once per interval until ctx is cancelled
// or the Alive probe reports the container gone. A tick in flight when ctx
// is cancelled runs to completion; the loop then exits without touching
// any relay.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	defer l.state.Store(int32(Stopped))

	l.logger.Info("port watch started",
		"interval", l.cfg.Interval, "min_port", l.cfg.MinPort, "exclude", l.exclude.Sorted())

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		if !l.alive(ctx) {
			l.logger.Info("container stopped, exiting watch")
			break
		}

		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
		l.Tick(tickCtx)
		cancel()

		select {
		case <-ctx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	l.state.Store(int32(Stopping))
	l.logger.Info("port watch stopping", "forwarded", l.prev.Sorted())
	return nil
}

func (l *Loop) alive(ctx context.Context) bool {
	if l.cfg.Alive == nil {
		return true
	}
	ok, err := l.cfg.Alive(ctx)
	if err != nil {
		// Unknown is not gone; keep watching.
		l.logger.Warn("container liveness check failed", "error", err)
		return true
	}
	return ok
}

// TickResult reports what one tick did.
type TickResult struct {
	Added         []uint16
	Removed       []uint16
	FailedCreates []uint16
	FailedRemoves []uint16
}

// Tick scans once, diffs against the previous filtered set, and creates
// or removes forwards for the difference. Per-port failures are logged and
// retried next tick: a port whose create failed is left out of the
// remembered set, a port whose remove failed stays in it. A scan failure
// leaves the remembered set untouched.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	snap, err := l.scanner.Scan(ctx)
	if err != nil {
		l.logger.Warn("failed to detect ports", "error", err)
		return TickResult{}, err
	}

	next := Filter(snap.Ports(), l.cfg.MinPort, l.exclude)
	added, removed := Diff(l.prev, next)
	res := TickResult{Added: added, Removed: removed}
	if len(added) == 0 && len(removed) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(l.cfg.Concurrency)

	for _, port := range added {
		g.Go(func() error {
			l.logger.Info("detected port, creating forward", "port", port)
			if _, err := l.forwarder.Create(ctx, port, port, rules.AutoDetected); err != nil {
				l.logger.Warn("failed to forward port", "port", port, "error", err)
				mu.Lock()
				res.FailedCreates = append(res.FailedCreates, port)
				mu.Unlock()
				return nil
			}
			l.logger.Info("forwarded port", "host", fmt.Sprintf("127.0.0.1:%d", port), "port", port)
			return nil
		})
	}
	for _, port := range removed {
		g.Go(func() error {
			l.logger.Info("port no longer listening, removing forward", "port", port)
			if err := l.forwarder.Remove(ctx, port); err != nil {
				l.logger.Warn("failed to remove forward", "port", port, "error", err)
				mu.Lock()
				res.FailedRemoves = append(res.FailedRemoves, port)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	slices.Sort(res.FailedCreates)
	slices.Sort(res.FailedRemoves)

	for _, p := range res.FailedCreates {
		delete(next, p)
	}
	for _, p := range res.FailedRemoves {
		next.Add(p)
	}
	l.prev = next
	return res, nil
}

// Filter keeps the ports at or above minPort that are not excluded.
func Filter(ports procnet.PortSet, minPort uint16, exclude procnet.PortSet) procnet.PortSet {
	out := make(procnet.PortSet, len(ports))
	for p := range ports {
		if p < minPort || exclude.Has(p) {
			continue
		}
		out.Add(p)
	}
	return out
}

// Diff returns next − prev and prev − next, each sorted.
func Diff(prev, next procnet.PortSet) (added, removed []uint16) {
	for p := range next {
		if !prev.Has(p) {
			added = append(added, p)
		}
	}
	for p := range prev {
		if !next.Has(p) {
			removed = append(removed, p)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}
