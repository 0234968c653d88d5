package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/dcw/procnet"
	"github.com/everydev1618/dcw/rules"
)

type fakeScanner struct {
	mu    sync.Mutex
	steps []procnet.Snapshot
	errs  []error
	calls int
}

func (s *fakeScanner) Scan(ctx context.Context) (procnet.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.steps[i], err
}

func (s *fakeScanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func tcp4(ports ...uint16) procnet.Snapshot {
	return procnet.Snapshot{procnet.TCP4: procnet.NewPortSet(ports...)}
}

type fakeForwarder struct {
	mu         sync.Mutex
	created    []uint16
	removed    []uint16
	failCreate map[uint16]int
	failRemove map[uint16]int
}

func (f *fakeForwarder) Create(ctx context.Context, hostPort, containerPort uint16, origin rules.Origin) (rules.ForwardRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if origin != rules.AutoDetected {
		return rules.ForwardRule{}, errors.New("unexpected origin")
	}
	if f.failCreate[hostPort] > 0 {
		f.failCreate[hostPort]--
		return rules.ForwardRule{}, errors.New("port already allocated")
	}
	f.created = append(f.created, hostPort)
	return rules.ForwardRule{HostPort: hostPort, ContainerPort: containerPort, Origin: origin}, nil
}

func (f *fakeForwarder) Remove(ctx context.Context, hostPort uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove[hostPort] > 0 {
		f.failRemove[hostPort]--
		return errors.New("daemon unavailable")
	}
	f.removed = append(f.removed, hostPort)
	return nil
}

func (f *fakeForwarder) Created() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.created)
	slices.Sort(out)
	return out
}

func (f *fakeForwarder) Removed() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.removed)
	slices.Sort(out)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilter(t *testing.T) {
	ports := procnet.NewPortSet(22, 53, 1023, 1024, 3000, 5432, 8080)
	got := Filter(ports, 1024, procnet.NewPortSet(5432)).Sorted()
	if want := []uint16{1024, 3000, 8080}; !slices.Equal(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}

	if got := Filter(ports, 0, nil).Sorted(); len(got) != len(ports) {
		t.Errorf("Filter(min 0) = %v, want all ports", got)
	}
}

func TestDiff(t *testing.T) {
	added, removed := Diff(procnet.NewPortSet(3000, 8080), procnet.NewPortSet(8080, 9000, 4000))
	if !slices.Equal(added, []uint16{4000, 9000}) {
		t.Errorf("added = %v, want [4000 9000]", added)
	}
	if !slices.Equal(removed, []uint16{3000}) {
		t.Errorf("removed = %v, want [3000]", removed)
	}

	added, removed = Diff(procnet.NewPortSet(1), procnet.NewPortSet(1))
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("Diff(equal) = %v, %v; want nothing", added, removed)
	}
}

func TestTickAddsAndRemoves(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{
		tcp4(3000, 8080, 53),
		tcp4(8080),
	}}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024}, WithLogger(quietLogger()))
	ctx := context.Background()

	res, err := loop.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !slices.Equal(res.Added, []uint16{3000, 8080}) {
		t.Errorf("first tick added = %v, want [3000 8080]", res.Added)
	}
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000, 8080}) {
		t.Errorf("created = %v, want [3000 8080]", got)
	}

	res, err = loop.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if !slices.Equal(res.Removed, []uint16{3000}) {
		t.Errorf("second tick removed = %v, want [3000]", res.Removed)
	}
	if got := fwd.Removed(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("removed = %v, want [3000]", got)
	}
	if got := loop.Forwarded(); !slices.Equal(got, []uint16{8080}) {
		t.Errorf("Forwarded() = %v, want [8080]", got)
	}
}

func TestTickUnionsFamilies(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{{
		procnet.TCP4: procnet.NewPortSet(3000),
		procnet.TCP6: procnet.NewPortSet(3000, 5000),
	}}}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024}, WithLogger(quietLogger()))

	if _, err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000, 5000}) {
		t.Errorf("created = %v, want one forward per port", got)
	}
}

func TestTickExcludes(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000, 5432)}}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024, Exclude: []uint16{5432}}, WithLogger(quietLogger()))

	loop.Tick(context.Background())
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("created = %v, want [3000]", got)
	}
}

func TestTickRetriesFailedCreate(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000)}}
	fwd := &fakeForwarder{failCreate: map[uint16]int{3000: 1}}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024}, WithLogger(quietLogger()))
	ctx := context.Background()

	res, _ := loop.Tick(ctx)
	if !slices.Equal(res.FailedCreates, []uint16{3000}) {
		t.Errorf("FailedCreates = %v, want [3000]", res.FailedCreates)
	}
	if got := loop.Forwarded(); len(got) != 0 {
		t.Errorf("Forwarded() after failed create = %v, want none", got)
	}

	res, _ = loop.Tick(ctx)
	if !slices.Equal(res.Added, []uint16{3000}) || len(res.FailedCreates) != 0 {
		t.Errorf("retry tick = %+v, want 3000 added", res)
	}
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("created = %v, want [3000]", got)
	}
}

func TestTickRetriesFailedRemove(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000), tcp4()}}
	fwd := &fakeForwarder{failRemove: map[uint16]int{3000: 1}}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024}, WithLogger(quietLogger()))
	ctx := context.Background()

	loop.Tick(ctx)
	res, _ := loop.Tick(ctx)
	if !slices.Equal(res.FailedRemoves, []uint16{3000}) {
		t.Errorf("FailedRemoves = %v, want [3000]", res.FailedRemoves)
	}
	if got := loop.Forwarded(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("Forwarded() after failed remove = %v, want [3000]", got)
	}

	loop.Tick(ctx)
	if got := fwd.Removed(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("removed = %v, want [3000]", got)
	}
	if got := loop.Forwarded(); len(got) != 0 {
		t.Errorf("Forwarded() = %v, want none", got)
	}
}

func TestTickScanErrorKeepsState(t *testing.T) {
	scanErr := errors.New("exec failed")
	scanner := &fakeScanner{
		steps: []procnet.Snapshot{tcp4(3000), nil, tcp4(3000)},
		errs:  []error{nil, scanErr, nil},
	}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024}, WithLogger(quietLogger()))
	ctx := context.Background()

	loop.Tick(ctx)
	if _, err := loop.Tick(ctx); !errors.Is(err, scanErr) {
		t.Errorf("Tick() error = %v, want %v", err, scanErr)
	}
	loop.Tick(ctx)

	if got := fwd.Removed(); len(got) != 0 {
		t.Errorf("scan failure removed forwards: %v", got)
	}
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("created = %v, want a single create", got)
	}
}

func TestSeedSkipsExistingForwards(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000, 8080)}}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024, Seed: []uint16{3000, 9000}}, WithLogger(quietLogger()))

	res, _ := loop.Tick(context.Background())
	if !slices.Equal(res.Added, []uint16{8080}) {
		t.Errorf("added = %v, want [8080]", res.Added)
	}
	if !slices.Equal(res.Removed, []uint16{9000}) {
		t.Errorf("removed = %v, want [9000]", res.Removed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000)}}
	fwd := &fakeForwarder{}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024, Interval: 10 * time.Millisecond}, WithLogger(quietLogger()))

	if loop.State() != Idle {
		t.Fatalf("State() = %v, want idle", loop.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for scanner.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if loop.State() != Running {
		t.Errorf("State() = %v, want running", loop.State())
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if loop.State() != Stopped {
		t.Errorf("State() = %v, want stopped", loop.State())
	}
	if got := fwd.Removed(); len(got) != 0 {
		t.Errorf("shutdown removed forwards: %v", got)
	}
	if err := loop.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run() error = %v, want ErrAlreadyStarted", err)
	}
}

// gatedForwarder blocks Create until release is closed.
type gatedForwarder struct {
	fakeForwarder
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (f *gatedForwarder) Create(ctx context.Context, hostPort, containerPort uint16, origin rules.Origin) (rules.ForwardRule, error) {
	close(f.started)
	<-f.release
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return f.fakeForwarder.Create(ctx, hostPort, containerPort, origin)
}

func TestRunFinishesInFlightTickOnCancel(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000)}}
	fwd := &gatedForwarder{started: make(chan struct{}), release: make(chan struct{})}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024, Interval: time.Hour}, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-fwd.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never created a forward")
	}
	cancel()
	close(fwd.release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	fwd.mu.Lock()
	ctxErr := fwd.ctxErr
	fwd.mu.Unlock()
	if ctxErr != nil {
		t.Errorf("in-flight Create saw cancelled context: %v", ctxErr)
	}
	if got := fwd.Created(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("Created() = %v, want [3000]", got)
	}
	if got := loop.Forwarded(); !slices.Equal(got, []uint16{3000}) {
		t.Errorf("Forwarded() = %v, want [3000]", got)
	}
	if got := scanner.Calls(); got != 1 {
		t.Errorf("scans = %d, want 1", got)
	}
	if loop.State() != Stopped {
		t.Errorf("State() = %v, want stopped", loop.State())
	}
}

func TestRunExitsWhenContainerGone(t *testing.T) {
	scanner := &fakeScanner{steps: []procnet.Snapshot{tcp4(3000)}}
	fwd := &fakeForwarder{}

	var probes int
	alive := func(ctx context.Context) (bool, error) {
		probes++
		return probes < 3, nil
	}
	loop := NewLoop(scanner, fwd, Config{MinPort: 1024, Interval: time.Millisecond, Alive: alive},
		WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after container stopped")
	}
	if got := scanner.Calls(); got != 2 {
		t.Errorf("scans = %d, want 2", got)
	}
	if got := fwd.Removed(); len(got) != 0 {
		t.Errorf("exit removed forwards: %v", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Running: "running", Stopping: "stopping", Stopped: "stopped"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
