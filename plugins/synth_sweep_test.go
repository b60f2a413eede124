package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linht/synth-manager/adf435x"
)

type programFunc func(ctx context.Context, freq uint64) (Plan, error)

func (f programFunc) Program(ctx context.Context, freq uint64) (Plan, error) {
	return f(ctx, freq)
}

func TestSweepValidate(t *testing.T) {
	tests := []struct {
		name  string
		sweep Sweep
		ok    bool
		steps uint64
	}{
		{"range", Sweep{Low: 100, High: 130, Step: 10}, true, 4},
		{"single", Sweep{Low: 100, High: 100, Step: 10}, true, 1},
		{"unaligned", Sweep{Low: 100, High: 125, Step: 10}, true, 3},
		{"zero step", Sweep{Low: 100, High: 130}, false, 0},
		{"inverted", Sweep{Low: 130, High: 100, Step: 10}, false, 0},
		{"negative delay", Sweep{Low: 100, High: 130, Step: 10, Delay: -time.Second}, false, 4},
	}
	for _, tt := range tests {
		err := tt.sweep.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v", tt.name, err)
		}
		if got := tt.sweep.Steps(); got != tt.steps {
			t.Errorf("%s: Steps() = %d, want %d", tt.name, got, tt.steps)
		}
	}
}

func TestRunSweepVisitsEveryStep(t *testing.T) {
	var visited []uint64
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		visited = append(visited, freq)
		return Plan{Frequency: freq, OutputHz: float64(freq)}, nil
	})

	var steps []SweepStep
	err := RunSweep(context.Background(), p, Sweep{Low: 100, High: 125, Step: 10}, func(s SweepStep) {
		steps = append(steps, s)
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []uint64{100, 110, 120}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] || steps[i].Frequency != want[i] || steps[i].Index != uint64(i) || steps[i].Pass != 1 {
			t.Errorf("step %d: visited %d, reported %+v", i, visited[i], steps[i])
		}
	}
}

func TestRunSweepNearMaxFrequency(t *testing.T) {
	const top = ^uint64(0)
	calls := 0
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		calls++
		return Plan{}, nil
	})
	if err := RunSweep(context.Background(), p, Sweep{Low: top - 5, High: top, Step: 4}, nil); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("programmed %d frequencies, want 2", calls)
	}
}

func TestRunSweepSkipsUnsolvable(t *testing.T) {
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		if freq == 110 {
			return Plan{}, &adf435x.SolveError{Err: adf435x.ErrFracModeExceedsMaxPFD, Value: 1, Limit: 1}
		}
		return Plan{Frequency: freq}, nil
	})

	var failed []uint64
	err := RunSweep(context.Background(), p, Sweep{Low: 100, High: 130, Step: 10}, func(s SweepStep) {
		if s.Error != "" {
			failed = append(failed, s.Frequency)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0] != 110 {
		t.Errorf("failed steps %v", failed)
	}
}

func TestRunSweepStopsOnBusError(t *testing.T) {
	calls := 0
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		calls++
		if freq == 120 {
			return Plan{}, errBusFault
		}
		return Plan{}, nil
	})

	err := RunSweep(context.Background(), p, Sweep{Low: 100, High: 200, Step: 10}, nil)
	if !errors.Is(err, errBusFault) {
		t.Fatalf("got %v", err)
	}
	if calls != 3 {
		t.Errorf("programmed %d frequencies, want 3", calls)
	}
}

func TestRunSweepRepeatUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		calls++
		if calls == 10 {
			cancel()
		}
		return Plan{}, nil
	})

	var lastPass int
	err := RunSweep(ctx, p, Sweep{Low: 100, High: 120, Step: 10, Repeat: true}, func(s SweepStep) {
		lastPass = s.Pass
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if calls != 10 {
		t.Errorf("programmed %d frequencies after cancel, want 10", calls)
	}
	if lastPass != 4 {
		t.Errorf("last pass %d, want 4", lastPass)
	}
}

func TestRunSweepDelay(t *testing.T) {
	p := programFunc(func(ctx context.Context, freq uint64) (Plan, error) {
		return Plan{}, nil
	})

	start := time.Now()
	if err := RunSweep(context.Background(), p, Sweep{Low: 1, High: 3, Step: 1, Delay: 10 * time.Millisecond}, nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("sweep took %v, want at least two delays", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RunSweep(ctx, p, Sweep{Low: 1, High: 3, Step: 1, Delay: time.Hour}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}

func newTestSweepManager(bus *fakeBus) *SweepManager {
	return NewSweepManager(func() (*SynthController, error) {
		return NewSynthController(bus, nil, adf435x.DefaultOptions(), nil), nil
	}, nil)
}

func waitSweep(t *testing.T, m *SweepManager, id string) SweepStatus {
	t.Helper()
	done, ok := m.Done(id)
	if !ok {
		t.Fatalf("unknown sweep %s", id)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweep %s did not finish", id)
	}
	status, _ := m.Status(id)
	return status
}

func TestSweepManagerRunsToCompletion(t *testing.T) {
	bus := &fakeBus{}
	m := newTestSweepManager(bus)

	id, err := m.Start(Sweep{Low: 2390000000, High: 2400000000, Step: 5000000})
	if err != nil {
		t.Fatal(err)
	}

	status := waitSweep(t, m, id)
	if status.State != SweepDone || status.Steps != 3 || status.Failures != 0 {
		t.Errorf("status %+v", status)
	}
	if status.Last == nil || status.Last.Frequency != 2400000000 || status.FinishedAt == nil {
		t.Errorf("last step %+v", status.Last)
	}
	if n := len(bus.Words()); n != 18 {
		t.Errorf("wrote %d words, want 18", n)
	}
	if bus.closed != 1 {
		t.Errorf("bus closed %d times", bus.closed)
	}
	if m.Active() {
		t.Error("manager still active")
	}
	if len(m.List()) != 1 {
		t.Errorf("list %v", m.List())
	}
}

func TestSweepManagerForgetsOldSweeps(t *testing.T) {
	m := newTestSweepManager(&fakeBus{})
	m.history = 2

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Start(Sweep{Low: 2400000000, High: 2400000000, Step: 1})
		if err != nil {
			t.Fatal(err)
		}
		waitSweep(t, m, id)
		ids = append(ids, id)
	}

	if n := len(m.List()); n != 2 {
		t.Errorf("kept %d sweeps, want 2", n)
	}
	for i, id := range ids {
		_, ok := m.Status(id)
		if want := i >= 2; ok != want {
			t.Errorf("sweep %d kept = %v, want %v", i, ok, want)
		}
	}
}

func TestSweepManagerRecordsFailures(t *testing.T) {
	bus := &fakeBus{failAt: 8}
	m := newTestSweepManager(bus)

	id, err := m.Start(Sweep{Low: 2390000000, High: 2400000000, Step: 5000000})
	if err != nil {
		t.Fatal(err)
	}

	status := waitSweep(t, m, id)
	if status.State != SweepFailed || status.Error == "" || status.Steps != 1 {
		t.Errorf("status %+v", status)
	}
}

func TestSweepManagerCancel(t *testing.T) {
	bus := &fakeBus{}
	m := newTestSweepManager(bus)

	id, err := m.Start(Sweep{Low: 100000000, High: 200000000, Step: 1000000, Delay: time.Hour, Repeat: true})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Start(Sweep{Low: 1, High: 2, Step: 1}); !errors.Is(err, ErrSweepRunning) {
		t.Errorf("second sweep: got %v", err)
	}

	if !m.Cancel(id) {
		t.Fatal("cancel returned false")
	}
	if status := waitSweep(t, m, id); status.State != SweepCancelled {
		t.Errorf("state %s", status.State)
	}
	if m.Cancel("nope") {
		t.Error("cancel of unknown id returned true")
	}
	if m.Active() {
		t.Error("manager still active after cancel")
	}
}

func TestSweepManagerSubscribe(t *testing.T) {
	bus := &fakeBus{gate: make(chan struct{})}
	m := newTestSweepManager(bus)

	id, err := m.Start(Sweep{Low: 2390000000, High: 2400000000, Step: 5000000})
	if err != nil {
		t.Fatal(err)
	}
	steps, unsubscribe, ok := m.Subscribe(id)
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer unsubscribe()

	close(bus.gate)

	var got []uint64
	for s := range steps {
		got = append(got, s.Frequency)
	}
	if len(got) != 3 || got[0] != 2390000000 || got[2] != 2400000000 {
		t.Errorf("received %v", got)
	}

	late, _, ok := m.Subscribe(id)
	if !ok {
		t.Fatal("subscribe after finish failed")
	}
	if _, open := <-late; open {
		t.Error("channel of finished sweep is open")
	}
}

func TestSweepManagerOpenError(t *testing.T) {
	m := NewSweepManager(func() (*SynthController, error) { return nil, errBusFault }, nil)
	if _, err := m.Start(Sweep{Low: 1, High: 2, Step: 1}); !errors.Is(err, errBusFault) {
		t.Errorf("got %v", err)
	}
	if m.Active() {
		t.Error("manager active after open error")
	}
	if _, err := m.Start(Sweep{Low: 2, High: 1, Step: 1}); err == nil {
		t.Error("expected validation error")
	}
}
