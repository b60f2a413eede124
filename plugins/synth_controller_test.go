package plugins

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/linht/synth-manager/adf435x"
)

var errBusFault = errors.New("bus fault")

// fakeBus records written words. failAt > 0 fails the failAt-th write; a
// non-nil gate makes every write wait for a receive.
type fakeBus struct {
	mu     sync.Mutex
	words  []uint32
	failAt int
	writes int
	closed int
	gate   chan struct{}
}

func (b *fakeBus) WriteWord(ctx context.Context, word uint32) error {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	if b.failAt > 0 && b.writes == b.failAt {
		return errBusFault
	}
	b.words = append(b.words, word)
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	b.closed++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Words() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.words...)
}

var golden2400 = adf435x.Registers{0x00300000, 0x08008011, 0x00004E42, 0x000004B3, 0x008C803C, 0x00580005}

func TestProgramWritesR5First(t *testing.T) {
	bus := &fakeBus{}
	ctrl := NewSynthController(bus, nil, adf435x.DefaultOptions(), nil)

	plan, err := ctrl.Program(context.Background(), 2400000000)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Registers != golden2400 {
		t.Errorf("registers %v", plan.Registers)
	}
	if plan.OutputHz != 2400000000 || plan.VCOHz != 2400000000 || plan.PFDHz != 25000000 {
		t.Errorf("plan frequencies %+v", plan)
	}

	want := []uint32{0x00580005, 0x008C803C, 0x000004B3, 0x00004E42, 0x08008011, 0x00300000}
	got := bus.Words()
	if len(got) != len(want) {
		t.Fatalf("wrote %d words, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %08X, want %08X", i, got[i], want[i])
		}
	}
}

func TestProgramNamesFailingRegister(t *testing.T) {
	bus := &fakeBus{failAt: 3}
	ctrl := NewSynthController(bus, nil, adf435x.DefaultOptions(), nil)

	_, err := ctrl.Program(context.Background(), 2400000000)
	if !errors.Is(err, errBusFault) {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(err.Error(), "R3") {
		t.Errorf("error %q does not name R3", err)
	}
	if len(bus.Words()) != 2 {
		t.Errorf("wrote %d words before failing, want 2", len(bus.Words()))
	}
	if IsPlanError(err) {
		t.Error("bus failure classified as plan error")
	}
}

func TestProgramPlanErrorSkipsBus(t *testing.T) {
	opts := adf435x.DefaultOptions()
	opts.ReferenceFrequencyHz = 100000000
	bus := &fakeBus{}
	ctrl := NewSynthController(bus, nil, opts, nil)

	_, err := ctrl.Program(context.Background(), 145000000)
	if !errors.Is(err, adf435x.ErrFracModeExceedsMaxPFD) || !IsPlanError(err) {
		t.Fatalf("got %v", err)
	}
	if len(bus.Words()) != 0 {
		t.Error("registers written for an unsolvable frequency")
	}
}

func TestPlanWithoutBus(t *testing.T) {
	ctrl := NewSynthController(nil, nil, adf435x.DefaultOptions(), nil)

	plan, err := ctrl.Plan(145000000)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Settings.Int != 92 || plan.Settings.Frac != 4 || plan.Settings.Mod != 5 {
		t.Errorf("settings %+v", plan.Settings)
	}
	if hex := plan.Hex(); len(hex) != 6 || !strings.HasPrefix(hex[1], "0x") {
		t.Errorf("hex %v", hex)
	}

	if err := ctrl.WriteRegisters(context.Background(), plan.Registers); err == nil {
		t.Error("expected error writing without a bus")
	}
	if _, err := ctrl.Locked(); err == nil {
		t.Error("expected error reading lock detect without GPIO")
	}
	if err := ctrl.Close(); err != nil {
		t.Error(err)
	}
}

func TestOpenSynthController(t *testing.T) {
	bus := &fakeBus{}
	cfg := DefaultSynthConfig()
	open := func(SynthConfig) (Bus, error) { return bus, nil }

	ctrl, err := OpenSynthController(open, cfg, cfg.Options, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if bus.closed != 1 {
		t.Errorf("bus closed %d times", bus.closed)
	}

	failing := func(SynthConfig) (Bus, error) { return nil, errBusFault }
	if _, err := OpenSynthController(failing, cfg, cfg.Options, nil); !errors.Is(err, errBusFault) {
		t.Errorf("got %v", err)
	}

	cfg.Bus = "i2c"
	if _, err := OpenBus(cfg); err == nil {
		t.Error("expected error for unknown bus")
	}
}

func TestWordBytes(t *testing.T) {
	if got := wordBytes(0x00580005, false); !bytes.Equal(got, []byte{0x00, 0x58, 0x00, 0x05}) {
		t.Errorf("msb first: % X", got)
	}
	if got := wordBytes(0x00580005, true); !bytes.Equal(got, []byte{0x00, 0x1A, 0x00, 0xA0}) {
		t.Errorf("lsb first: % X", got)
	}
}

func TestOpenWithRetry(t *testing.T) {
	b := &backoff.Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}
	var slept []time.Duration
	sleep := func(d time.Duration) { slept = append(slept, d) }

	calls := 0
	bus := &fakeBus{}
	open := func() (Bus, error) {
		calls++
		if calls < 3 {
			return nil, errBusFault
		}
		return bus, nil
	}

	got, err := openWithRetry(open, 5, b, sleep)
	if err != nil || got != bus {
		t.Fatalf("got %v, %v", got, err)
	}
	if calls != 3 || len(slept) != 2 || slept[0] != time.Millisecond || slept[1] != 2*time.Millisecond {
		t.Errorf("calls %d, slept %v", calls, slept)
	}

	calls, slept = 0, nil
	b.Reset()
	if _, err := openWithRetry(func() (Bus, error) { calls++; return nil, errBusFault }, 2, b, sleep); !errors.Is(err, errBusFault) {
		t.Errorf("got %v", err)
	}
	if calls != 3 || len(slept) != 2 {
		t.Errorf("calls %d, slept %v", calls, slept)
	}

	calls = 0
	if _, err := openWithRetry(func() (Bus, error) { calls++; return nil, errBusFault }, 0, b, sleep); err == nil || calls != 1 {
		t.Errorf("no retries: calls %d, err %v", calls, err)
	}
}
