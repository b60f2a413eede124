package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linht/synth-manager/adf435x"
)

// Sweep states
const (
	SweepRunning   = "running"
	SweepDone      = "done"
	SweepFailed    = "failed"
	SweepCancelled = "cancelled"
)

// ErrSweepRunning is returned when the hardware is already busy with a sweep.
var ErrSweepRunning = errors.New("a sweep is already running")

// Sweep steps the output from Low to High inclusive.
type Sweep struct {
	Low    uint64        `json:"low" yaml:"low"`
	High   uint64        `json:"high" yaml:"high"`
	Step   uint64        `json:"step" yaml:"step"`
	Delay  time.Duration `json:"delay" yaml:"delay"`
	Repeat bool          `json:"repeat" yaml:"repeat"`
}

// Validate checks the sweep bounds
func (sw Sweep) Validate() error {
	if sw.Step == 0 {
		return fmt.Errorf("sweep step must be greater than 0")
	}
	if sw.Low > sw.High {
		return fmt.Errorf("sweep low %d Hz is above high %d Hz", sw.Low, sw.High)
	}
	if sw.Delay < 0 {
		return fmt.Errorf("sweep delay must not be negative")
	}
	return nil
}

// Steps returns the number of frequencies in one pass
func (sw Sweep) Steps() uint64 {
	if sw.Step == 0 || sw.Low > sw.High {
		return 0
	}
	return (sw.High-sw.Low)/sw.Step + 1
}

// SweepStep reports one programmed frequency.
type SweepStep struct {
	Pass      int     `json:"pass"`
	Index     uint64  `json:"index"`
	Frequency uint64  `json:"frequency"`
	OutputHz  float64 `json:"output_hz,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Programmer is the part of SynthController a sweep needs.
type Programmer interface {
	Program(ctx context.Context, freq uint64) (Plan, error)
}

// IsPlanError reports whether err came from solving or packing, as opposed
// to talking to the hardware.
func IsPlanError(err error) bool {
	var se *adf435x.SolveError
	var re *adf435x.FieldRangeError
	var le *adf435x.LookupError
	return errors.As(err, &se) || errors.As(err, &re) || errors.As(err, &le) ||
		errors.Is(err, adf435x.ErrInvalidOutputDividerSelect)
}

// RunSweep programs every frequency of sw in turn, calling report after
// each one. Frequencies that cannot be solved are reported and skipped; a
// hardware error ends the sweep. With Repeat set it loops until ctx is done.
func RunSweep(ctx context.Context, p Programmer, sw Sweep, report func(SweepStep)) error {
	if err := sw.Validate(); err != nil {
		return err
	}

	var timer *time.Timer
	if sw.Delay > 0 {
		timer = time.NewTimer(sw.Delay)
		defer timer.Stop()
	}

	first := true
	for pass := 1; ; pass++ {
		var index uint64
		for freq := sw.Low; ; freq += sw.Step {
			if !first && timer != nil {
				timer.Reset(sw.Delay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			first = false

			step := SweepStep{Pass: pass, Index: index, Frequency: freq}
			plan, err := p.Program(ctx, freq)
			switch {
			case err == nil:
				step.OutputHz = plan.OutputHz
			case IsPlanError(err):
				step.Error = err.Error()
			default:
				return fmt.Errorf("sweep stopped at %d Hz: %w", freq, err)
			}
			if report != nil {
				report(step)
			}

			index++
			if sw.High-freq < sw.Step {
				break
			}
		}
		if !sw.Repeat {
			return nil
		}
	}
}

// SweepStatus is the externally visible state of a sweep
type SweepStatus struct {
	ID         string     `json:"id"`
	Sweep      Sweep      `json:"sweep"`
	State      string     `json:"state"`
	Steps      uint64     `json:"steps"`
	Failures   uint64     `json:"failures"`
	Last       *SweepStep `json:"last,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type sweepRun struct {
	status SweepStatus
	cancel context.CancelFunc
	done   chan struct{}
	subs   map[chan SweepStep]struct{}
}

// maxSweepHistory is how many finished sweeps a manager remembers.
const maxSweepHistory = 32

// ControllerOpener opens a controller for the duration of one operation.
type ControllerOpener func() (*SynthController, error)

// SweepManager runs sweeps in the background, one at a time, and keeps
// their status around for later queries.
type SweepManager struct {
	open    ControllerOpener
	logger  *slog.Logger
	runs    map[string]*sweepRun
	mu      sync.RWMutex
	active  string
	history int
}

// NewSweepManager creates a manager that opens hardware with open
func NewSweepManager(open ControllerOpener, logger *slog.Logger) *SweepManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepManager{
		open:    open,
		logger:  logger,
		runs:    make(map[string]*sweepRun),
		history: maxSweepHistory,
	}
}

// Start validates sw, opens the hardware and starts the sweep.
func (m *SweepManager) Start(sw Sweep) (string, error) {
	if err := sw.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != "" {
		return "", ErrSweepRunning
	}

	ctrl, err := m.open()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	run := &sweepRun{
		status: SweepStatus{
			ID:        id,
			Sweep:     sw,
			State:     SweepRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[chan SweepStep]struct{}),
	}
	m.runs[id] = run
	m.active = id

	go m.run(ctx, run, ctrl)

	m.logger.Info("Sweep started", "id", id, "low", sw.Low, "high", sw.High, "step", sw.Step, "repeat", sw.Repeat)
	return id, nil
}

func (m *SweepManager) run(ctx context.Context, run *sweepRun, ctrl *SynthController) {
	defer close(run.done)

	err := RunSweep(ctx, ctrl, run.status.Sweep, func(step SweepStep) {
		m.mu.Lock()
		defer m.mu.Unlock()

		run.status.Steps++
		if step.Error != "" {
			run.status.Failures++
			m.logger.Warn("Sweep step failed", "id", run.status.ID, "frequency", step.Frequency, "error", step.Error)
		}
		last := step
		run.status.Last = &last
		for ch := range run.subs {
			select {
			case ch <- step:
			default:
			}
		}
	})
	// The bus is released before the sweep stops counting as active.
	if cerr := ctrl.Close(); cerr != nil {
		m.logger.Warn("Failed to close sweep controller", "id", run.status.ID, "error", cerr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	run.status.FinishedAt = &now
	switch {
	case err == nil:
		run.status.State = SweepDone
	case errors.Is(err, context.Canceled):
		run.status.State = SweepCancelled
	default:
		run.status.State = SweepFailed
		run.status.Error = err.Error()
		m.logger.Error("Sweep failed", "id", run.status.ID, "error", err)
	}
	for ch := range run.subs {
		close(ch)
	}
	run.subs = nil
	if m.active == run.status.ID {
		m.active = ""
	}
	run.cancel()
	m.prune()

	m.logger.Info("Sweep finished", "id", run.status.ID, "state", run.status.State,
		"steps", run.status.Steps, "failures", run.status.Failures)
}

// prune drops the oldest finished sweeps beyond the history limit. Callers
// hold m.mu.
func (m *SweepManager) prune() {
	var finished []*sweepRun
	for _, run := range m.runs {
		if run.status.FinishedAt != nil {
			finished = append(finished, run)
		}
	}
	if len(finished) <= m.history {
		return
	}
	slices.SortFunc(finished, func(a, b *sweepRun) int {
		return a.status.FinishedAt.Compare(*b.status.FinishedAt)
	})
	for _, run := range finished[:len(finished)-m.history] {
		delete(m.runs, run.status.ID)
	}
}

// Status returns the status of sweep id
func (m *SweepManager) Status(id string) (SweepStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return SweepStatus{}, false
	}
	return run.status, true
}

// List returns every known sweep
func (m *SweepManager) List() []SweepStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]SweepStatus, 0, len(m.runs))
	for _, run := range m.runs {
		list = append(list, run.status)
	}
	return list
}

// Active reports whether a sweep currently owns the hardware
func (m *SweepManager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != ""
}

// Cancel stops sweep id. It returns false for unknown ids.
func (m *SweepManager) Cancel(id string) bool {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Done returns a channel closed when sweep id has finished
func (m *SweepManager) Done(id string) (<-chan struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, false
	}
	return run.done, true
}

// Subscribe returns a channel receiving the steps of sweep id as they
// happen. The channel is closed when the sweep ends; slow readers miss
// steps rather than stall the sweep.
func (m *SweepManager) Subscribe(id string) (<-chan SweepStep, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan SweepStep, 16)
	if run.subs == nil {
		close(ch)
		return ch, func() {}, true
	}
	run.subs[ch] = struct{}{}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := run.subs[ch]; ok {
			delete(run.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, true
}

// Shutdown cancels every running sweep and waits for them to stop
func (m *SweepManager) Shutdown() {
	m.mu.RLock()
	runs := make([]*sweepRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.RUnlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}
