package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/linht/synth-manager/adf435x"
)

// Plan is the outcome of solving one frequency: the divider settings, the
// register words that carry them and the frequency they really produce.
type Plan struct {
	Frequency uint64            `json:"frequency"`
	Settings  adf435x.Settings  `json:"settings"`
	Registers adf435x.Registers `json:"registers"`
	PFDHz     uint64            `json:"pfd_hz"`
	OutputHz  float64           `json:"output_hz"`
	VCOHz     float64           `json:"vco_hz"`
}

// Hex returns the register words as 0x-prefixed strings, R0 first.
func (p Plan) Hex() []string {
	out := make([]string, len(p.Registers))
	for i, w := range p.Registers {
		out[i] = fmt.Sprintf("0x%08X", w)
	}
	return out
}

// SynthController solves frequencies and shifts the resulting registers into
// an ADF435x. bus and gpio may be nil: without a bus the controller can only
// plan.
type SynthController struct {
	bus    Bus
	gpio   *SynthGPIO
	solver *adf435x.Solver
	opts   adf435x.Options
}

// NewSynthController creates a controller around an already opened bus.
func NewSynthController(bus Bus, gpio *SynthGPIO, opts adf435x.Options, logger *slog.Logger) *SynthController {
	return &SynthController{
		bus:    bus,
		gpio:   gpio,
		solver: adf435x.NewSolver(logger),
		opts:   opts,
	}
}

// BusOpener opens the bus described by a SynthConfig
type BusOpener func(cfg SynthConfig) (Bus, error)

// OpenSynthController opens the bus with open and the optional GPIO lines
// described by cfg.
func OpenSynthController(open BusOpener, cfg SynthConfig, opts adf435x.Options, logger *slog.Logger) (*SynthController, error) {
	bus, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bus: %w", err)
	}

	var gpio *SynthGPIO
	if cfg.GPIOChip != "" && (cfg.ChipEnablePin >= 0 || cfg.LockDetectPin >= 0) {
		gpio, err = NewSynthGPIO(cfg.GPIOChip, cfg.ChipEnablePin, cfg.LockDetectPin)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("failed to initialize GPIO: %w", err)
		}
	}

	return NewSynthController(bus, gpio, opts, logger), nil
}

// OpenBus opens the bus kind named in cfg, retrying OpenRetries times.
func OpenBus(cfg SynthConfig) (Bus, error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
	}
	return openWithRetry(func() (Bus, error) { return openBus(cfg) }, cfg.OpenRetries, b, time.Sleep)
}

func openBus(cfg SynthConfig) (Bus, error) {
	switch cfg.Bus {
	case BusSPI, "":
		return NewSPIBus(cfg.SPIDevice, cfg.SPISpeed, cfg.LSBFirst)
	case BusCH341:
		return NewCH341Bus(cfg.CH341ChipSelect)
	case BusSerial:
		return NewSerialBus(cfg.SerialDevice, cfg.SerialBaud)
	default:
		return nil, fmt.Errorf("unknown bus %q, use %s, %s or %s", cfg.Bus, BusSPI, BusCH341, BusSerial)
	}
}

// openWithRetry calls open until it succeeds or retries run out. USB
// bridges take a moment to come back after a reset.
func openWithRetry(open func() (Bus, error), retries int, b *backoff.Backoff, sleep func(time.Duration)) (Bus, error) {
	for attempt := 0; ; attempt++ {
		bus, err := open()
		if err == nil || attempt >= retries {
			return bus, err
		}
		d := b.Duration()
		slog.Debug("Bus open failed, retrying", "attempt", attempt+1, "delay", d, "error", err)
		sleep(d)
	}
}

// Close releases all resources
func (s *SynthController) Close() error {
	var errs []error

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus close error: %w", err))
		}
		s.bus = nil
	}

	if s.gpio != nil {
		if err := s.gpio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("GPIO close error: %w", err))
		}
		s.gpio = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// Options returns the options the controller solves with
func (s *SynthController) Options() adf435x.Options {
	return s.opts
}

// Plan solves and packs freq without touching the hardware.
func (s *SynthController) Plan(freq uint64) (Plan, error) {
	settings, err := s.solver.Solve(freq, s.opts)
	if err != nil {
		return Plan{}, err
	}

	regs, err := adf435x.Pack(s.opts, settings)
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		Frequency: freq,
		Settings:  settings,
		Registers: regs,
		PFDHz:     adf435x.PFD(s.opts),
		OutputHz:  adf435x.OutputFrequency(s.opts, settings),
		VCOHz:     adf435x.VCOFrequency(s.opts, settings),
	}, nil
}

// Program plans freq and writes the registers.
func (s *SynthController) Program(ctx context.Context, freq uint64) (Plan, error) {
	plan, err := s.Plan(freq)
	if err != nil {
		return Plan{}, err
	}

	if err := s.WriteRegisters(ctx, plan.Registers); err != nil {
		return Plan{}, err
	}

	return plan, nil
}

// WriteRegisters shifts R5 down to R0 into the chip. Writing R0 last starts
// the VCO band selection with everything else already in place.
func (s *SynthController) WriteRegisters(ctx context.Context, r adf435x.Registers) error {
	if s.bus == nil {
		return fmt.Errorf("no bus configured")
	}

	for i := adf435x.NumRegisters - 1; i >= 0; i-- {
		if err := s.bus.WriteWord(ctx, r[i]); err != nil {
			return fmt.Errorf("failed to write R%d: %w", i, err)
		}
	}

	return nil
}

// SetChipEnable drives the CE line
func (s *SynthController) SetChipEnable(on bool) error {
	if s.gpio == nil {
		return fmt.Errorf("GPIO not configured")
	}
	return s.gpio.SetChipEnable(on)
}

// Locked reads the lock detect line.
func (s *SynthController) Locked() (bool, error) {
	if s.gpio == nil || !s.gpio.HasLockDetect() {
		return false, fmt.Errorf("lock detect pin not configured")
	}
	return s.gpio.LockDetect()
}

// Info returns information about the controller
func (s *SynthController) Info() map[string]interface{} {
	info := map[string]interface{}{
		"device":        s.opts.DeviceType.String(),
		"reference_hz":  s.opts.ReferenceFrequencyHz,
		"pfd_hz":        adf435x.PFD(s.opts),
		"channel_space": s.opts.ChannelSpacingHz,
	}

	if st, ok := s.bus.(fmt.Stringer); ok {
		info["bus"] = st.String()
	}

	if s.gpio != nil {
		info["gpio"] = s.gpio.Info()
	}

	return info
}
