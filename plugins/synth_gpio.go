package plugins

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// SynthGPIO manages the optional ADF435x control lines: CE (chip enable,
// output) and LD (lock detect, input). A negative pin leaves that line
// unused.
type SynthGPIO struct {
	chip     *gpiocdev.Chip
	ceLine   *gpiocdev.Line
	ldLine   *gpiocdev.Line
	chipPath string
	cePin    int
	ldPin    int
}

// NewSynthGPIO opens chipPath and requests the configured lines. CE is
// driven high so the synthesizer is powered when the bus starts writing.
func NewSynthGPIO(chipPath string, cePin, ldPin int) (*SynthGPIO, error) {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipPath, err)
	}

	g := &SynthGPIO{
		chip:     chip,
		chipPath: chipPath,
		cePin:    cePin,
		ldPin:    ldPin,
	}

	if cePin >= 0 {
		g.ceLine, err = chip.RequestLine(
			cePin,
			gpiocdev.AsOutput(1),
			gpiocdev.WithConsumer("adf435x-ce"),
		)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to request CE pin %d: %w", cePin, err)
		}
	}

	if ldPin >= 0 {
		g.ldLine, err = chip.RequestLine(
			ldPin,
			gpiocdev.AsInput,
			gpiocdev.WithConsumer("adf435x-ld"),
		)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to request LD pin %d: %w", ldPin, err)
		}
	}

	return g, nil
}

// Close releases all GPIO resources
func (g *SynthGPIO) Close() error {
	var errs []error

	if g.ldLine != nil {
		if err := g.ldLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close LD line: %w", err))
		}
		g.ldLine = nil
	}

	if g.ceLine != nil {
		if err := g.ceLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CE line: %w", err))
		}
		g.ceLine = nil
	}

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		g.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing GPIO: %v", errs)
	}

	return nil
}

// SetChipEnable drives CE. Low powers the synthesizer down.
func (g *SynthGPIO) SetChipEnable(on bool) error {
	if g.ceLine == nil {
		return fmt.Errorf("CE line not configured")
	}

	value := 0
	if on {
		value = 1
	}

	if err := g.ceLine.SetValue(value); err != nil {
		return fmt.Errorf("failed to set CE pin to %v: %w", on, err)
	}

	return nil
}

// HasLockDetect reports whether an LD line was requested
func (g *SynthGPIO) HasLockDetect() bool {
	return g.ldLine != nil
}

// LockDetect reads the LD pin. It only means "locked" when the LD pin
// mode is set to digital lock detect.
func (g *SynthGPIO) LockDetect() (bool, error) {
	if g.ldLine == nil {
		return false, fmt.Errorf("LD line not configured")
	}

	value, err := g.ldLine.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read LD pin: %w", err)
	}

	return value == 1, nil
}

// Info returns information about the GPIO lines
func (g *SynthGPIO) Info() string {
	if g.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", g.chipPath)
	}

	return fmt.Sprintf("GPIO: %s (%s, %s), CE Pin: %d, LD Pin: %d",
		g.chipPath, g.chip.Name, g.chip.Label, g.cePin, g.ldPin)
}

// ValidateGPIOChip checks if the GPIO chip exists and is accessible
func ValidateGPIOChip(chipPath string) error {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return fmt.Errorf("cannot access GPIO chip %s: %w", chipPath, err)
	}
	defer chip.Close()

	if chip.Name == "" {
		return fmt.Errorf("GPIO chip %s has invalid name", chipPath)
	}

	return nil
}
