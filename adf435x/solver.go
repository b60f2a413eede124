package adf435x

import (
	"io"
	"log/slog"
)

// Frequency plan limits from the ADF4350/ADF4351 datasheets.
const (
	MaxVCOFrequencyHz        = 2200000000
	MaxOutputDividerExponent = 6

	MaxFracPFDHz            = 32000000
	MaxIntPFDHz             = 90000000
	MaxBandSelectClockHz    = 500000
	MaxBandSelectDivider    = 255
	lowModeBandSelectScale  = 8
	highModeBandSelectScale = 2

	// MaxBandSelectClockVariantHz is checked after MaxBandSelectClockHz and
	// so can never trip. It is kept so the check reads like the datasheet.
	MaxBandSelectClockVariantHz = 125000000

	// nScale keeps three decimal digits of N in integer arithmetic.
	nScale = 1000
)

// Settings are the divider values derived for one output frequency.
type Settings struct {
	Int                    uint64 `json:"int"`
	Frac                   uint64 `json:"frac"`
	Mod                    uint64 `json:"mod"`
	OutputDivider          uint64 `json:"output_divider"`
	BandSelectClockDivider uint64 `json:"band_select_clock_divider"`
}

// Solver derives Settings from a target frequency. The logger receives the
// intermediate values at debug level.
type Solver struct {
	logger *slog.Logger
}

// NewSolver returns a solver that logs to logger. A nil logger discards.
func NewSolver(logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Solver{logger: logger}
}

var quiet = NewSolver(nil)

// Solve derives settings using a solver that does not log.
func Solve(frequencyHz uint64, opts Options) (Settings, error) {
	return quiet.Solve(frequencyHz, opts)
}

// PFD returns the phase frequency detector rate: the reference after the
// optional doubler and divide-by-2, divided by R.
func PFD(opts Options) uint64 {
	if opts.RCounter == 0 {
		return 0
	}
	num := opts.ReferenceFrequencyHz
	if opts.RefDoubler {
		num *= 2
	}
	den := uint64(opts.RCounter)
	if opts.RefDiv2 {
		den *= 2
	}
	return num / den
}

// OutputDivider returns the smallest power-of-two divider that lets the VCO
// reach frequencyHz. Frequencies needing more than 64 still get 64.
func OutputDivider(frequencyHz uint64) uint64 {
	var div uint64
	for n := 0; n <= MaxOutputDividerExponent; n++ {
		div = 1 << n
		if MaxVCOFrequencyHz/div <= frequencyHz {
			break
		}
	}
	return div
}

// Solve derives INT, FRAC, MOD, the output divider and the band select clock
// divider for frequencyHz.
func (s *Solver) Solve(frequencyHz uint64, opts Options) (Settings, error) {
	var st Settings

	if opts.ReferenceFrequencyHz == 0 || opts.ChannelSpacingHz == 0 || opts.RCounter == 0 {
		return Settings{}, &SolveError{Err: ErrInvalidOptions, Value: opts.ReferenceFrequencyHz}
	}
	pfd := PFD(opts)
	if pfd == 0 {
		return Settings{}, &SolveError{Err: ErrInvalidOptions, Value: pfd}
	}

	s.logger.Debug("Solving frequency plan", "frequency", frequencyHz, "pfd", pfd)

	st.OutputDivider = OutputDivider(frequencyHz)
	s.logger.Debug("Output divider", "divider", st.OutputDivider)

	var n uint64
	if opts.FeedbackSelect == FeedbackFundamental {
		n = frequencyHz * st.OutputDivider * nScale / pfd
	} else {
		n = frequencyHz * nScale / pfd
	}

	st.Int = n / nScale
	st.Mod = opts.ReferenceFrequencyHz / opts.ChannelSpacingHz
	st.Frac = ((n % nScale) * st.Mod) / nScale

	if opts.EnableGCD {
		if g := gcd(st.Mod, st.Frac); g > 1 {
			st.Mod /= g
			st.Frac /= g
			s.logger.Debug("Reduced fraction", "gcd", g)
		}
	}

	// MOD = 1 is not a legal encoding.
	if st.Mod == 1 {
		st.Mod = 2
	}

	s.logger.Debug("Feedback divider", "n_milli", n, "int", st.Int, "frac", st.Frac, "mod", st.Mod)

	if pfd > MaxFracPFDHz {
		if st.Frac != 0 {
			return Settings{}, &SolveError{Err: ErrFracModeExceedsMaxPFD, Value: pfd, Limit: MaxFracPFDHz}
		}
		if opts.DeviceType == DeviceADF4351 {
			if pfd > MaxIntPFDHz {
				return Settings{}, &SolveError{Err: ErrIntModeExceedsMaxPFD, Value: pfd, Limit: MaxIntPFDHz}
			}
			if opts.BandSelectClockMode == BandSelectClockLow {
				return Settings{}, &SolveError{Err: ErrBandSelectModeRequiresHigh, Value: pfd, Limit: MaxFracPFDHz}
			}
		}
	}

	st.BandSelectClockDivider = uint64(opts.BandSelectClockDivider)
	if st.BandSelectClockDivider == 0 {
		// TODO: derive the high mode divider with highModeBandSelectScale once
		// the ADF4351 band select timing has been checked on a board. Until then
		// high mode keeps whatever divider the caller supplied.
		if opts.BandSelectClockMode == BandSelectClockLow {
			st.BandSelectClockDivider = min(lowModeBandSelectScale*pfd/1000000, MaxBandSelectDivider)
		}
	}
	if st.BandSelectClockDivider == 0 {
		return Settings{}, &SolveError{Err: ErrBandSelectDividerUnset, Value: pfd}
	}

	bandSelectClock := pfd / st.BandSelectClockDivider
	s.logger.Debug("Band select clock", "divider", st.BandSelectClockDivider, "frequency", bandSelectClock)

	if bandSelectClock > MaxBandSelectClockHz {
		return Settings{}, &SolveError{Err: ErrBandSelectClockTooHigh, Value: bandSelectClock, Limit: MaxBandSelectClockHz}
	} else if bandSelectClock > MaxBandSelectClockVariantHz {
		if opts.DeviceType != DeviceADF4351 || opts.BandSelectClockMode == BandSelectClockLow {
			return Settings{}, &SolveError{Err: ErrBandSelectClockTooHighForVariant, Value: bandSelectClock, Limit: MaxBandSelectClockVariantHz}
		}
	}

	s.logger.Debug("Settings",
		"int", st.Int,
		"frac", st.Frac,
		"mod", st.Mod,
		"band_select_clock_divider", st.BandSelectClockDivider,
		"output_divider", st.OutputDivider)

	return st, nil
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
