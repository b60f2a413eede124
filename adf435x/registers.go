package adf435x

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// NumRegisters is the number of 32-bit control registers.
const NumRegisters = 6

// Registers holds R0..R5. The low three bits of each word are its address.
type Registers [NumRegisters]uint32

// Field limits checked by Pack.
const (
	MaxInt               = 65535
	MaxFrac              = 4095
	MaxMod               = 4095
	MaxRCounter          = 1023
	MaxClockDividerValue = 4095
)

// Register field offsets.
const (
	// R0
	r0IntShift  = 15
	r0FracShift = 3

	// R1
	r1PhaseAdjustShift = 28
	r1PrescalerShift   = 27
	r1PhaseShift       = 15
	r1ModShift         = 3

	// R2
	r2NoiseModeShift    = 29
	r2MuxOutShift       = 26
	r2RefDoublerShift   = 25
	r2RefDiv2Shift      = 24
	r2RCounterShift     = 14
	r2DoubleBufShift    = 13
	r2ChargePumpShift   = 9
	r2LDFShift          = 8
	r2LDPShift          = 7
	r2PDPolarityShift   = 6
	r2PowerDownShift    = 5
	r2CPTristateShift   = 4
	r2CounterResetShift = 3

	// R3
	r3BandSelectModeShift = 23
	r3ABPShift            = 22
	r3ChargeCancelShift   = 21
	r3CSRShift            = 18
	r3ClkDivModeShift     = 15
	r3ClkDivValueShift    = 3

	// R4
	r4FeedbackShift        = 23
	r4DividerSelectShift   = 20
	r4BandSelectDivShift   = 12
	r4VCOPowerDownShift    = 11
	r4MuteTillLockShift    = 10
	r4AuxOutputSelectShift = 9
	r4AuxOutputEnableShift = 8
	r4AuxOutputPowerShift  = 6
	r4OutputEnableShift    = 5
	r4OutputPowerShift     = 3

	// R5
	r5LDPinModeShift = 22
	r5ReservedShift  = 19
	r5Reserved       = 3

	addressMask = 0x7
)

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func checkRange(field string, v, max uint64) error {
	if v > max {
		return &FieldRangeError{Field: field, Value: v, Max: max}
	}
	return nil
}

// OutputDividerSelect returns log2(div) when div is a power of two no larger
// than 64.
func OutputDividerSelect(div uint64) (uint32, error) {
	if div == 0 || bits.OnesCount64(div) != 1 {
		return 0, ErrInvalidOutputDividerSelect
	}
	sel := bits.TrailingZeros64(div)
	if sel > MaxOutputDividerExponent {
		return 0, ErrInvalidOutputDividerSelect
	}
	return uint32(sel), nil
}

// optionChecks range-checks every option that lands in a bitfield and
// resolves the table lookups.
func optionChecks(opts Options) (cp, abp, auxPower, power uint32, err error) {
	var cpErr, abpErr, auxErr, powerErr error
	cp, cpErr = lookupIndex("ChargePumpCurrent", opts.ChargePumpCurrent, ChargePumpCurrents[:])
	abp, abpErr = lookupIndex("AntiBacklashPulseWidth", opts.AntiBacklashPulseWidth, AntiBacklashPulseWidths[:])
	auxPower, auxErr = lookupIndex("AuxOutputPower", opts.AuxOutputPower, OutputPowers[:])
	power, powerErr = lookupIndex("OutputPower", opts.OutputPower, OutputPowers[:])

	err = errors.Join(
		checkRange("RCounter", uint64(opts.RCounter), MaxRCounter),
		checkRange("ClockDividerValue", uint64(opts.ClockDividerValue), MaxClockDividerValue),
		checkRange("NoiseMode", uint64(opts.NoiseMode), 1),
		checkRange("MuxOut", uint64(opts.MuxOut), 7),
		checkRange("PDPolarity", uint64(opts.PDPolarity), 1),
		checkRange("BandSelectClockMode", uint64(opts.BandSelectClockMode), 1),
		checkRange("ClockDividerMode", uint64(opts.ClockDividerMode), 3),
		checkRange("FeedbackSelect", uint64(opts.FeedbackSelect), 1),
		checkRange("AuxOutputSelect", uint64(opts.AuxOutputSelect), 1),
		checkRange("LDPinMode", uint64(opts.LDPinMode), 3),
		checkRange("Prescaler", uint64(opts.Prescaler), 1),
		cpErr, abpErr, auxErr, powerErr,
	)
	return cp, abp, auxPower, power, err
}

// Validate reports every option that Pack or Solve would reject regardless
// of the frequency asked for.
func (opts Options) Validate() error {
	_, _, _, _, err := optionChecks(opts)
	var refErr error
	if opts.ReferenceFrequencyHz == 0 || opts.ChannelSpacingHz == 0 || opts.RCounter == 0 || PFD(opts) == 0 {
		refErr = &SolveError{Err: ErrInvalidOptions, Value: opts.ReferenceFrequencyHz}
	}
	return errors.Join(refErr, err)
}

// Pack validates settings and options and lays them out in the six control
// registers. Every field is checked before failing; the returned error joins
// all problems found.
func Pack(opts Options, s Settings) (Registers, error) {
	var r Registers

	cp, abp, auxPower, power, optErr := optionChecks(opts)
	divSel, divErr := OutputDividerSelect(s.OutputDivider)

	err := errors.Join(
		checkRange("INT", s.Int, MaxInt),
		checkRange("FRAC", s.Frac, MaxFrac),
		checkRange("MOD", s.Mod, MaxMod),
		checkRange("BandSelectClockDivider", s.BandSelectClockDivider, MaxBandSelectDivider),
		optErr, divErr,
	)
	if err != nil {
		return r, err
	}

	r[0] = uint32(s.Int)<<r0IntShift |
		uint32(s.Frac)<<r0FracShift |
		0

	r[1] = flag(opts.PhaseValue != 0)<<r1PhaseAdjustShift |
		flag(opts.Prescaler == Prescaler8_9)<<r1PrescalerShift |
		flag(opts.PhaseValue == 0)<<r1PhaseShift |
		uint32(s.Mod)<<r1ModShift |
		1

	r[2] = uint32(opts.NoiseMode)<<r2NoiseModeShift |
		uint32(opts.MuxOut)<<r2MuxOutShift |
		flag(opts.RefDoubler)<<r2RefDoublerShift |
		flag(opts.RefDiv2)<<r2RefDiv2Shift |
		opts.RCounter<<r2RCounterShift |
		flag(opts.DoubleBuffer)<<r2DoubleBufShift |
		cp<<r2ChargePumpShift |
		flag(s.Frac != 0)<<r2LDFShift |
		flag(opts.AntiBacklashPulseWidth != AntiBacklashPulseWidths[0])<<r2LDPShift |
		uint32(opts.PDPolarity)<<r2PDPolarityShift |
		flag(opts.PowerDown)<<r2PowerDownShift |
		flag(opts.CPTristate)<<r2CPTristateShift |
		flag(opts.CounterReset)<<r2CounterResetShift |
		2

	r[3] = flag(opts.CycleSlipReduction)<<r3CSRShift |
		uint32(opts.ClockDividerMode)<<r3ClkDivModeShift |
		opts.ClockDividerValue<<r3ClkDivValueShift |
		3
	if opts.DeviceType == DeviceADF4351 {
		r[3] |= uint32(opts.BandSelectClockMode)<<r3BandSelectModeShift |
			abp<<r3ABPShift |
			flag(opts.ChargeCancel)<<r3ChargeCancelShift
	}

	r[4] = uint32(opts.FeedbackSelect)<<r4FeedbackShift |
		divSel<<r4DividerSelectShift |
		uint32(s.BandSelectClockDivider)<<r4BandSelectDivShift |
		flag(opts.VCOPowerDown)<<r4VCOPowerDownShift |
		flag(opts.MuteTillLockDetect)<<r4MuteTillLockShift |
		uint32(opts.AuxOutputSelect)<<r4AuxOutputSelectShift |
		flag(opts.AuxOutputEnable)<<r4AuxOutputEnableShift |
		auxPower<<r4AuxOutputPowerShift |
		flag(opts.OutputEnable)<<r4OutputEnableShift |
		power<<r4OutputPowerShift |
		4

	r[5] = uint32(opts.LDPinMode)<<r5LDPinModeShift |
		r5Reserved<<r5ReservedShift |
		5

	return r, nil
}

func field(word uint32, shift, width uint) uint32 {
	return (word >> shift) & (1<<width - 1)
}

// Unpack decodes registers produced by Pack. Fields the registers do not
// carry are left at their zero value: the phase value decodes as 0 or 1, and
// the device type must be supplied because the ADF4350 leaves its R3 fields
// reserved.
func Unpack(r Registers, device DeviceType) (Options, Settings, error) {
	var opts Options
	var s Settings

	for i, w := range r {
		if w&addressMask != uint32(i) {
			return opts, s, fmt.Errorf("register %d has address bits %d", i, w&addressMask)
		}
	}

	s.Int = uint64(field(r[0], r0IntShift, 16))
	s.Frac = uint64(field(r[0], r0FracShift, 12))

	if field(r[1], r1PhaseAdjustShift, 1) == 1 {
		opts.PhaseValue = 1
	}
	opts.Prescaler = Prescaler(field(r[1], r1PrescalerShift, 1))
	s.Mod = uint64(field(r[1], r1ModShift, 12))

	opts.NoiseMode = NoiseMode(field(r[2], r2NoiseModeShift, 1))
	opts.MuxOut = MuxOut(field(r[2], r2MuxOutShift, 3))
	opts.RefDoubler = field(r[2], r2RefDoublerShift, 1) == 1
	opts.RefDiv2 = field(r[2], r2RefDiv2Shift, 1) == 1
	opts.RCounter = field(r[2], r2RCounterShift, 10)
	opts.DoubleBuffer = field(r[2], r2DoubleBufShift, 1) == 1
	opts.ChargePumpCurrent = ChargePumpCurrents[field(r[2], r2ChargePumpShift, 4)]
	opts.AntiBacklashPulseWidth = AntiBacklashPulseWidths[field(r[2], r2LDPShift, 1)]
	opts.PDPolarity = PDPolarity(field(r[2], r2PDPolarityShift, 1))
	opts.PowerDown = field(r[2], r2PowerDownShift, 1) == 1
	opts.CPTristate = field(r[2], r2CPTristateShift, 1) == 1
	opts.CounterReset = field(r[2], r2CounterResetShift, 1) == 1

	opts.DeviceType = device
	opts.CycleSlipReduction = field(r[3], r3CSRShift, 1) == 1
	opts.ClockDividerMode = ClockDividerMode(field(r[3], r3ClkDivModeShift, 2))
	opts.ClockDividerValue = field(r[3], r3ClkDivValueShift, 12)
	if device == DeviceADF4351 {
		opts.BandSelectClockMode = BandSelectClockMode(field(r[3], r3BandSelectModeShift, 1))
		opts.AntiBacklashPulseWidth = AntiBacklashPulseWidths[field(r[3], r3ABPShift, 1)]
		opts.ChargeCancel = field(r[3], r3ChargeCancelShift, 1) == 1
	}

	opts.FeedbackSelect = FeedbackSelect(field(r[4], r4FeedbackShift, 1))
	s.OutputDivider = 1 << field(r[4], r4DividerSelectShift, 3)
	s.BandSelectClockDivider = uint64(field(r[4], r4BandSelectDivShift, 8))
	opts.VCOPowerDown = field(r[4], r4VCOPowerDownShift, 1) == 1
	opts.MuteTillLockDetect = field(r[4], r4MuteTillLockShift, 1) == 1
	opts.AuxOutputSelect = AuxOutputSelect(field(r[4], r4AuxOutputSelectShift, 1))
	opts.AuxOutputEnable = field(r[4], r4AuxOutputEnableShift, 1) == 1
	opts.AuxOutputPower = OutputPowers[field(r[4], r4AuxOutputPowerShift, 2)]
	opts.OutputEnable = field(r[4], r4OutputEnableShift, 1) == 1
	opts.OutputPower = OutputPowers[field(r[4], r4OutputPowerShift, 2)]

	opts.LDPinMode = LDPinMode(field(r[5], r5LDPinModeShift, 2))

	return opts, s, nil
}

// Payload returns the SPI byte stream: R5 first, R0 last, each word big
// endian. The chip latches each word on the rising edge of LE, so callers
// frame every 4 bytes with its own chip select.
func (r Registers) Payload() []byte {
	buf := make([]byte, 0, NumRegisters*4)
	for i := NumRegisters - 1; i >= 0; i-- {
		buf = binary.BigEndian.AppendUint32(buf, r[i])
	}
	return buf
}

func (r Registers) String() string {
	var sb strings.Builder
	for i, w := range r {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "R%d=%08X", i, w)
	}
	return sb.String()
}
