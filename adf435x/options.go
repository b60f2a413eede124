// Package adf435x computes register programming sequences for the Analog
// Devices ADF4350 and ADF4351 fractional-N PLL synthesizers.
//
// Solve turns a target output frequency into divider settings and Pack maps
// those settings plus the device options onto the chip's six 32-bit
// registers. Both are pure functions of their inputs.
package adf435x

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceType selects the chip variant. The ADF4351 adds the band select
// clock mode, anti-backlash pulse width and charge cancellation fields to R3.
type DeviceType uint8

const (
	DeviceADF4350 DeviceType = 0
	DeviceADF4351 DeviceType = 1
)

// FeedbackSelect chooses where the N divider takes its feedback from.
type FeedbackSelect uint8

const (
	FeedbackDivided     FeedbackSelect = 0
	FeedbackFundamental FeedbackSelect = 1
)

// BandSelectClockMode picks the band select clock speed. High mode is
// ADF4351 only and allows a faster band select clock.
type BandSelectClockMode uint8

const (
	BandSelectClockLow  BandSelectClockMode = 0
	BandSelectClockHigh BandSelectClockMode = 1
)

// NoiseMode trades phase noise against spurious performance.
type NoiseMode uint8

const (
	LowNoiseMode NoiseMode = 0
	LowSpurMode  NoiseMode = 1
)

// MuxOut selects the signal routed to the MUXOUT pin.
type MuxOut uint8

const (
	MuxOutTristate          MuxOut = 0
	MuxOutDVDD              MuxOut = 1
	MuxOutDGND              MuxOut = 2
	MuxOutRCounter          MuxOut = 3
	MuxOutNDivider          MuxOut = 4
	MuxOutAnalogLockDetect  MuxOut = 5
	MuxOutDigitalLockDetect MuxOut = 6
)

// PDPolarity is the phase detector polarity.
type PDPolarity uint8

const (
	PDPolarityNegative PDPolarity = 0
	PDPolarityPositive PDPolarity = 1
)

// ClockDividerMode selects what the 12-bit clock divider in R3 times:
// fast lock or phase resync.
type ClockDividerMode uint8

const (
	ClockDividerOff      ClockDividerMode = 0
	ClockDividerFastLock ClockDividerMode = 1
	ClockDividerResync   ClockDividerMode = 2
)

// AuxOutputSelect routes either the divided output or the VCO
// fundamental to the auxiliary output.
type AuxOutputSelect uint8

const (
	AuxOutputDivided     AuxOutputSelect = 0
	AuxOutputFundamental AuxOutputSelect = 1
)

// LDPinMode configures the lock detect pin.
type LDPinMode uint8

const (
	LDPinLow               LDPinMode = 0
	LDPinDigitalLockDetect LDPinMode = 1
	LDPinHigh              LDPinMode = 2
)

// Prescaler is the dual-modulus prescaler ratio. 8/9 is needed above
// 3.6 GHz VCO frequency.
type Prescaler uint8

const (
	Prescaler4_5 Prescaler = 0
	Prescaler8_9 Prescaler = 1
)

// Options holds every device option the caller controls. Options are never
// modified by Solve or Pack, so one value can drive a whole sweep.
type Options struct {
	DeviceType          DeviceType          `yaml:"device_type" json:"device_type"`
	FeedbackSelect      FeedbackSelect      `yaml:"feedback_select" json:"feedback_select"`
	BandSelectClockMode BandSelectClockMode `yaml:"band_select_clock_mode" json:"band_select_clock_mode"`
	NoiseMode           NoiseMode           `yaml:"noise_mode" json:"noise_mode"`
	MuxOut              MuxOut              `yaml:"mux_out" json:"mux_out"`
	PDPolarity          PDPolarity          `yaml:"pd_polarity" json:"pd_polarity"`
	ClockDividerMode    ClockDividerMode    `yaml:"clock_divider_mode" json:"clock_divider_mode"`
	AuxOutputSelect     AuxOutputSelect     `yaml:"aux_output_select" json:"aux_output_select"`
	LDPinMode           LDPinMode           `yaml:"ld_pin_mode" json:"ld_pin_mode"`
	Prescaler           Prescaler           `yaml:"prescaler" json:"prescaler"`

	// Output powers in dBm, one of -4, -1, 2 or 5.
	OutputPower    float64 `yaml:"output_power" json:"output_power"`
	AuxOutputPower float64 `yaml:"aux_output_power" json:"aux_output_power"`

	ReferenceFrequencyHz uint64 `yaml:"reference_frequency_hz" json:"reference_frequency_hz"`
	ChannelSpacingHz     uint64 `yaml:"channel_spacing_hz" json:"channel_spacing_hz"`

	RCounter          uint32 `yaml:"r_counter" json:"r_counter"`
	PhaseValue        uint32 `yaml:"phase_value" json:"phase_value"`
	ClockDividerValue uint32 `yaml:"clock_divider_value" json:"clock_divider_value"`

	// BandSelectClockDivider seeds the solver. Zero lets the solver derive it
	// in low band select clock mode.
	BandSelectClockDivider uint32 `yaml:"band_select_clock_divider" json:"band_select_clock_divider"`

	// ChargePumpCurrent in mA, AntiBacklashPulseWidth in ns. Both must match
	// an entry of their lookup table exactly.
	ChargePumpCurrent      float64 `yaml:"charge_pump_current" json:"charge_pump_current"`
	AntiBacklashPulseWidth float64 `yaml:"anti_backlash_pulse_width" json:"anti_backlash_pulse_width"`

	EnableGCD          bool `yaml:"enable_gcd" json:"enable_gcd"`
	RefDoubler         bool `yaml:"ref_doubler" json:"ref_doubler"`
	RefDiv2            bool `yaml:"ref_div2" json:"ref_div2"`
	DoubleBuffer       bool `yaml:"double_buffer" json:"double_buffer"`
	PowerDown          bool `yaml:"power_down" json:"power_down"`
	CPTristate         bool `yaml:"cp_tristate" json:"cp_tristate"`
	CounterReset       bool `yaml:"counter_reset" json:"counter_reset"`
	ChargeCancel       bool `yaml:"charge_cancel" json:"charge_cancel"`
	CycleSlipReduction bool `yaml:"cycle_slip_reduction" json:"cycle_slip_reduction"`
	VCOPowerDown       bool `yaml:"vco_power_down" json:"vco_power_down"`
	MuteTillLockDetect bool `yaml:"mute_till_lock_detect" json:"mute_till_lock_detect"`
	AuxOutputEnable    bool `yaml:"aux_output_enable" json:"aux_output_enable"`
	OutputEnable       bool `yaml:"output_enable" json:"output_enable"`
}

// DefaultOptions returns the options of a typical ADF4351 evaluation board:
// 25 MHz reference, 100 kHz channel spacing, +5 dBm on the main output.
func DefaultOptions() Options {
	return Options{
		DeviceType:             DeviceADF4351,
		FeedbackSelect:         FeedbackFundamental,
		BandSelectClockMode:    BandSelectClockLow,
		NoiseMode:              LowNoiseMode,
		MuxOut:                 MuxOutTristate,
		PDPolarity:             PDPolarityPositive,
		ClockDividerMode:       ClockDividerOff,
		AuxOutputSelect:        AuxOutputDivided,
		LDPinMode:              LDPinDigitalLockDetect,
		Prescaler:              Prescaler8_9,
		OutputPower:            5,
		AuxOutputPower:         -4,
		ReferenceFrequencyHz:   25000000,
		ChannelSpacingHz:       100000,
		RCounter:               1,
		PhaseValue:             0,
		ClockDividerValue:      150,
		ChargePumpCurrent:      2.5,
		AntiBacklashPulseWidth: 10,
		EnableGCD:              true,
		OutputEnable:           true,
	}
}

var (
	deviceTypeNames          = map[DeviceType]string{DeviceADF4350: "adf4350", DeviceADF4351: "adf4351"}
	feedbackSelectNames      = map[FeedbackSelect]string{FeedbackDivided: "divided", FeedbackFundamental: "fundamental"}
	bandSelectClockModeNames = map[BandSelectClockMode]string{BandSelectClockLow: "low", BandSelectClockHigh: "high"}
	noiseModeNames           = map[NoiseMode]string{LowNoiseMode: "low_noise", LowSpurMode: "low_spur"}
	muxOutNames              = map[MuxOut]string{
		MuxOutTristate:          "tristate",
		MuxOutDVDD:              "dvdd",
		MuxOutDGND:              "dgnd",
		MuxOutRCounter:          "r_counter",
		MuxOutNDivider:          "n_divider",
		MuxOutAnalogLockDetect:  "analog_lock_detect",
		MuxOutDigitalLockDetect: "digital_lock_detect",
	}
	pdPolarityNames       = map[PDPolarity]string{PDPolarityNegative: "negative", PDPolarityPositive: "positive"}
	clockDividerModeNames = map[ClockDividerMode]string{ClockDividerOff: "off", ClockDividerFastLock: "fast_lock", ClockDividerResync: "resync"}
	auxOutputSelectNames  = map[AuxOutputSelect]string{AuxOutputDivided: "divided", AuxOutputFundamental: "fundamental"}
	ldPinModeNames        = map[LDPinMode]string{LDPinLow: "low", LDPinDigitalLockDetect: "digital_lock_detect", LDPinHigh: "high"}
	prescalerNames        = map[Prescaler]string{Prescaler4_5: "4/5", Prescaler8_9: "8/9"}
)

func enumString[T ~uint8](names map[T]string, v T) string {
	if s, ok := names[v]; ok {
		return s
	}
	return strconv.Itoa(int(v))
}

// parseEnum accepts either a name from the table or a bare ordinal so that
// raw register values copied from a datasheet still load.
func parseEnum[T ~uint8](kind string, names map[T]string, text []byte) (T, error) {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for v, name := range names {
		if name == s {
			return v, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return T(n), nil
	}
	return 0, fmt.Errorf("unknown %s %q", kind, string(text))
}

func (v DeviceType) String() string {
	return enumString(deviceTypeNames, v)
}

func (v DeviceType) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *DeviceType) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("device type", deviceTypeNames, b)
	return
}

func (v FeedbackSelect) String() string {
	return enumString(feedbackSelectNames, v)
}

func (v FeedbackSelect) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *FeedbackSelect) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("feedback select", feedbackSelectNames, b)
	return
}

func (v BandSelectClockMode) String() string {
	return enumString(bandSelectClockModeNames, v)
}

func (v BandSelectClockMode) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *BandSelectClockMode) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("band select clock mode", bandSelectClockModeNames, b)
	return
}

func (v NoiseMode) String() string {
	return enumString(noiseModeNames, v)
}

func (v NoiseMode) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *NoiseMode) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("noise mode", noiseModeNames, b)
	return
}

func (v MuxOut) String() string {
	return enumString(muxOutNames, v)
}

func (v MuxOut) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *MuxOut) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("mux out", muxOutNames, b)
	return
}

func (v PDPolarity) String() string {
	return enumString(pdPolarityNames, v)
}

func (v PDPolarity) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *PDPolarity) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("pd polarity", pdPolarityNames, b)
	return
}

func (v ClockDividerMode) String() string {
	return enumString(clockDividerModeNames, v)
}

func (v ClockDividerMode) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *ClockDividerMode) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("clock divider mode", clockDividerModeNames, b)
	return
}

func (v AuxOutputSelect) String() string {
	return enumString(auxOutputSelectNames, v)
}

func (v AuxOutputSelect) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *AuxOutputSelect) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("aux output select", auxOutputSelectNames, b)
	return
}

func (v LDPinMode) String() string {
	return enumString(ldPinModeNames, v)
}

func (v LDPinMode) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *LDPinMode) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("ld pin mode", ldPinModeNames, b)
	return
}

func (v Prescaler) String() string {
	return enumString(prescalerNames, v)
}

func (v Prescaler) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Prescaler) UnmarshalText(b []byte) (err error) {
	*v, err = parseEnum("prescaler", prescalerNames, b)
	return
}
