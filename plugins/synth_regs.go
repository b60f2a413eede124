package plugins

import (
	"fmt"

	"github.com/linht/synth-manager/adf435x"
)

// ADF435x register addresses
const (
	RegFrac    = 0 // INT / FRAC
	RegMod     = 1 // phase, prescaler, MOD
	RegRef     = 2 // noise mode, MUXOUT, R counter, charge pump
	RegClkDiv  = 3 // clock divider, band select mode
	RegOutput  = 4 // feedback, output divider, band select divider, RF power
	RegLDPin   = 5 // lock detect pin
	NumRegs    = adf435x.NumRegisters
	regAddrLen = 3
)

// Register descriptions for UI
var RegisterDescriptions = map[uint8]string{
	RegFrac:   "R0 - INT and FRAC values",
	RegMod:    "R1 - Phase, prescaler and MOD",
	RegRef:    "R2 - Reference, R counter and charge pump",
	RegClkDiv: "R3 - Clock divider and band select mode",
	RegOutput: "R4 - Output divider, band select divider and RF power",
	RegLDPin:  "R5 - Lock detect pin mode",
}

// RegisterField locates one bitfield inside a register word.
type RegisterField struct {
	Name        string
	Reg         uint8
	Shift       uint
	Width       uint
	ADF4351Only bool // reserved on the ADF4350
}

// RegisterFields lists every documented bitfield, register by register and
// high bit first.
var RegisterFields = []RegisterField{
	{Name: "int", Reg: RegFrac, Shift: 15, Width: 16},
	{Name: "frac", Reg: RegFrac, Shift: 3, Width: 12},

	{Name: "phase_adjust", Reg: RegMod, Shift: 28, Width: 1},
	{Name: "prescaler", Reg: RegMod, Shift: 27, Width: 1},
	{Name: "phase_zero", Reg: RegMod, Shift: 15, Width: 1},
	{Name: "mod", Reg: RegMod, Shift: 3, Width: 12},

	{Name: "noise_mode", Reg: RegRef, Shift: 29, Width: 1},
	{Name: "muxout", Reg: RegRef, Shift: 26, Width: 3},
	{Name: "ref_doubler", Reg: RegRef, Shift: 25, Width: 1},
	{Name: "ref_div2", Reg: RegRef, Shift: 24, Width: 1},
	{Name: "r_counter", Reg: RegRef, Shift: 14, Width: 10},
	{Name: "double_buffer", Reg: RegRef, Shift: 13, Width: 1},
	{Name: "charge_pump_current", Reg: RegRef, Shift: 9, Width: 4},
	{Name: "ldf", Reg: RegRef, Shift: 8, Width: 1},
	{Name: "ldp", Reg: RegRef, Shift: 7, Width: 1},
	{Name: "pd_polarity", Reg: RegRef, Shift: 6, Width: 1},
	{Name: "power_down", Reg: RegRef, Shift: 5, Width: 1},
	{Name: "cp_tristate", Reg: RegRef, Shift: 4, Width: 1},
	{Name: "counter_reset", Reg: RegRef, Shift: 3, Width: 1},

	{Name: "band_select_clock_mode", Reg: RegClkDiv, Shift: 23, Width: 1, ADF4351Only: true},
	{Name: "abp", Reg: RegClkDiv, Shift: 22, Width: 1, ADF4351Only: true},
	{Name: "charge_cancel", Reg: RegClkDiv, Shift: 21, Width: 1, ADF4351Only: true},
	{Name: "csr", Reg: RegClkDiv, Shift: 18, Width: 1},
	{Name: "clock_divider_mode", Reg: RegClkDiv, Shift: 15, Width: 2},
	{Name: "clock_divider_value", Reg: RegClkDiv, Shift: 3, Width: 12},

	{Name: "feedback_select", Reg: RegOutput, Shift: 23, Width: 1},
	{Name: "divider_select", Reg: RegOutput, Shift: 20, Width: 3},
	{Name: "band_select_clock_divider", Reg: RegOutput, Shift: 12, Width: 8},
	{Name: "vco_power_down", Reg: RegOutput, Shift: 11, Width: 1},
	{Name: "mute_till_lock_detect", Reg: RegOutput, Shift: 10, Width: 1},
	{Name: "aux_output_select", Reg: RegOutput, Shift: 9, Width: 1},
	{Name: "aux_output_enable", Reg: RegOutput, Shift: 8, Width: 1},
	{Name: "aux_output_power", Reg: RegOutput, Shift: 6, Width: 2},
	{Name: "output_enable", Reg: RegOutput, Shift: 5, Width: 1},
	{Name: "output_power", Reg: RegOutput, Shift: 3, Width: 2},

	{Name: "ld_pin_mode", Reg: RegLDPin, Shift: 22, Width: 2},
}

// Value extracts the field from word.
func (f RegisterField) Value(word uint32) uint32 {
	return (word >> f.Shift) & (1<<f.Width - 1)
}

// DescribeRegisters renders each word with its description and raw field
// values, in the same shape the UI shows for a register read.
func DescribeRegisters(r adf435x.Registers, device adf435x.DeviceType) []map[string]interface{} {
	regList := make([]map[string]interface{}, 0, NumRegs)
	for addr := uint8(0); addr < NumRegs; addr++ {
		word := r[addr]
		fields := make(map[string]uint32)
		for _, f := range RegisterFields {
			if f.Reg != addr || (f.ADF4351Only && device != adf435x.DeviceADF4351) {
				continue
			}
			fields[f.Name] = f.Value(word)
		}

		regList = append(regList, map[string]interface{}{
			"address":     addr,
			"value":       fmt.Sprintf("0x%08X", word),
			"value_dec":   word,
			"description": RegisterDescriptions[addr],
			"fields":      fields,
		})
	}
	return regList
}

// ParseRegisterWords accepts six words in register order and checks each
// one's address bits.
func ParseRegisterWords(words []uint32) (adf435x.Registers, error) {
	var r adf435x.Registers
	if len(words) != NumRegs {
		return r, fmt.Errorf("expected %d register words, got %d", NumRegs, len(words))
	}
	for i, w := range words {
		if addr := w & (1<<regAddrLen - 1); addr != uint32(i) {
			return r, fmt.Errorf("word %d (0x%08X) carries address %d", i, w, addr)
		}
		r[i] = w
	}
	return r, nil
}
