package adf435x

// OutputFrequency returns the RF output frequency in Hz that settings
// produce with opts: PFD × (INT + FRAC/MOD), divided by the output divider
// when the feedback is taken from the VCO fundamental.
//
// FRAC/MOD is rounded down to three decimal places of N when the settings
// are solved, so the result can sit a little below the requested frequency.
func OutputFrequency(opts Options, s Settings) float64 {
	if s.Mod == 0 || s.OutputDivider == 0 {
		return 0
	}
	num := PFD(opts) * (s.Int*s.Mod + s.Frac)
	den := s.Mod
	if opts.FeedbackSelect == FeedbackFundamental {
		den *= s.OutputDivider
	}
	return float64(num) / float64(den)
}

// VCOFrequency returns the VCO frequency in Hz, which is the output
// frequency multiplied back up by the output divider.
func VCOFrequency(opts Options, s Settings) float64 {
	return OutputFrequency(opts, s) * float64(s.OutputDivider)
}
