package adf435x

// Lookup tables for the non-linear analog fields. The register holds the
// index of the matching entry.
var (
	// ChargePumpCurrents in mA at RSET = 5.1 kΩ.
	ChargePumpCurrents = [16]float64{
		0.31, 0.63, 0.94, 1.25, 1.56, 1.88, 2.19, 2.50,
		2.81, 3.13, 3.44, 3.75, 4.06, 4.38, 4.69, 5.00,
	}

	// AntiBacklashPulseWidths in ns. The wider pulse is the default.
	AntiBacklashPulseWidths = [2]float64{10, 6}

	// OutputPowers in dBm.
	OutputPowers = [4]float64{-4, -1, 2, 5}
)

// lookupIndex returns the position of v in table. Matching is exact: the
// tables hold the datasheet values and callers are expected to pass one.
func lookupIndex(field string, v float64, table []float64) (uint32, error) {
	for i, t := range table {
		if t == v {
			return uint32(i), nil
		}
	}
	return 0, &LookupError{Field: field, Value: v}
}
