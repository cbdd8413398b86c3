// Package fee computes the platform fee split applied at settlement.
package fee

import "fmt"

const (
	// BasisPointsDenominator is the number of basis points in 100%.
	BasisPointsDenominator int64 = 10000
	// DefaultBasisPoints is the platform fee rate (2%) used when none is configured.
	DefaultBasisPoints int64 = 200
)

// Splitter divides a gross amount into the platform fee and the net amount
// owed to the payee.
type Splitter struct {
	BasisPoints int64
}

// NewSplitter validates the rate and returns a Splitter.
func NewSplitter(basisPoints int64) (Splitter, error) {
	if basisPoints < 0 || basisPoints > BasisPointsDenominator {
		return Splitter{}, fmt.Errorf("fee rate must be between 0 and %d basis points, got %d", BasisPointsDenominator, basisPoints)
	}
	return Splitter{BasisPoints: basisPoints}, nil
}

// Split returns fee and net for gross minor units. fee+net always equals gross.
func (s Splitter) Split(gross int64) (feeMinorUnits int64, netMinorUnits int64) {
	return Split(gross, s.BasisPoints)
}

// Split computes round-half-up(gross * basisPoints / 10000) on integers only.
// The gross amount is split into whole multiples of the denominator and a
// remainder so the multiplication cannot overflow for any positive int64.
func Split(gross int64, basisPoints int64) (feeMinorUnits int64, netMinorUnits int64) {
	if gross <= 0 || basisPoints <= 0 {
		return 0, gross
	}
	if basisPoints > BasisPointsDenominator {
		basisPoints = BasisPointsDenominator
	}

	whole := gross / BasisPointsDenominator
	remainder := gross % BasisPointsDenominator

	feeMinorUnits = whole*basisPoints + (remainder*basisPoints+BasisPointsDenominator/2)/BasisPointsDenominator
	netMinorUnits = gross - feeMinorUnits
	return feeMinorUnits, netMinorUnits
}
