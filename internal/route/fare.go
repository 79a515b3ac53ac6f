package route

// FareTable prices a trip as base + distance + time, scaled by surge.
type FareTable struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	Surge     float64
}

func DefaultFareTable() FareTable {
	return FareTable{Base: 50, PerKm: 12, PerMinute: 2, Surge: 1.0}
}

// Fare returns the total rounded to two decimals.
func (f FareTable) Fare(distanceKm, durationMin float64) float64 {
	surge := f.Surge
	if surge <= 0 {
		surge = 1.0
	}
	subtotal := f.Base + distanceKm*f.PerKm + durationMin*f.PerMinute
	return round2(subtotal * surge)
}
