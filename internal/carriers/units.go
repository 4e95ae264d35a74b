package carriers

// Unit conversions used by adapters whose upstreams demand a fixed unit
// (EasyPost and Veeqo take inches and ounces). Conversions happen at the
// wire boundary only; the cache key is computed from the caller's original
// units.

const (
	inchesPerCentimeter = 1 / 2.54
	ouncesPerPound      = 16.0
	ouncesPerKilogram   = 35.27396195
	ouncesPerGram       = ouncesPerKilogram / 1000
)

// ToInches converts v from unit ("in" or "cm") to inches.
func ToInches(v float64, unit string) float64 {
	if unit == UnitCentimeter {
		return v * inchesPerCentimeter
	}
	return v
}

// ToOunces converts v from unit ("oz", "lb", "g" or "kg") to ounces.
func ToOunces(v float64, unit string) float64 {
	switch unit {
	case UnitPound:
		return v * ouncesPerPound
	case UnitKilogram:
		return v * ouncesPerKilogram
	case UnitGram:
		return v * ouncesPerGram
	default:
		return v
	}
}

// FromInches converts v in inches back to unit.
func FromInches(v float64, unit string) float64 {
	if unit == UnitCentimeter {
		return v / inchesPerCentimeter
	}
	return v
}

// FromOunces converts v in ounces back to unit.
func FromOunces(v float64, unit string) float64 {
	switch unit {
	case UnitPound:
		return v / ouncesPerPound
	case UnitKilogram:
		return v / ouncesPerKilogram
	case UnitGram:
		return v / ouncesPerGram
	default:
		return v
	}
}
