package format

import (
	"math"

	"github.com/dustin/go-humanize"
)

const (
	// Locale and CurrencyCode name the convention Currency follows.
	Locale       = "fr-TN"
	CurrencyCode = "TND"

	currencySymbol = "DT"

	// fr-TN groups thousands with a narrow no-break space and separates the
	// symbol with a no-break space.
	groupSep  = "\u202f"
	symbolSep = "\u00a0"

	// MaxAmount is the largest magnitude Currency renders exactly. Larger
	// values are clamped to it.
	MaxAmount = 1e15
)

const wholeUnits = "#" + groupSep + "###."

// Currency renders amount as whole Tunisian dinars, e.g. 1000 -> "1\u202f000\u00a0DT".
// Fractions are rounded half away from zero; negative zero renders as "0".
func Currency(amount float64) string {
	switch {
	case math.IsNaN(amount):
		return "NaN" + symbolSep + currencySymbol
	case math.IsInf(amount, 1):
		return "∞" + symbolSep + currencySymbol
	case math.IsInf(amount, -1):
		return "-∞" + symbolSep + currencySymbol
	}

	rounded := math.Round(amount)
	if rounded == 0 {
		rounded = 0 // drops the sign of -0
	}
	rounded = math.Max(-MaxAmount, math.Min(MaxAmount, rounded))

	return humanize.FormatFloat(wholeUnits, rounded) + symbolSep + currencySymbol
}
