// Package indicator provides streaming technical indicators over close
// prices and the engine that overlays live trades onto cached daily bars.
//
// Each indicator is fed one price at a time in chronological order and is
// O(1) per update.
package indicator

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA", "RSI").
	Name() string

	// Update feeds the next price.
	Update(price float64)

	// Value returns the current value. Returns 0 if not Ready.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}
