package metrics

import (
	"time"
)

// MeasureDBTx wraps a storage transaction with timing instrumentation.
// Usage:
//
//	defer metrics.MeasureDBTx(m, "mint", "postgres")()
//
// A nil collector is allowed and records nothing.
func MeasureDBTx(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBTx(operation, backend, time.Since(start))
	}
}
