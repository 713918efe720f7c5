package retry

import "testing"

var NextSleep = nextSleep

// SetRandFloat64は、ジッターの乱数をfに固定します。
func SetRandFloat64(t *testing.T, f float64) {
	t.Helper()
	org := randFloat64
	randFloat64 = func() float64 { return f }
	t.Cleanup(func() { randFloat64 = org })
}
