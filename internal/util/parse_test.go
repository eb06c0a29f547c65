package util

import (
	"math"
	"testing"
)

func TestParseOptionalFloat(t *testing.T) {
	t.Parallel()

	requireVal := func(t *testing.T, raw interface{}, want float64) {
		t.Helper()
		got := ParseOptionalFloat(raw)
		if got == nil {
			t.Fatalf("ParseOptionalFloat(%v) = nil, want %v", raw, want)
		}
		if *got != want {
			t.Fatalf("ParseOptionalFloat(%v) = %v, want %v", raw, *got, want)
		}
	}
	requireNil := func(t *testing.T, raw interface{}) {
		t.Helper()
		if got := ParseOptionalFloat(raw); got != nil {
			t.Fatalf("ParseOptionalFloat(%v) = %v, want nil", raw, *got)
		}
	}

	t.Run("numeric types pass through", func(t *testing.T) {
		requireVal(t, float64(1.5), 1.5)
		requireVal(t, float32(2), 2)
		requireVal(t, int64(7), 7)
		requireVal(t, 3, 3)
	})

	t.Run("strings parse with surrounding whitespace", func(t *testing.T) {
		requireVal(t, "1.25", 1.25)
		requireVal(t, "  -42.5 ", -42.5)
		requireVal(t, []byte("0.001"), 0.001)
	})

	t.Run("non-finite values collapse to nil", func(t *testing.T) {
		requireNil(t, math.NaN())
		requireNil(t, math.Inf(1))
		requireNil(t, math.Inf(-1))
		requireNil(t, "NaN")
		requireNil(t, "+Inf")
		requireNil(t, "-Inf")
	})

	t.Run("garbage collapses to nil", func(t *testing.T) {
		requireNil(t, nil)
		requireNil(t, "")
		requireNil(t, "not a number")
		requireNil(t, struct{}{})
	})
}
