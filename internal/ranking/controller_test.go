package ranking_test

import (
	"math"
	"testing"

	"github.com/lukaszgda/tierheap/internal/ranking"
)

func Test_Controller_Correction_At_Target_0_7(t *testing.T) {
	t.Parallel()

	cases := []struct {
		gain     float64
		observed float64
		want     float64
	}{
		{1, 0.85, 0.35},
		{1, 0.35, 0.85},
		{1, 0.70, 0.70},
		{2, 0.85, 0.0},
		{2, 0.35, 1.0},
		{2, 0.70, 0.7},
	}

	for _, tc := range cases {
		// Fresh controller per case: the integral term is disabled, so each
		// invocation is independent anyway.
		c := ranking.NewController(0.7, tc.gain, 0)

		got := c.Adjust(tc.observed)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("gain %v observed %v: Adjust = %v, want %v", tc.gain, tc.observed, got, tc.want)
		}
	}
}

func Test_Controller_Passes_Through_At_Degenerate_Corner(t *testing.T) {
	t.Parallel()

	// target 1 makes the cold segment zero; an observed share of 1 then
	// hits the 0/0 corner and must pass through.
	c := ranking.NewController(1, 1, 0)

	if got := c.Adjust(1); got != 1 {
		t.Fatalf("Adjust(1) = %v, want pass-through 1", got)
	}
}

func Test_Controller_Pushes_Toward_Target(t *testing.T) {
	t.Parallel()

	c := ranking.NewController(0.5, 1, 0)

	// Observed under target: emitted ratio must exceed the observed share
	// (threshold drops, more becomes hot).
	low := c.Adjust(0.2)
	if low <= 0.2 {
		t.Fatalf("Adjust(0.2) = %v, want > 0.2", low)
	}

	// Observed over target: emitted ratio must fall below observed.
	high := c.Adjust(0.8)
	if high >= 0.8 {
		t.Fatalf("Adjust(0.8) = %v, want < 0.8", high)
	}

	// On target: no correction.
	if got := c.Adjust(0.5); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("Adjust(0.5) = %v, want 0.5", got)
	}
}

func Test_Controller_Integral_Accumulates_Signed_Error(t *testing.T) {
	t.Parallel()

	c := ranking.NewController(0.5, 1, 0.5)

	// Repeated undershoot: the integral term keeps raising the output.
	first := c.Adjust(0.3)
	second := c.Adjust(0.3)

	if second <= first {
		t.Fatalf("integral did not accumulate: first %v, second %v", first, second)
	}

	c.Reset()

	if got := c.Adjust(0.3); math.Abs(got-first) > 1e-9 {
		t.Fatalf("Reset did not clear state: %v, want %v", got, first)
	}
}
