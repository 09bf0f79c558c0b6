package backoff_test

import (
	"testing"
	"time"

	"snapsync/internal/backoff"
	"snapsync/internal/config"
)

func TestDelayGrowsGeometrically(t *testing.T) {
	p := backoff.New(2*time.Second, 2.0, 5*time.Minute)

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retries); got != tc.want {
			t.Fatalf("Delay(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

func TestDelayClampsAtMax(t *testing.T) {
	p := backoff.New(2*time.Second, 2.0, 30*time.Second)
	if got := p.Delay(10); got != 30*time.Second {
		t.Fatalf("Delay(10) = %s, want cap 30s", got)
	}
	// Huge counts must not overflow into negative durations.
	if got := p.Delay(10_000); got != 30*time.Second {
		t.Fatalf("Delay(10000) = %s, want cap 30s", got)
	}
}

func TestDelayMonotone(t *testing.T) {
	p := backoff.New(500*time.Millisecond, 1.7, time.Minute)
	prev := time.Duration(-1)
	for i := 0; i < 40; i++ {
		d := p.Delay(i)
		if d < prev {
			t.Fatalf("Delay(%d) = %s decreased below %s", i, d, prev)
		}
		prev = d
	}
}

func TestNegativeRetriesTreatedAsZero(t *testing.T) {
	p := backoff.New(time.Second, 2.0, time.Minute)
	if p.Delay(-5) != p.Delay(0) {
		t.Fatal("expected negative retry count to behave like zero")
	}
}

func TestNewClampsDegenerateInputs(t *testing.T) {
	p := backoff.New(0, 0.1, -1)
	if p.Delay(0) <= 0 {
		t.Fatalf("expected positive delay, got %s", p.Delay(0))
	}
	if p.Delay(5) < p.Delay(0) {
		t.Fatal("expected non-decreasing delays even with degenerate inputs")
	}
}

func TestFromConfig(t *testing.T) {
	p := backoff.FromConfig(config.Backoff{BaseDelayMS: 1000, Multiplier: 3.0, MaxDelayMS: 10000})
	if got := p.Delay(1); got != 3*time.Second {
		t.Fatalf("Delay(1) = %s, want 3s", got)
	}
	if p.Max() != 10*time.Second {
		t.Fatalf("Max = %s, want 10s", p.Max())
	}
}
