package collateral

import (
	"testing"
	"time"
)

func TestDecayHoldsThenShrinksToZero(t *testing.T) {
	const (
		oracleTimeout = 24 * time.Hour
		priceTimeout  = 7 * 24 * time.Hour
	)
	saved := SavedPrice{Low: d("0.99"), High: d("1.01"), At: t0}

	cases := []struct {
		name    string
		elapsed time.Duration
		low     string
		high    string
	}{
		{"fresh", 0, "0.99", "1.01"},
		{"at oracle timeout", oracleTimeout, "0.99", "1.01"},
		{"quarter", oracleTimeout + priceTimeout/4, "0.7425", "0.7575"},
		{"half", oracleTimeout + priceTimeout/2, "0.495", "0.505"},
		{"end", oracleTimeout + priceTimeout, "0", "0"},
		{"past end", oracleTimeout + 2*priceTimeout, "0", "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := Decay(saved, t0.Add(tc.elapsed), oracleTimeout, priceTimeout)
			if !b.Low.Equal(d(tc.low)) || !b.High.Equal(d(tc.high)) {
				t.Fatalf("expected (%s, %s), got %s", tc.low, tc.high, b)
			}
		})
	}
}

func TestDecayWithoutSavedPrice(t *testing.T) {
	if !Decay(SavedPrice{}, t0, time.Hour, time.Hour).IsZero() {
		t.Fatal("nothing saved must decay to (0, 0)")
	}
}

func TestDecayIsMonotonic(t *testing.T) {
	saved := SavedPrice{Low: d("123.456789012345678901"), High: d("130"), At: t0}
	prev := saved.Band()
	for step := time.Duration(0); step <= 48*time.Hour; step += 37 * time.Minute {
		b := Decay(saved, t0.Add(step), 6*time.Hour, 36*time.Hour)
		if b.Low.GreaterThan(prev.Low) || b.High.GreaterThan(prev.High) {
			t.Fatalf("decay increased at %s: %s after %s", step, b, prev)
		}
		if b.Low.GreaterThan(b.High) {
			t.Fatalf("low above high at %s: %s", step, b)
		}
		prev = b
	}
}
