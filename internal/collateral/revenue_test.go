package collateral

import "testing"

func TestBufferTracksHighWaterMark(t *testing.T) {
	buf := Buffer{Fraction: d("0.01")}
	for _, v := range []string{"1", "1.2", "1.1", "1.3"} {
		if _, defaulted := buf.Observe(d(v)); defaulted {
			t.Fatalf("%s should not default", v)
		}
	}
	if !buf.HighWaterMark.Equal(d("1.3")) {
		t.Fatalf("expected mark 1.3, got %s", buf.HighWaterMark)
	}
	if !buf.Hidden().Equal(d("1.287")) {
		t.Fatalf("expected hidden 1.287, got %s", buf.Hidden())
	}
}

func TestBufferHiddenFloorBoundary(t *testing.T) {
	buf := Buffer{Fraction: d("0.000001"), HighWaterMark: d("1.05")}
	floorValue := buf.Hidden()

	hidden, defaulted := buf.Observe(floorValue)
	if defaulted {
		t.Fatal("a drop to exactly the hidden floor must be tolerated")
	}
	if !hidden.Equal(floorValue) || !buf.HighWaterMark.Equal(d("1.05")) {
		t.Fatalf("mark must not move on a tolerated drop, got %s", buf.HighWaterMark)
	}

	if _, defaulted := buf.Observe(floorValue.Sub(Quantum)); !defaulted {
		t.Fatal("one quantum below the hidden floor must default")
	}
}

func TestBufferHiddenNeverAboveMark(t *testing.T) {
	buf := Buffer{Fraction: d("0"), HighWaterMark: d("2")}
	if !buf.Hidden().Equal(d("2")) {
		t.Fatalf("zero fraction hides nothing, got %s", buf.Hidden())
	}
	buf.Fraction = d("0.5")
	if buf.Hidden().GreaterThan(buf.HighWaterMark) {
		t.Fatal("hidden must stay below the mark")
	}
}
