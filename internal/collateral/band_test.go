package collateral

import "testing"

func TestWithError(t *testing.T) {
	b := WithError(d("1"), d("0.01"))
	if !b.Low.Equal(d("0.99")) || !b.High.Equal(d("1.01")) {
		t.Fatalf("unexpected band %s", b)
	}

	if !WithError(d("0"), d("0.01")).IsZero() {
		t.Fatal("zero sample must map to (0, 0)")
	}
}

func TestComposeRoundsOutward(t *testing.T) {
	third := d("0.333333333333333333")
	b := Compose(third, Band{Low: third, High: third}, unitBand)
	// 0.333...^2 has 36 decimals; low rounds down and high rounds up at 18.
	if !b.Low.Equal(d("0.111111111111111110")) {
		t.Fatalf("low should round down, got %s", b.Low)
	}
	if !b.High.Equal(d("0.111111111111111111")) {
		t.Fatalf("high should round up, got %s", b.High)
	}
}

func TestComposeMultipliesThreeRates(t *testing.T) {
	b := Compose(d("1.02"), Band{Low: d("0.99"), High: d("1.01")}, Band{Low: d("2"), High: d("3")})
	if !b.Low.Equal(d("2.0196")) || !b.High.Equal(d("3.0906")) {
		t.Fatalf("unexpected band %s", b)
	}
}

func TestComposeSaturatesAtFixMax(t *testing.T) {
	huge := FixMax.Div(d("2"))
	b := Compose(d("4"), Band{Low: huge, High: huge}, unitBand)
	if !b.High.Equal(FixMax) {
		t.Fatalf("high should saturate at FixMax, got %s", b.High)
	}
	if b.Low.GreaterThan(b.High) {
		t.Fatalf("low must not exceed high: %s", b)
	}

	unbounded := Compose(d("0.5"), Band{Low: d("1"), High: FixMax}, unitBand)
	if !unbounded.High.Equal(FixMax) {
		t.Fatalf("unbounded factor should keep high unbounded, got %s", unbounded.High)
	}
}

func TestComposeZero(t *testing.T) {
	if !Compose(d("1"), ZeroBand, unitBand).IsZero() {
		t.Fatal("zero targetPerRef must produce (0, 0)")
	}
	if !Compose(d("0"), unitBand, unitBand).IsZero() {
		t.Fatal("zero refPerTok must produce (0, 0)")
	}
}

func TestUnpricedSentinel(t *testing.T) {
	if !Unpriced.IsUnpriced() || Unpriced.IsZero() {
		t.Fatal("Unpriced sentinel misclassified")
	}
	if Unpriced.Low.GreaterThan(Unpriced.High) {
		t.Fatal("Unpriced must keep low <= high")
	}
}
