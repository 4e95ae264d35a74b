package carriers

import (
	"strings"
	"testing"
)

func sampleShipment() *ShipmentInput {
	return &ShipmentInput{
		From: Address{
			Street1: "417 Montgomery St",
			City:    "San Francisco",
			State:   "CA",
			Zip:     "94104",
			Country: "US",
		},
		To: Address{
			Street1: "179 N Harbor Dr",
			City:    "Redondo Beach",
			State:   "CA",
			Zip:     "90277",
			Country: "US",
		},
		Parcel: Parcel{Length: 10, Width: 8, Height: 4, Weight: 16},
	}
}

func TestRateQuoteKeyFormat(t *testing.T) {
	key := RateQuoteKey("EasyPost", sampleShipment())

	if !strings.HasPrefix(key, "rate:easypost:") {
		t.Fatalf("key = %q, want rate:easypost: prefix", key)
	}
	hash := strings.TrimPrefix(key, "rate:easypost:")
	if len(hash) != 16 {
		t.Fatalf("hash length = %d, want 16", len(hash))
	}
}

func TestRateQuoteKeyDeterministic(t *testing.T) {
	a := RateQuoteKey("shippo", sampleShipment())
	b := RateQuoteKey("shippo", sampleShipment())
	if a != b {
		t.Fatalf("identical shipments produced %q and %q", a, b)
	}
}

func TestRateQuoteKeyCaseInsensitive(t *testing.T) {
	upper := sampleShipment()
	upper.To.City = "REDONDO BEACH"
	upper.To.State = "ca"
	upper.From.Country = "us"

	if RateQuoteKey("shippo", sampleShipment()) != RateQuoteKey("shippo", upper) {
		t.Fatal("address casing must not change the key")
	}
}

func TestRateQuoteKeyIgnoresNonPricingFields(t *testing.T) {
	named := sampleShipment()
	named.To.Name = "Ms Hippo"
	named.To.Phone = "4155559999"
	named.Reference = "order-1234"

	if RateQuoteKey("shippo", sampleShipment()) != RateQuoteKey("shippo", named) {
		t.Fatal("contact fields and references must not change the key")
	}
}

func TestRateQuoteKeyVariesWithPricingInputs(t *testing.T) {
	base := RateQuoteKey("shippo", sampleShipment())

	heavier := sampleShipment()
	heavier.Parcel.Weight = 32
	if RateQuoteKey("shippo", heavier) == base {
		t.Fatal("weight must change the key")
	}

	moved := sampleShipment()
	moved.To.Zip = "10001"
	if RateQuoteKey("shippo", moved) == base {
		t.Fatal("destination must change the key")
	}

	metric := sampleShipment()
	metric.Parcel.MassUnit = UnitKilogram
	if RateQuoteKey("shippo", metric) == base {
		t.Fatal("mass unit must change the key — 16kg is not 16oz")
	}

	if RateQuoteKey("veeqo", sampleShipment()) == base {
		t.Fatal("provider must change the key")
	}
}

func TestKeyNamespaces(t *testing.T) {
	if got := HealthKey("EasyPost"); got != "health:easypost" {
		t.Fatalf("HealthKey = %q", got)
	}
	if got := PurchaseKey("Shippo", "rate_abc"); got != "purchase:shippo:rate_abc" {
		t.Fatalf("PurchaseKey = %q", got)
	}
	if got := RateQuotePattern("Veeqo"); got != "rate:veeqo:*" {
		t.Fatalf("RateQuotePattern = %q", got)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"7.33", 733},
		{"19.99", 1999},
		{"0.1", 10},
		{"0", 0},
		{"12", 1200},
		{" 5.10 ", 510},
	}
	for _, c := range cases {
		got, err := MinorUnits(c.in)
		if err != nil {
			t.Fatalf("MinorUnits(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("MinorUnits(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	if _, err := MinorUnits("seven"); err == nil {
		t.Fatal("non-numeric amount must error")
	}
}
