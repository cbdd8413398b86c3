package fee

import (
	"math"
	"testing"
)

func TestSplit_FeePlusNetEqualsGross(t *testing.T) {
	for gross := int64(1); gross <= 10_000_000; gross++ {
		feeAmount, net := Split(gross, DefaultBasisPoints)
		if feeAmount+net != gross {
			t.Fatalf("gross=%d: fee %d + net %d != gross", gross, feeAmount, net)
		}
		if feeAmount < 0 || feeAmount > gross {
			t.Fatalf("gross=%d: fee %d out of range", gross, feeAmount)
		}
	}
}

func TestSplit_KnownAmounts(t *testing.T) {
	tests := []struct {
		name    string
		gross   int64
		bps     int64
		wantFee int64
		wantNet int64
	}{
		{name: "one hundred dollars at 2%", gross: 10000, bps: 200, wantFee: 200, wantNet: 9800},
		{name: "exact half rounds up", gross: 25, bps: 200, wantFee: 1, wantNet: 24},
		{name: "below half rounds down", gross: 24, bps: 200, wantFee: 0, wantNet: 24},
		{name: "one cent", gross: 1, bps: 200, wantFee: 0, wantNet: 1},
		{name: "zero rate", gross: 10000, bps: 0, wantFee: 0, wantNet: 10000},
		{name: "full rate", gross: 10000, bps: 10000, wantFee: 10000, wantNet: 0},
		{name: "odd rate", gross: 12345, bps: 275, wantFee: 339, wantNet: 12006},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotFee, gotNet := Split(tt.gross, tt.bps)
			if gotFee != tt.wantFee || gotNet != tt.wantNet {
				t.Fatalf("Split(%d, %d) = (%d, %d), want (%d, %d)", tt.gross, tt.bps, gotFee, gotNet, tt.wantFee, tt.wantNet)
			}
		})
	}
}

func TestSplit_LargeAmountsDoNotOverflow(t *testing.T) {
	gross := int64(math.MaxInt64)
	feeAmount, net := Split(gross, DefaultBasisPoints)
	if feeAmount+net != gross {
		t.Fatalf("fee %d + net %d != gross %d", feeAmount, net, gross)
	}
	if feeAmount <= 0 {
		t.Fatalf("expected positive fee, got %d", feeAmount)
	}
}

func TestNewSplitter_RejectsOutOfRangeRates(t *testing.T) {
	if _, err := NewSplitter(-1); err == nil {
		t.Fatal("expected error for negative rate")
	}
	if _, err := NewSplitter(10001); err == nil {
		t.Fatal("expected error for rate above 100%")
	}

	s, err := NewSplitter(DefaultBasisPoints)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feeAmount, net := s.Split(10000); feeAmount != 200 || net != 9800 {
		t.Fatalf("expected 200/9800, got %d/%d", feeAmount, net)
	}
}
