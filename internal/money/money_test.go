package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole", "1000", "1000.00"},
		{"fifty paise", "0.50", "0.50"},
		{"short frac", "1.5", "1.50"},
		{"trailing zeros", "12.500", "12.50"},
		{"leading zeros", "007.25", "7.25"},
		{"padded", " 42 ", "42.00"},
		{"empty", "", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if Format(got) != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, Format(got), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"-1", "abc", "1.2.3", "1.005", "--5"} {
		t.Run(input, func(t *testing.T) {
			if _, ok := Parse(input); ok {
				t.Errorf("Parse(%q) should fail", input)
			}
		})
	}
}

func TestSplit_FeeAndRemainderSumToAmount(t *testing.T) {
	tests := []struct {
		amount, fee, rest string
	}{
		{"1000", "50.00", "950.00"},
		{"100", "5.00", "95.00"},
		{"0.01", "0.00", "0.01"},
		{"33.33", "1.67", "31.66"},
		{"99999.99", "5000.00", "94999.99"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			amount := MustParse(tt.amount)
			fee, rest := Split(amount, 500)
			if Format(fee) != tt.fee {
				t.Errorf("fee = %s, want %s", Format(fee), tt.fee)
			}
			if Format(rest) != tt.rest {
				t.Errorf("remainder = %s, want %s", Format(rest), tt.rest)
			}
			if !fee.Add(rest).Equal(amount) {
				t.Errorf("fee + remainder = %s, want %s", fee.Add(rest), amount)
			}
		})
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ToMinor(MustParse("700")); got != 70000 {
		t.Errorf("ToMinor(700) = %d, want 70000", got)
	}
	if got := ToMinor(MustParse("12.34")); got != 1234 {
		t.Errorf("ToMinor(12.34) = %d, want 1234", got)
	}
	if got := FromMinor(1234); !got.Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("FromMinor(1234) = %s, want 12.34", got)
	}
}

func TestSumAndPositive(t *testing.T) {
	total := Sum(MustParse("300"), MustParse("700"))
	if !total.Equal(MustParse("1000")) {
		t.Errorf("Sum = %s, want 1000", total)
	}
	if Positive(Zero) {
		t.Error("zero should not be positive")
	}
	if !Positive(MustParse("0.01")) {
		t.Error("0.01 should be positive")
	}
}
