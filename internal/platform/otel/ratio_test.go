package otel

import "testing"

func TestParseRatio(t *testing.T) {
	tests := []struct {
		raw    string
		want   float64
		wantOK bool
	}{
		{"", 0, false},
		{"abc", 0, false},
		{"0", 0, false},
		{"1.5", 0, false},
		{" 0.25 ", 0.25, true},
		{"1", 1, true},
	}
	for _, tt := range tests {
		got, ok := parseRatio(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseRatio(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
