package main

import "testing"

func TestParseReport(t *testing.T) {
	for _, tc := range []struct {
		line string
		n    int
		ok   bool
	}{
		{"rx n=5 data=68656c6c6f", 5, true},
		{"rx n=0 data=", 0, true},
		{"rx n=256 data=0011", 256, true},
		{"spislave: transfer ended before arm", 0, false},
		{"rx bogus", 0, false},
		{"", 0, false},
	} {
		n, ok := parseReport(tc.line)
		if n != tc.n || ok != tc.ok {
			t.Errorf("parseReport(%q) = %d, %v; want %d, %v", tc.line, n, ok, tc.n, tc.ok)
		}
	}
}
