package logging

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"debug", 2, true},
		{"  Warning ", -1, true},
		{"none", -4, true},
		{"3", 3, true},
		{"-2", -2, true},
		{"", 0, false},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConfigure_Once(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	Configure(Verbose)
	Configure(Quiet)
}
