package descriptor

import "testing"

func TestParseQuota(t *testing.T) {
	tests := []struct {
		in       string
		bytes    int64
		fraction float64
		wantErr  bool
	}{
		{"", 0, 0, false},
		{"0", 0, 0, false},
		{"1024", 1024, 0, false},
		{"500B", 500, 0, false},
		{"10KB", 10 * 1024, 0, false},
		{"250GB", 250 << 30, 0, false},
		{"2TB", 2 << 40, 0, false},
		{" 100MB ", 100 << 20, 0, false},
		{"0.8", 0, 0.8, false},
		{"0.25", 0, 0.25, false},
		{"1.5", 0, 0, true},
		{"-5GB", 0, 0, true},
		{"banana", 0, 0, true},
	}

	for _, tt := range tests {
		q, err := ParseQuota(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseQuota(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQuota(%q): %v", tt.in, err)
			continue
		}
		if q.Bytes != tt.bytes || q.Fraction != tt.fraction {
			t.Errorf("ParseQuota(%q) = {%d %g}, want {%d %g}",
				tt.in, q.Bytes, q.Fraction, tt.bytes, tt.fraction)
		}
	}
}

func TestQuotaArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0"},
		{"250GB", "268435456000"},
		{"0.8", "0.8"},
	}

	for _, tt := range tests {
		q, err := ParseQuota(tt.in)
		if err != nil {
			t.Fatalf("ParseQuota(%q): %v", tt.in, err)
		}
		if got := q.Arg(); got != tt.want {
			t.Errorf("Quota(%q).Arg() = %q, want %q", tt.in, got, tt.want)
		}
	}
}
