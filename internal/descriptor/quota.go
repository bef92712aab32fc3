package descriptor

import (
	"fmt"
	"strconv"
	"strings"
)

// Quota is a record directory quota: either an absolute byte size or a
// fraction of the filesystem. Exactly one of Bytes/Fraction is nonzero;
// a zero Quota disables the quota.
type Quota struct {
	Bytes    int64
	Fraction float64
}

// ParseQuota parses a quota string. Accepted forms:
//
//	""        no quota
//	"0"       no quota
//	"250GB"   absolute size (B, KB, MB, GB, TB suffixes, base 1024)
//	"0.8"     fraction of the filesystem (0 < f < 1)
func ParseQuota(s string) (Quota, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return Quota{}, nil
	}

	// Fractions carry a decimal point and no unit suffix.
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Quota{}, fmt.Errorf("invalid quota %q: %w", s, err)
		}
		if f <= 0 || f >= 1 {
			return Quota{}, fmt.Errorf("quota fraction %q must be between 0 and 1 exclusive", s)
		}
		return Quota{Fraction: f}, nil
	}

	upper := strings.ToUpper(s)
	var mult int64 = 1
	switch {
	case strings.HasSuffix(upper, "TB"):
		mult = 1 << 40
		upper = strings.TrimSuffix(upper, "TB")
	case strings.HasSuffix(upper, "GB"):
		mult = 1 << 30
		upper = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "B"):
		upper = strings.TrimSuffix(upper, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return Quota{}, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	if n < 0 {
		return Quota{}, fmt.Errorf("quota %q must not be negative", s)
	}
	return Quota{Bytes: n * mult}, nil
}

// IsZero reports whether the quota is disabled.
func (q Quota) IsZero() bool { return q.Bytes == 0 && q.Fraction == 0 }

// Arg renders the quota in the form the recorder programs accept on
// --record-directory-quota: raw bytes for absolute quotas, the fraction
// as-is otherwise, and "0" when disabled.
func (q Quota) Arg() string {
	switch {
	case q.Bytes > 0:
		return strconv.FormatInt(q.Bytes, 10)
	case q.Fraction > 0:
		return strconv.FormatFloat(q.Fraction, 'g', -1, 64)
	default:
		return "0"
	}
}

func (q Quota) String() string {
	switch {
	case q.Bytes > 0:
		return fmt.Sprintf("%dB", q.Bytes)
	case q.Fraction > 0:
		return strconv.FormatFloat(q.Fraction, 'g', -1, 64)
	default:
		return "none"
	}
}
