package supervisor

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-5 * time.Second, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{3700 * time.Second, "1h 1m"},
		{25 * time.Hour, "1d 1h 0m"},
		{2*24*time.Hour + 3*time.Hour + 14*time.Minute, "2d 3h 14m"},
	}
	for _, c := range cases {
		if got := FormatUptime(c.d); got != c.want {
			t.Fatalf("FormatUptime(%s) got=%q want=%q", c.d, got, c.want)
		}
	}
}

func TestFormatUptimeMonotonic(t *testing.T) {
	// spot-check that longer durations never render as an earlier tier
	prev := FormatUptime(0)
	steps := []time.Duration{
		time.Second, 59 * time.Second, time.Minute, 90 * time.Second,
		time.Hour, 3700 * time.Second, 24 * time.Hour, 25 * time.Hour,
	}
	for _, d := range steps {
		got := FormatUptime(d)
		if got == "" {
			t.Fatalf("FormatUptime(%s) returned empty string (prev %q)", d, prev)
		}
		prev = got
	}
}
