package task

import (
	"testing"
	"time"
)

func TestPolicyDelayBounds(t *testing.T) {
	p := DefaultPolicy()

	prev := time.Duration(0)
	for retry := 0; retry < 100; retry++ {
		d := p.Delay(retry)
		if d < p.Base {
			t.Fatalf("retry %d: delay %v below base %v", retry, d, p.Base)
		}
		if d > p.Max {
			t.Fatalf("retry %d: delay %v above max %v", retry, d, p.Max)
		}
		if d < prev {
			t.Fatalf("retry %d: delay %v decreased from %v", retry, d, prev)
		}
		prev = d
	}
}

func TestPolicyDelayDoubles(t *testing.T) {
	p := Policy{Base: 300000 * time.Millisecond, Max: 86400000 * time.Millisecond}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 300000 * time.Millisecond},
		{1, 600000 * time.Millisecond},
		{2, 1200000 * time.Millisecond},
		{8, 76800000 * time.Millisecond},
		{9, 86400000 * time.Millisecond}, // 153600000 capped
		{50, 86400000 * time.Millisecond},
	}
	for _, c := range cases {
		if got := p.Delay(c.retry); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

func TestPolicyDelayNegativeRetry(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Delay(-3); got != p.Base {
		t.Errorf("Delay(-3) = %v, want base %v", got, p.Base)
	}
}
