package queue

import (
	"testing"
	"time"

	"github.com/forge-db/forge/internal/domain"
)

func TestNextRetryDelay_Fixed_IgnoresAttempt(t *testing.T) {
	base := 10 * time.Second
	max := time.Minute

	for _, attempt := range []int{1, 2, 5} {
		d := nextRetryDelay(domain.BackoffFixed, base, max, attempt)
		if !withinJitter(d, base) {
			t.Errorf("attempt %d: delay %v not within jitter of base %v", attempt, d, base)
		}
	}
}

func TestNextRetryDelay_Linear_ScalesWithAttempt(t *testing.T) {
	base := 10 * time.Second
	max := 10 * time.Minute

	d1 := nextRetryDelay(domain.BackoffLinear, base, max, 1)
	d3 := nextRetryDelay(domain.BackoffLinear, base, max, 3)

	if !withinJitter(d1, base) {
		t.Errorf("attempt 1: delay %v not within jitter of base %v", d1, base)
	}
	if !withinJitter(d3, 3*base) {
		t.Errorf("attempt 3: delay %v not within jitter of 3*base %v", d3, 3*base)
	}
}

func TestNextRetryDelay_Exponential_DoublesEachAttempt(t *testing.T) {
	base := time.Second
	max := time.Hour

	d1 := nextRetryDelay(domain.BackoffExponential, base, max, 1)
	d2 := nextRetryDelay(domain.BackoffExponential, base, max, 2)
	d3 := nextRetryDelay(domain.BackoffExponential, base, max, 3)

	if !withinJitter(d1, base) {
		t.Errorf("attempt 1: delay %v not within jitter of base %v", d1, base)
	}
	if !withinJitter(d2, 2*base) {
		t.Errorf("attempt 2: delay %v not within jitter of 2*base %v", d2, 2*base)
	}
	if !withinJitter(d3, 4*base) {
		t.Errorf("attempt 3: delay %v not within jitter of 4*base %v", d3, 4*base)
	}
}

func TestNextRetryDelay_NeverExceedsMax(t *testing.T) {
	base := time.Second
	max := 5 * time.Second

	d := nextRetryDelay(domain.BackoffExponential, base, max, 20)
	// jitter can add up to 10% on top of max
	if d > max+max/10 {
		t.Errorf("delay %v exceeds max %v plus jitter allowance", d, max)
	}
}

func withinJitter(got, want time.Duration) bool {
	lo := time.Duration(float64(want) * 0.85)
	hi := time.Duration(float64(want) * 1.15)
	return got >= lo && got <= hi
}
