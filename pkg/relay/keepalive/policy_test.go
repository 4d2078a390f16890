package keepalive

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	if got := Default.Timeout(0); got != 30*time.Second {
		t.Errorf("Default.Timeout(0) = %v, want 30s", got)
	}
	for _, n := range []int{1, 2, 100} {
		if got := Default.Timeout(n); got != 5*time.Second {
			t.Errorf("Default.Timeout(%d) = %v, want 5s", n, got)
		}
	}
}

func TestDecide(t *testing.T) {
	shrinking := PolicyFunc(func(reuse int) time.Duration {
		return time.Duration(3-reuse) * time.Second
	})

	tests := []struct {
		name    string
		policy  Policy
		n       int
		wantT   time.Duration
		wantUse bool
	}{
		{"positive first", Fixed(time.Second), 0, time.Second, true},
		{"positive reuse", Fixed(time.Second), 7, time.Second, true},
		{"never first", Never(), 0, 0, true},
		{"never reuse", Never(), 1, 0, false},
		{"shrinking still open", shrinking, 2, time.Second, true},
		{"shrinking exhausted", shrinking, 3, 0, false},
		{"negative reuse", Fixed(-time.Second), 1, 0, false},
		{"negative first", Fixed(-time.Second), 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotT, gotUse := Decide(tt.policy, tt.n)
			if gotT != tt.wantT || gotUse != tt.wantUse {
				t.Errorf("Decide(%d) = (%v, %v), want (%v, %v)", tt.n, gotT, gotUse, tt.wantT, tt.wantUse)
			}
		})
	}
}

// For every n >= 1 a non-positive timeout refuses the exchange.
func TestDecideRefusesReuseWithoutTimeout(t *testing.T) {
	for n := 1; n < 64; n++ {
		if _, ok := Decide(Never(), n); ok {
			t.Fatalf("Decide(Never, %d) allowed reuse", n)
		}
	}
}

func TestLimit(t *testing.T) {
	p := Limit(Fixed(time.Second), 2)

	if _, ok := Decide(p, 0); !ok {
		t.Error("exchange 0 refused")
	}
	if _, ok := Decide(p, 1); !ok {
		t.Error("exchange 1 refused")
	}
	if _, ok := Decide(p, 2); ok {
		t.Error("exchange 2 allowed past the limit")
	}

	if Limit(Default, 0) != Default {
		t.Error("Limit with max 0 should return the policy unchanged")
	}
}

func TestLimitOneStillServesFirst(t *testing.T) {
	p := Limit(Fixed(time.Second), 1)
	d, ok := Decide(p, 0)
	if !ok || d != time.Second {
		t.Errorf("Decide(0) = (%v, %v), want (1s, true)", d, ok)
	}
}
