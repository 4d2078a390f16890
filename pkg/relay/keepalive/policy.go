// Package keepalive maps a connection's reuse count to the idle timeout
// allowed before its next request.
package keepalive

import "time"

// Policy returns how long a connection may stay idle before exchange number
// reuse (0 for the first exchange). A value <= 0 means the connection must
// not be reused.
type Policy interface {
	Timeout(reuse int) time.Duration
}

// PolicyFunc adapts an ordinary function to a Policy.
type PolicyFunc func(reuse int) time.Duration

// Timeout calls f(reuse).
func (f PolicyFunc) Timeout(reuse int) time.Duration {
	return f(reuse)
}

// Tiered gives the first exchange one timeout and every reuse another.
type Tiered struct {
	First time.Duration
	Reuse time.Duration
}

// Timeout implements Policy.
func (t Tiered) Timeout(reuse int) time.Duration {
	if reuse == 0 {
		return t.First
	}
	return t.Reuse
}

// Default waits 30 seconds for the first request and 5 seconds for each
// request after that.
var Default Policy = Tiered{First: 30 * time.Second, Reuse: 5 * time.Second}

// Fixed applies the same timeout to every exchange.
func Fixed(d time.Duration) Policy {
	return Tiered{First: d, Reuse: d}
}

// Never disables reuse. The first exchange is still served, with no read
// deadline.
func Never() Policy {
	return Tiered{}
}

// Limit caps the number of exchanges served on one connection. After max
// exchanges the wrapped policy is no longer consulted and reuse stops.
// A max <= 0 leaves p unchanged.
func Limit(p Policy, max int) Policy {
	if max <= 0 {
		return p
	}
	return PolicyFunc(func(reuse int) time.Duration {
		if reuse >= max {
			return 0
		}
		return p.Timeout(reuse)
	})
}

// Decide applies p to reuse count n. It reports the read timeout to use and
// whether exchange n may be attempted at all.
//
// A positive timeout always allows the exchange. A timeout <= 0 only allows
// the very first exchange (n == 0), which then runs without a deadline.
func Decide(p Policy, n int) (time.Duration, bool) {
	t := p.Timeout(n)
	if t <= 0 {
		return 0, n == 0
	}
	return t, true
}
