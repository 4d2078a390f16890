package session

import "errors"

// ErrBudgetExceeded indicates that the bytes requested would exceed what is
// left of the connection's request budget.
var ErrBudgetExceeded = errors.New("session: request budget exceeded")

// Budget is the number of request bytes a connection may still consume.
// It is created once per connection and shared by all of its exchanges, so
// many small keep-alive requests cannot add up to more than one maximum
// request. A Budget is owned by a single session and is not safe for
// concurrent use.
type Budget struct {
	remaining int64
}

// NewBudget returns a budget holding max bytes.
func NewBudget(max int64) *Budget {
	if max < 0 {
		max = 0
	}
	return &Budget{remaining: max}
}

// Remaining returns the number of bytes still available.
func (b *Budget) Remaining() int64 {
	return b.remaining
}

// Consume charges n bytes. It fails without charging anything when fewer
// than n bytes remain.
func (b *Budget) Consume(n int64) error {
	if n < 0 || n > b.remaining {
		return ErrBudgetExceeded
	}
	b.remaining -= n
	return nil
}

// Clamp returns the smaller of limit and the remaining budget.
func (b *Budget) Clamp(limit int) int {
	if int64(limit) > b.remaining {
		return int(b.remaining)
	}
	return limit
}
