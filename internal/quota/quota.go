// Package quota tracks cumulative output for one in-flight command.
package quota

import "errors"

// ErrLimitExceeded is returned by emitters once a command's output cap is
// breached. Nothing is forwarded after it.
var ErrLimitExceeded = errors.New("output limit exceeded")

// Check adds a chunk of size n to emitted and reports the new total and
// whether it is still within max. A max of zero or less means unlimited.
func Check(emitted int64, n int, max int64) (int64, bool) {
	total := emitted + int64(n)
	if max <= 0 {
		return total, true
	}
	return total, total <= max
}

// Guard is a Check accumulator scoped to one command. It is not safe for
// concurrent use; each command loop owns its own.
type Guard struct {
	max      int64
	emitted  int64
	breached bool
}

func NewGuard(max int64) *Guard {
	return &Guard{max: max}
}

// Allow accounts for a chunk and reports whether it may be forwarded. Once a
// chunk is refused every later call is refused too.
func (g *Guard) Allow(n int) bool {
	if g.breached {
		return false
	}
	total, ok := Check(g.emitted, n, g.max)
	if !ok {
		g.breached = true
		return false
	}
	g.emitted = total
	return true
}

// Emitted is the number of bytes forwarded so far.
func (g *Guard) Emitted() int64 { return g.emitted }

func (g *Guard) Max() int64 { return g.max }

func (g *Guard) Breached() bool { return g.breached }
