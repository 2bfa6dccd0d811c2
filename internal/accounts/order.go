package accounts

import (
	"math"
	"sort"
	"time"

	"github.com/compresr/relay-gateway/internal/config"
)

// candidate is a point-in-time view of one pool entry used for ordering.
type candidate struct {
	entry      *entry
	id         string
	tier       Tier
	health     float64
	resetTime  time.Time
	active     int
	quota      float64
	overloaded bool
}

// sortCandidates orders candidates by scheduling priority:
//  1. not over the tier concurrency ceiling
//  2. tier descending
//  3. health descending
//  4. quota reset time ascending, bucketed into ResetTimeTieWindow slots;
//     an unknown reset time sorts after every known one
//  5. active connections ascending
//  6. remaining quota descending
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.overloaded != b.overloaded {
			return !a.overloaded
		}
		if a.tier.rank() != b.tier.rank() {
			return a.tier.rank() > b.tier.rank()
		}
		if a.health != b.health {
			return a.health > b.health
		}
		if ra, rb := resetBucket(a.resetTime), resetBucket(b.resetTime); ra != rb {
			return ra < rb
		}
		if a.active != b.active {
			return a.active < b.active
		}
		return a.quota > b.quota
	})
}

// resetBucket maps a reset time onto its ResetTimeTieWindow slot.
func resetBucket(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return t.UnixNano() / int64(config.ResetTimeTieWindow)
}

// priorityBand returns how many leading candidates share the head's overload
// class and tier, capped at P2CPoolSize.
func priorityBand(cs []candidate) int {
	if len(cs) == 0 {
		return 0
	}
	head := cs[0]
	n := 1
	for n < len(cs) && n < config.P2CPoolSize {
		c := cs[n]
		if c.overloaded != head.overloaded || c.tier != head.tier {
			break
		}
		n++
	}
	return n
}

// p2cOrder moves the power-of-two-choices winner to the front. The remaining
// candidates keep their sorted order as fallbacks.
func p2cOrder(cs []candidate, intn func(int) int) []candidate {
	band := priorityBand(cs)
	if band < 2 {
		return cs
	}
	i := intn(band)
	j := intn(band - 1)
	if j >= i {
		j++
	}
	winner := i
	if cs[j].quota > cs[i].quota || (cs[j].quota == cs[i].quota && j < i) {
		winner = j
	}
	out := make([]candidate, 0, len(cs))
	out = append(out, cs[winner])
	for k, c := range cs {
		if k != winner {
			out = append(out, c)
		}
	}
	return out
}

// roundRobinOrder rotates the sorted list so it starts at cursor and wraps once.
func roundRobinOrder(cs []candidate, cursor uint64) []candidate {
	if len(cs) < 2 {
		return cs
	}
	start := int(cursor % uint64(len(cs)))
	out := make([]candidate, 0, len(cs))
	out = append(out, cs[start:]...)
	out = append(out, cs[:start]...)
	return out
}
