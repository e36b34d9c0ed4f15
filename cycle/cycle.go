/*
Package cycle maps wall-clock instants to canonical cycle keys.

PURPOSE:
  A "cycle" is one logical day. Snapshots and daily redeem records are
  partitioned by the cycle key, so every component must agree on which
  key an instant belongs to. This package is the only place that decides.

POLICIES:
  calendar_day: the local calendar date in a fixed timezone
  rollover:     a day runs from RolloverHour to RolloverHour local time;
                before the rollover hour an instant still belongs to the
                previous calendar date (e.g. 06:00-06:00 operational days)

PURITY:
  Resolve and Bounds have no side effects and no I/O. For a fixed policy
  and instant the result never changes.

SHARED POLICY:
  The Resolver holds the one policy value the application runs with. It
  is constructed once from config and injected into the leaderboard,
  redeem, gifts and countdown services so they cannot disagree.

SEE ALSO:
  - core/records.go: CycleKey
  - config/config.go: Cycle section
*/
package cycle

import (
	"fmt"
	"time"

	"github.com/warp/progress-engine/core"
)

// =============================================================================
// POLICY
// =============================================================================

type PolicyKind string

const (
	PolicyCalendarDay PolicyKind = "calendar_day"
	PolicyRollover    PolicyKind = "rollover"
)

type Policy struct {
	Kind         PolicyKind
	Location     *time.Location // nil = UTC
	RolloverHour int            // rollover only, 0-23
}

// CalendarDay returns a midnight-to-midnight policy in loc.
func CalendarDay(loc *time.Location) Policy {
	return Policy{Kind: PolicyCalendarDay, Location: loc}
}

// RolloverAt returns a policy whose days start at hour in loc.
func RolloverAt(hour int, loc *time.Location) Policy {
	return Policy{Kind: PolicyRollover, Location: loc, RolloverHour: hour}
}

// ParsePolicy builds a policy from configuration values.
func ParsePolicy(kind, timezone string, rolloverHour int) (Policy, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Policy{}, core.Invalid("cycle.timezone", fmt.Sprintf("unknown timezone %q", timezone))
	}
	p := Policy{Kind: PolicyKind(kind), Location: loc, RolloverHour: rolloverHour}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyCalendarDay:
		return nil
	case PolicyRollover:
		if p.RolloverHour < 0 || p.RolloverHour > 23 {
			return core.Invalid("cycle.rollover_hour", "must be between 0 and 23")
		}
		return nil
	default:
		return core.Invalid("cycle.policy", fmt.Sprintf("unknown policy %q", p.Kind))
	}
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// startHour is the local hour at which a cycle begins.
func (p Policy) startHour() int {
	if p.Kind == PolicyRollover {
		return p.RolloverHour
	}
	return 0
}

func (p Policy) String() string {
	if p.Kind == PolicyRollover {
		return fmt.Sprintf("%s@%02d:00 %s", p.Kind, p.RolloverHour, p.location())
	}
	return fmt.Sprintf("%s %s", p.Kind, p.location())
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve returns the cycle key that instant belongs to under p.
func Resolve(instant time.Time, p Policy) core.CycleKey {
	local := instant.In(p.location())
	y, m, d := local.Date()
	if p.Kind == PolicyRollover && local.Hour() < p.RolloverHour {
		d--
	}
	// Noon UTC keeps the date arithmetic clear of DST edges.
	return core.KeyOf(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

// Bounds returns the half-open window [start, end) of instants that
// resolve to key. Windows are 23 or 25 hours long across DST changes.
func Bounds(key core.CycleKey, p Policy) (start, end time.Time) {
	date := key.Date()
	y, m, d := date.Date()
	h := p.startHour()
	loc := p.location()
	start = time.Date(y, m, d, h, 0, 0, 0, loc)
	end = time.Date(y, m, d+1, h, 0, 0, 0, loc)
	return start, end
}

// =============================================================================
// RESOLVER - The shared policy holder
// =============================================================================

type Resolver struct {
	policy Policy
	clock  core.Clock
}

func NewResolver(p Policy, clock core.Clock) (*Resolver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Resolver{policy: p, clock: clock}, nil
}

// MustResolver panics on an invalid policy. Use in tests.
func MustResolver(p Policy, clock core.Clock) *Resolver {
	r, err := NewResolver(p, clock)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Resolver) Policy() Policy { return r.policy }
func (r *Resolver) Clock() core.Clock { return r.clock }
func (r *Resolver) Now() time.Time { return r.clock.Now() }

// Current returns the key of the cycle containing now.
func (r *Resolver) Current() core.CycleKey { return Resolve(r.clock.Now(), r.policy) }

func (r *Resolver) Resolve(t time.Time) core.CycleKey { return Resolve(t, r.policy) }

func (r *Resolver) Bounds(key core.CycleKey) (time.Time, time.Time) { return Bounds(key, r.policy) }

// IsClosed reports whether key's window has fully elapsed.
func (r *Resolver) IsClosed(key core.CycleKey) bool {
	_, end := r.Bounds(key)
	return !r.clock.Now().Before(end)
}

// IsFuture reports whether key starts after the current cycle.
func (r *Resolver) IsFuture(key core.CycleKey) bool {
	return key.After(r.Current())
}
