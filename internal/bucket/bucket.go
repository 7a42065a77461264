// Package bucket maps tasks onto the time-scoped buckets they are listed,
// ranked and capacity-checked in.
package bucket

import (
	"strings"
	"time"

	"daybook/internal/model"
)

// Resolve returns the canonical bucket key for ref under scope. Random (and
// unknown) scopes have no key.
func Resolve(scope model.Scope, ref model.Day) (model.Day, bool) {
	if ref.IsZero() {
		return model.Day{}, false
	}
	t := ref.Time()
	switch scope {
	case model.ScopeDaily:
		return ref, true
	case model.ScopeWeekly:
		// ISO weeks start on Monday; Sunday is day 7.
		offset := (int(t.Weekday()) + 6) % 7
		return ref.AddDays(-offset), true
	case model.ScopeMonthly:
		return model.NewDay(t.Year(), t.Month(), 1), true
	case model.ScopeQuarterly:
		first := time.Month((int(t.Month())-1)/3*3 + 1)
		return model.NewDay(t.Year(), first, 1), true
	case model.ScopeYearly:
		return model.NewDay(t.Year(), time.January, 1), true
	default:
		return model.Day{}, false
	}
}

// Bucket identifies a (scope, key) pair. Key is zero for random scope.
type Bucket struct {
	Scope model.Scope
	Key   model.Day
}

func Of(t model.Task) Bucket {
	key, _ := t.BucketKey()
	return Bucket{Scope: t.Scope, Key: key}
}

// Same reports whether a and b are the same bucket: equal scope and exactly
// equal key.
func Same(a, b Bucket) bool {
	return a.Scope == b.Scope && a.Key.Equal(b.Key)
}

func (b Bucket) String() string {
	if b.Key.IsZero() {
		return string(b.Scope)
	}
	return string(b.Scope) + "/" + b.Key.String()
}

// Group is the unit of rank ordering and capacity accounting.
type Group struct {
	OwnerID string
	Bucket
	Section model.Section
}

func GroupOf(t model.Task) Group {
	return Group{OwnerID: t.OwnerID, Bucket: Of(t), Section: t.Section}
}

func (g Group) Equal(o Group) bool {
	return g.OwnerID == o.OwnerID && Same(g.Bucket, o.Bucket) && g.Section == o.Section
}

// LockKey is a stable string form of the group, used for lock names.
func (g Group) LockKey() string {
	return strings.Join([]string{g.OwnerID, string(g.Scope), g.Bucket.Key.String(), string(g.Section)}, "|")
}

func (g Group) Filter() Filter {
	f := ForBucket(g.OwnerID, g.Bucket)
	s := g.Section
	f.Section = &s
	return f
}

// Filter is the task query predicate shared by every store. Nil fields match
// anything.
type Filter struct {
	OwnerID   string
	Scope     *model.Scope
	Key       *model.Day
	NoKey     bool // match only tasks without a bucket key (random scope)
	Section   *model.Section
	Completed *bool
}

// ForBucket matches every task in b for owner. Random scope matches on owner
// and scope only.
func ForBucket(ownerID string, b Bucket) Filter {
	scope := b.Scope
	f := Filter{OwnerID: ownerID, Scope: &scope}
	if !b.Scope.Bucketed() {
		f.NoKey = true
		return f
	}
	key := b.Key
	f.Key = &key
	return f
}

func (f Filter) Matches(t model.Task) bool {
	if t.OwnerID != f.OwnerID {
		return false
	}
	if f.Scope != nil && t.Scope != *f.Scope {
		return false
	}
	key, hasKey := t.BucketKey()
	if f.NoKey && hasKey {
		return false
	}
	if f.Key != nil && (!hasKey || !key.Equal(*f.Key)) {
		return false
	}
	if f.Section != nil && t.Section != *f.Section {
		return false
	}
	if f.Completed != nil && t.Completed != *f.Completed {
		return false
	}
	return true
}
