package model

import (
	"slices"
	"time"
)

type TaskID = string

type Section string

const (
	SectionTopPriority Section = "topPriority"
	SectionSecondary   Section = "secondary"
	SectionMust        Section = "must"
	SectionShould      Section = "should"
	SectionCould       Section = "could"
	SectionWont        Section = "wont"
)

// Sections lists every section in display order.
var Sections = []Section{
	SectionTopPriority,
	SectionSecondary,
	SectionMust,
	SectionShould,
	SectionCould,
	SectionWont,
}

func (s Section) Valid() bool { return slices.Contains(Sections, s) }

// Order is the display position of the section, or len(Sections) if unknown.
func (s Section) Order() int {
	if i := slices.Index(Sections, s); i >= 0 {
		return i
	}
	return len(Sections)
}

type Scope string

const (
	ScopeDaily     Scope = "daily"
	ScopeWeekly    Scope = "weekly"
	ScopeMonthly   Scope = "monthly"
	ScopeQuarterly Scope = "quarterly"
	ScopeYearly    Scope = "yearly"
	ScopeRandom    Scope = "random"
)

var Scopes = []Scope{
	ScopeDaily,
	ScopeWeekly,
	ScopeMonthly,
	ScopeQuarterly,
	ScopeYearly,
	ScopeRandom,
}

// BucketedScopes are the scopes that carry a bucket key, in rollover order.
var BucketedScopes = []Scope{
	ScopeDaily,
	ScopeWeekly,
	ScopeMonthly,
	ScopeQuarterly,
	ScopeYearly,
}

func (s Scope) Valid() bool { return slices.Contains(Scopes, s) }

// Bucketed reports whether tasks of this scope live in a dated bucket.
func (s Scope) Bucketed() bool { return s.Valid() && s != ScopeRandom }

// Periodic reports whether the bucket key is a period start (weekly and up).
func (s Scope) Periodic() bool { return s.Bucketed() && s != ScopeDaily }

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityMinimal  Priority = "minimal"
)

var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityMinimal,
}

func (p Priority) Valid() bool { return slices.Contains(Priorities, p) }

type Task struct {
	ID          TaskID   `json:"id"`
	OwnerID     string   `json:"ownerId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Section     Section  `json:"section"`
	Scope       Scope    `json:"scope"`
	Date        *Day     `json:"date,omitempty"`        // daily bucket
	PeriodStart *Day     `json:"periodStart,omitempty"` // weekly..yearly bucket
	Rank        int      `json:"priorityRank"`
	Priority    Priority `json:"priority"`
	Completed   bool     `json:"completed"`
	Tags        []string `json:"tags"`
	EstimateMin *int     `json:"estimateMin,omitempty"`
	Version     int      `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BucketKey returns the populated bucket field for the task's scope.
func (t Task) BucketKey() (Day, bool) {
	switch {
	case t.Scope == ScopeDaily && t.Date != nil:
		return *t.Date, true
	case t.Scope.Periodic() && t.PeriodStart != nil:
		return *t.PeriodStart, true
	default:
		return Day{}, false
	}
}

// SetBucket moves the task to scope/key, populating only the field that
// applies to scope and clearing the other one.
func (t *Task) SetBucket(scope Scope, key Day) {
	t.Scope = scope
	t.Date = nil
	t.PeriodStart = nil
	if key.IsZero() {
		return
	}
	k := key
	switch {
	case scope == ScopeDaily:
		t.Date = &k
	case scope.Periodic():
		t.PeriodStart = &k
	}
}

// Active tasks compete for capacity-limited slots.
func (t Task) Active() bool { return !t.Completed }

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	c := t
	if t.Date != nil {
		d := *t.Date
		c.Date = &d
	}
	if t.PeriodStart != nil {
		d := *t.PeriodStart
		c.PeriodStart = &d
	}
	if t.EstimateMin != nil {
		v := *t.EstimateMin
		c.EstimateMin = &v
	}
	c.Tags = append([]string{}, t.Tags...)
	return c
}

func (t *Task) Normalize() {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
}
