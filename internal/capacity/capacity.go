// Package capacity enforces the per-bucket limits on priority sections.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

const (
	TopPriorityLimit = 1
	SecondaryLimit   = 3
)

var ErrExceeded = errors.New("capacity exceeded")

// ExceededError reports which section is full and its limit.
type ExceededError struct {
	Section model.Section
	Limit   int
	Bucket  bucket.Bucket
}

func (e *ExceededError) Error() string {
	noun := "tasks"
	if e.Limit == 1 {
		noun = "task"
	}
	return fmt.Sprintf("capacity limit: max %d %s %s per %s bucket", e.Limit, e.Section, noun, e.Bucket)
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// Counter counts non-completed tasks of a group, ignoring excludeID.
type Counter interface {
	CountActive(ctx context.Context, g bucket.Group, excludeID string) (int, error)
}

// Limit returns the section's capacity; unlimited sections report false.
func Limit(section model.Section) (int, bool) {
	switch section {
	case model.SectionTopPriority:
		return TopPriorityLimit, true
	case model.SectionSecondary:
		return SecondaryLimit, true
	default:
		return 0, false
	}
}

// Limited reports whether a task in g competes for a limited slot.
func Limited(g bucket.Group) bool {
	if !g.Scope.Bucketed() {
		return false
	}
	_, ok := Limit(g.Section)
	return ok
}

// Check rejects adding one more active task to g when the group is full.
func Check(ctx context.Context, c Counter, g bucket.Group, excludeID string) error {
	if !Limited(g) {
		return nil
	}
	limit, _ := Limit(g.Section)
	n, err := c.CountActive(ctx, g, excludeID)
	if err != nil {
		return fmt.Errorf("count %s: %w", g.LockKey(), err)
	}
	if n >= limit {
		return &ExceededError{Section: g.Section, Limit: limit, Bucket: g.Bucket}
	}
	return nil
}

// Overflow returns how far each limited section of tasks (all from one
// bucket) is over its limit. Sections within their limit are omitted.
func Overflow(tasks []model.Task) map[model.Section]int {
	counts := map[model.Section]int{}
	for _, t := range tasks {
		if t.Active() {
			counts[t.Section]++
		}
	}
	out := map[model.Section]int{}
	for section, n := range counts {
		if limit, ok := Limit(section); ok && n > limit {
			out[section] = n - limit
		}
	}
	return out
}
