// Package rank allocates priority ranks inside a bucket/section group.
//
// Ranks are dense on allocation but tolerate gaps: deletes never compact.
package rank

import (
	"context"
	"errors"
	"fmt"

	"daybook/internal/bucket"
)

var ErrNegativeRank = errors.New("rank must be non-negative")

// Store is the transactional view the allocator works against.
type Store interface {
	// MaxRank returns the highest rank in g, completed tasks included. ok is
	// false when the group is empty.
	MaxRank(ctx context.Context, g bucket.Group) (max int, ok bool, err error)
	// ShiftRanks adds 1 to every rank >= from in g except excludeID and
	// returns how many tasks moved.
	ShiftRanks(ctx context.Context, g bucket.Group, from int, excludeID string) (int, error)
}

// Trailing returns the rank that places a new task last in g.
func Trailing(ctx context.Context, s Store, g bucket.Group) (int, error) {
	max, ok, err := s.MaxRank(ctx, g)
	if err != nil {
		return 0, fmt.Errorf("max rank %s: %w", g.LockKey(), err)
	}
	if !ok {
		return 0, nil
	}
	return max + 1, nil
}

// InsertAt opens a slot at target by shifting the tail of g down by one.
// The caller writes target onto the moving task afterwards.
func InsertAt(ctx context.Context, s Store, g bucket.Group, target int, excludeID string) error {
	if target < 0 {
		return ErrNegativeRank
	}
	if _, err := s.ShiftRanks(ctx, g, target, excludeID); err != nil {
		return fmt.Errorf("shift ranks %s from %d: %w", g.LockKey(), target, err)
	}
	return nil
}
