package task

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

// Store runs owner-scoped transactions. Every implementation applies all of
// fn's writes or none of them.
type Store interface {
	Atomic(ctx context.Context, ownerID string, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of one owner's tasks inside a transaction. It satisfies
// capacity.Counter and rank.Store.
type Tx interface {
	// Lock takes a store-level lock on each group key for the rest of the
	// transaction. Stores serialized by other means treat it as a no-op.
	Lock(ctx context.Context, keys ...string) error

	Get(ctx context.Context, id model.TaskID) (model.Task, error)
	List(ctx context.Context, f bucket.Filter) ([]model.Task, error)

	CountActive(ctx context.Context, g bucket.Group, excludeID string) (int, error)
	MaxRank(ctx context.Context, g bucket.Group) (int, bool, error)
	ShiftRanks(ctx context.Context, g bucket.Group, from int, excludeID string) (int, error)

	Insert(ctx context.Context, t model.Task) error
	// Replace overwrites t if the stored version still equals expectedVersion.
	Replace(ctx context.Context, t model.Task, expectedVersion int) error
	Delete(ctx context.Context, id model.TaskID) error
	DeleteCompleted(ctx context.Context) (int, error)

	// Advance re-keys every non-completed task of scope whose key is earlier
	// than to, bumping its version and updated time.
	Advance(ctx context.Context, scope model.Scope, to model.Day, now time.Time) (int, error)
}

func newID() model.TaskID {
	return uuid.NewString()
}

// sortTasks orders by section display order, then rank, then creation time.
func sortTasks(ts []model.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Section.Order() != b.Section.Order() {
			return a.Section.Order() < b.Section.Order()
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
