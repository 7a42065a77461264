package task

import (
	"context"
	"math"
	"slices"
	"sort"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

const DefaultUpcomingLimit = 10

type Stats struct {
	TotalTasks     int                 `json:"totalTasks"`
	CompletedTasks int                 `json:"completedTasks"`
	CompletionRate int                 `json:"completionRate"` // rounded percent
	ByScope        map[model.Scope]int `json:"byScope"`
}

func (s *Service) Stats(ctx context.Context, ownerID string) (st Stats, err error) {
	ctx, done := s.observe(ctx, "stats", ownerID)
	defer done(&err)

	var tasks []model.Task
	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		var lerr error
		tasks, lerr = tx.List(ctx, bucket.Filter{OwnerID: ownerID})
		return lerr
	})
	if err != nil {
		return Stats{}, err
	}
	st.ByScope = make(map[model.Scope]int)
	for _, t := range tasks {
		st.TotalTasks++
		st.ByScope[t.Scope]++
		if t.Completed {
			st.CompletedTasks++
		}
	}
	if st.TotalTasks > 0 {
		st.CompletionRate = int(math.Round(float64(st.CompletedTasks) * 100 / float64(st.TotalTasks)))
	}
	return st, nil
}

type Upcoming struct {
	Overdue  []model.Task `json:"overdue"`
	Upcoming []model.Task `json:"upcoming"`
}

// Upcoming lists incomplete daily tasks: overdue ones (before today) first,
// then today and later, together at most limit tasks.
func (s *Service) Upcoming(ctx context.Context, ownerID string, today model.Day, limit int) (up Upcoming, err error) {
	ctx, done := s.observe(ctx, "upcoming", ownerID)
	defer done(&err)

	if today.IsZero() {
		return Upcoming{}, invalid("date", "required")
	}
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	daily, open := model.ScopeDaily, false
	var tasks []model.Task
	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		var lerr error
		tasks, lerr = tx.List(ctx, bucket.Filter{OwnerID: ownerID, Scope: &daily, Completed: &open})
		return lerr
	})
	if err != nil {
		return Upcoming{}, err
	}
	// Records with a lost bucket key cannot be placed on the timeline.
	tasks = slices.DeleteFunc(tasks, func(t model.Task) bool { return t.Date == nil })
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.Date.Equal(*b.Date) {
			return a.Date.Before(*b.Date)
		}
		if a.Section.Order() != b.Section.Order() {
			return a.Section.Order() < b.Section.Order()
		}
		return a.Rank < b.Rank
	})
	up = Upcoming{Overdue: []model.Task{}, Upcoming: []model.Task{}}
	for _, t := range tasks {
		if len(up.Overdue)+len(up.Upcoming) == limit {
			break
		}
		if t.Date.Before(today) {
			up.Overdue = append(up.Overdue, t)
		} else {
			up.Upcoming = append(up.Upcoming, t)
		}
	}
	return up, nil
}

// ClearCompleted deletes every completed task of the owner.
func (s *Service) ClearCompleted(ctx context.Context, ownerID string) (n int, err error) {
	ctx, done := s.observe(ctx, "clear_completed", ownerID)
	defer done(&err)

	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		var derr error
		n, derr = tx.DeleteCompleted(ctx)
		return derr
	})
	if err == nil && n > 0 {
		s.log.InfoContext(ctx, "completed tasks cleared", "owner_id", ownerID, "count", n)
	}
	return n, err
}
