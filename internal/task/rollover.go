package task

import (
	"context"
	"fmt"
	"sort"

	"daybook/internal/bucket"
	"daybook/internal/capacity"
	"daybook/internal/model"
)

// Overflow is a destination section left over its limit by a rollover.
type Overflow struct {
	Scope   model.Scope   `json:"scope"`
	Key     model.Day     `json:"key"`
	Section model.Section `json:"section"`
	Excess  int           `json:"excess"`
}

type RolloverReport struct {
	Date         model.Day           `json:"date"`
	Moved        map[model.Scope]int `json:"moved"`
	OverCapacity []Overflow          `json:"overCapacity"`
}

// Rollover moves every incomplete task from a past bucket into the bucket
// containing today, one transaction per scope. Capacity is not enforced;
// sections that end up over their limit are reported and logged.
func (s *Service) Rollover(ctx context.Context, ownerID string, today model.Day) (rep RolloverReport, err error) {
	ctx, done := s.observe(ctx, "rollover", ownerID)
	defer done(&err)

	if today.IsZero() {
		return RolloverReport{}, invalid("date", "required")
	}
	rep = RolloverReport{
		Date:         today,
		Moved:        make(map[model.Scope]int, len(model.BucketedScopes)),
		OverCapacity: []Overflow{},
	}
	for _, scope := range model.BucketedScopes {
		key, _ := bucket.Resolve(scope, today)
		var (
			moved int
			over  []Overflow
		)
		err := s.store.Atomic(ctx, ownerID, func(tx Tx) error {
			n, err := tx.Advance(ctx, scope, key, s.now().UTC())
			if err != nil {
				return err
			}
			moved, over = n, nil
			if n == 0 {
				return nil
			}
			tasks, err := tx.List(ctx, bucket.ForBucket(ownerID, bucket.Bucket{Scope: scope, Key: key}))
			if err != nil {
				return err
			}
			for section, excess := range capacity.Overflow(tasks) {
				over = append(over, Overflow{Scope: scope, Key: key, Section: section, Excess: excess})
			}
			sort.Slice(over, func(i, j int) bool { return over[i].Section.Order() < over[j].Section.Order() })
			return nil
		})
		if err != nil {
			return RolloverReport{}, fmt.Errorf("rollover %s: %w", scope, err)
		}
		rep.Moved[scope] = moved
		s.metrics.RolloverMoved(ctx, string(scope), moved)
		for _, o := range over {
			s.log.WarnContext(ctx, "rollover left section over capacity",
				"owner_id", ownerID, "scope", o.Scope, "key", o.Key.String(), "section", o.Section, "excess", o.Excess)
			s.metrics.RolloverOverCapacity(ctx, string(o.Scope), string(o.Section))
		}
		rep.OverCapacity = append(rep.OverCapacity, over...)
	}
	s.log.InfoContext(ctx, "rollover complete", "owner_id", ownerID, "date", today.String(),
		"daily", rep.Moved[model.ScopeDaily], "weekly", rep.Moved[model.ScopeWeekly],
		"monthly", rep.Moved[model.ScopeMonthly], "quarterly", rep.Moved[model.ScopeQuarterly],
		"yearly", rep.Moved[model.ScopeYearly])
	return rep, nil
}
