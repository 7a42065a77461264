package task

import (
	"context"
	"errors"
	"fmt"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

const MaxImportTasks = 1000

type ImportMode string

const (
	ImportMerge     ImportMode = "merge"
	ImportOverwrite ImportMode = "overwrite"
)

// ImportFailure is one task the import could not write.
type ImportFailure struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ImportReport struct {
	Mode    ImportMode      `json:"mode"`
	Deleted int             `json:"deleted"`
	Created int             `json:"created"`
	Updated int             `json:"updated"`
	Skipped []ImportFailure `json:"skipped"`
}

// Import writes tasks for owner. Overwrite first deletes every task of the
// owner. Merge updates the task with the same title in the same bucket and
// creates the rest. Every write goes through Create or Update, so capacity
// and rank rules hold; a task refused by them is reported in Skipped. The
// whole batch is validated before anything is written.
func (s *Service) Import(ctx context.Context, ownerID string, mode ImportMode, tasks []CreateInput) (rep ImportReport, err error) {
	ctx, done := s.observe(ctx, "import", ownerID)
	defer done(&err)

	if mode == "" {
		mode = ImportMerge
	}
	if mode != ImportMerge && mode != ImportOverwrite {
		return ImportReport{}, invalid("mode", "must be %q or %q", ImportMerge, ImportOverwrite)
	}
	if len(tasks) > MaxImportTasks {
		return ImportReport{}, invalid("tasks", "at most %d tasks per import", MaxImportTasks)
	}
	keys := make([]string, len(tasks))
	for i, in := range tasks {
		t, err := s.buildNew(ownerID, in)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				field := fmt.Sprintf("tasks[%d]", i)
				if verr.Field != "" {
					field += "." + verr.Field
				}
				return ImportReport{}, invalid(field, "%s", verr.Msg)
			}
			return ImportReport{}, err
		}
		if in.Rank != nil && *in.Rank < 0 {
			return ImportReport{}, invalid(fmt.Sprintf("tasks[%d].priorityRank", i), "must be non-negative")
		}
		keys[i] = importKey(t)
	}

	rep = ImportReport{Mode: mode, Skipped: []ImportFailure{}}
	existing := map[string]model.Task{}
	if mode == ImportOverwrite {
		if rep.Deleted, err = s.DeleteAll(ctx, ownerID); err != nil {
			return ImportReport{}, err
		}
	} else {
		var current []model.Task
		err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
			var lerr error
			current, lerr = tx.List(ctx, bucket.Filter{OwnerID: ownerID})
			return lerr
		})
		if err != nil {
			return ImportReport{}, err
		}
		for _, t := range current {
			if _, dup := existing[importKey(t)]; !dup {
				existing[importKey(t)] = t
			}
		}
	}

	for i, in := range tasks {
		var werr error
		var t model.Task
		if cur, ok := existing[keys[i]]; ok {
			t, werr = s.Update(ctx, ownerID, cur.ID, nil, importPatch(cur, in))
			if werr == nil {
				rep.Updated++
				existing[keys[i]] = t
			}
		} else {
			t, werr = s.Create(ctx, ownerID, in)
			if werr == nil {
				rep.Created++
				existing[keys[i]] = t
			}
		}
		switch Code(werr) {
		case "ok":
		case "capacity_exceeded", "not_found", "version_conflict":
			rep.Skipped = append(rep.Skipped, ImportFailure{Index: i, Title: in.Title, Code: Code(werr), Error: werr.Error()})
		default:
			return rep, werr
		}
	}
	s.log.InfoContext(ctx, "tasks imported", "owner_id", ownerID, "mode", mode,
		"deleted", rep.Deleted, "created", rep.Created, "updated", rep.Updated, "skipped", len(rep.Skipped))
	return rep, nil
}

// importKey identifies a task for merging: title within its bucket.
func importKey(t model.Task) string {
	return bucket.Of(t).String() + "\x00" + t.Title
}

// importPatch overwrites cur with in. A requested rank is dropped when the
// section changes, since the task then takes the trailing rank of its new
// group.
func importPatch(cur model.Task, in CreateInput) Patch {
	p := Patch{
		Description: &in.Description,
		Section:     &in.Section,
		Completed:   &in.Completed,
		EstimateMin: in.EstimateMin,
	}
	if in.Section == cur.Section {
		p.Rank = in.Rank
	}
	if in.Priority != "" {
		p.Priority = &in.Priority
	}
	if in.Tags != nil {
		p.Tags = &in.Tags
	}
	return p
}

// DeleteAll removes every task of owner in one transaction.
func (s *Service) DeleteAll(ctx context.Context, ownerID string) (n int, err error) {
	ctx, done := s.observe(ctx, "delete_all", ownerID)
	defer done(&err)

	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		all, err := tx.List(ctx, bucket.Filter{OwnerID: ownerID})
		if err != nil {
			return err
		}
		for _, t := range all {
			if err := tx.Delete(ctx, t.ID); err != nil {
				return err
			}
		}
		n = len(all)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.InfoContext(ctx, "all tasks deleted", "owner_id", ownerID, "count", n)
	}
	return n, nil
}
