package task

import (
	"context"
	"maps"
	"sync"
	"time"

	"daybook/internal/bucket"
	"daybook/internal/model"
)

type ownerTasks = map[model.TaskID]model.Task

// MemoryStore keeps tasks in process memory. Transactions run one at a time;
// a transaction works on a copy of the owner's map that replaces the
// original only on success.
type MemoryStore struct {
	mu     sync.Mutex
	owners map[string]ownerTasks

	// commit, when set, must durably accept the next state before it becomes
	// visible. FileStore uses it to write the data file.
	commit func(next map[string]ownerTasks) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{owners: map[string]ownerTasks{}}
}

func (s *MemoryStore) Atomic(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{ownerID: ownerID, base: s.owners[ownerID]}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	next := maps.Clone(s.owners)
	if len(tx.work) == 0 {
		delete(next, ownerID)
	} else {
		next[ownerID] = tx.work
	}
	if s.commit != nil {
		if err := s.commit(next); err != nil {
			return err
		}
	}
	s.owners = next
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	ownerID string
	base    ownerTasks
	work    ownerTasks
	dirty   bool
}

func (tx *memTx) tasks() ownerTasks {
	if tx.work != nil {
		return tx.work
	}
	return tx.base
}

// writable copies the owner's map on first write. Entries are replaced
// whole, never mutated in place, so a shallow copy is enough.
func (tx *memTx) writable() ownerTasks {
	if tx.work == nil {
		tx.work = make(ownerTasks, len(tx.base)+1)
		maps.Copy(tx.work, tx.base)
	}
	tx.dirty = true
	return tx.work
}

func (tx *memTx) Lock(context.Context, ...string) error { return nil }

func (tx *memTx) Get(_ context.Context, id model.TaskID) (model.Task, error) {
	t, ok := tx.tasks()[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (tx *memTx) List(_ context.Context, f bucket.Filter) ([]model.Task, error) {
	out := make([]model.Task, 0)
	for _, t := range tx.tasks() {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (tx *memTx) CountActive(_ context.Context, g bucket.Group, excludeID string) (int, error) {
	f := g.Filter()
	n := 0
	for _, t := range tx.tasks() {
		if t.ID != excludeID && t.Active() && f.Matches(t) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) MaxRank(_ context.Context, g bucket.Group) (int, bool, error) {
	f := g.Filter()
	max, ok := 0, false
	for _, t := range tx.tasks() {
		if f.Matches(t) && (!ok || t.Rank > max) {
			max, ok = t.Rank, true
		}
	}
	return max, ok, nil
}

func (tx *memTx) ShiftRanks(_ context.Context, g bucket.Group, from int, excludeID string) (int, error) {
	f := g.Filter()
	var ids []model.TaskID
	for id, t := range tx.tasks() {
		if id != excludeID && t.Rank >= from && f.Matches(t) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	w := tx.writable()
	for _, id := range ids {
		t := w[id].Clone()
		t.Rank++
		w[id] = t
	}
	return len(ids), nil
}

func (tx *memTx) Insert(_ context.Context, t model.Task) error {
	w := tx.writable()
	w[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) Replace(_ context.Context, t model.Task, expectedVersion int) error {
	cur, ok := tx.tasks()[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return errStaleWrite
	}
	tx.writable()[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) Delete(_ context.Context, id model.TaskID) error {
	if _, ok := tx.tasks()[id]; !ok {
		return ErrNotFound
	}
	delete(tx.writable(), id)
	return nil
}

func (tx *memTx) DeleteCompleted(context.Context) (int, error) {
	var ids []model.TaskID
	for id, t := range tx.tasks() {
		if t.Completed {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	w := tx.writable()
	for _, id := range ids {
		delete(w, id)
	}
	return len(ids), nil
}

func (tx *memTx) Advance(_ context.Context, scope model.Scope, to model.Day, now time.Time) (int, error) {
	var ids []model.TaskID
	for id, t := range tx.tasks() {
		if t.Scope != scope || !t.Active() {
			continue
		}
		if key, ok := t.BucketKey(); ok && key.Before(to) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	w := tx.writable()
	for _, id := range ids {
		t := w[id].Clone()
		t.SetBucket(scope, to)
		t.Version++
		t.UpdatedAt = now
		w[id] = t
	}
	return len(ids), nil
}
