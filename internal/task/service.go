package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"daybook/internal/bucket"
	"daybook/internal/capacity"
	"daybook/internal/grouplock"
	"daybook/internal/model"
	"daybook/internal/rank"
	"daybook/internal/telemetry"
)

// maxReplan bounds how often a write re-plans its lock set after the task
// moved between the planning read and the locked transaction.
const maxReplan = 3

var errReplan = errors.New("task moved while acquiring locks")

type CreateInput struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Section     model.Section  `json:"section"`
	Scope       model.Scope    `json:"scope"`
	Date        *model.Day     `json:"date"`
	PeriodStart *model.Day     `json:"periodStart"`
	Rank        *int           `json:"priorityRank"`
	Priority    model.Priority `json:"priority"`
	Completed   bool           `json:"completed"`
	Tags        []string       `json:"tags"`
	EstimateMin *int           `json:"estimateMin"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Section     *model.Section  `json:"section"`
	Scope       *model.Scope    `json:"scope"`
	Date        *model.Day      `json:"date"`
	PeriodStart *model.Day      `json:"periodStart"`
	Rank        *int            `json:"priorityRank"`
	Priority    *model.Priority `json:"priority"`
	Completed   *bool           `json:"completed"`
	Tags        *[]string       `json:"tags"`
	EstimateMin *int            `json:"estimateMin"`
}

// ReorderInput moves a task to Rank in the target group. Omitted fields keep
// the task's current values.
type ReorderInput struct {
	Section     *model.Section  `json:"section"`
	Scope       *model.Scope    `json:"scope"`
	Date        *model.Day      `json:"date"`
	PeriodStart *model.Day      `json:"periodStart"`
	Rank        *int            `json:"priorityRank"`
	Priority    *model.Priority `json:"priority"`
}

type ListQuery struct {
	Scope       *model.Scope
	Date        *model.Day
	PeriodStart *model.Day
	Section     *model.Section
	Completed   *bool
}

type Options struct {
	Store  Store
	Locker grouplock.Locker
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	Now    func() time.Time
}

// Service owns every task mutation. Writes that touch ranks or capacity run
// under the group locks of both the source and the destination group.
type Service struct {
	store   Store
	locks   grouplock.Locker
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Instruments
	now     func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("task: nil store")
	}
	s := &Service{
		store:  opts.Store,
		locks:  opts.Locker,
		log:    opts.Logger,
		tracer: opts.Tracer,
		now:    opts.Now,
	}
	if s.locks == nil {
		s.locks = grouplock.NewLocal()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("daybook/task")
	}
	if s.now == nil {
		s.now = time.Now
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("daybook/task")
	}
	in, err := telemetry.NewInstruments(meter)
	if err != nil {
		return nil, err
	}
	s.metrics = in
	return s, nil
}

func (s *Service) Store() Store { return s.store }

// Code classifies err for transport and metrics.
func Code(err error) string {
	var (
		verr *ValidationError
		vc   *VersionConflictError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &vc):
		return "version_conflict"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	default:
		return "internal"
	}
}

// observe opens a span for op; the returned func records the outcome.
func (s *Service) observe(ctx context.Context, op, ownerID string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "task."+op, trace.WithAttributes(
		attribute.String("daybook.owner_id", ownerID),
	))
	return ctx, func(errp *error) {
		err := *errp
		code := Code(err)
		span.SetAttributes(attribute.String("daybook.outcome", code))
		switch code {
		case "ok":
		case "internal":
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.ErrorContext(ctx, "task operation failed", "op", op, "owner_id", ownerID, "err", err)
		case "capacity_exceeded":
			var ex *capacity.ExceededError
			if errors.As(err, &ex) {
				s.metrics.CapacityRejected(ctx, string(ex.Section))
			}
		case "version_conflict":
			s.metrics.VersionConflict(ctx, op)
		}
		span.End()
		s.metrics.Operation(ctx, op, code, time.Since(start))
	}
}

func (s *Service) Get(ctx context.Context, ownerID string, id model.TaskID) (t model.Task, err error) {
	ctx, done := s.observe(ctx, "get", ownerID)
	defer done(&err)

	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		var gerr error
		t, gerr = tx.Get(ctx, id)
		return gerr
	})
	return t, err
}

func (s *Service) List(ctx context.Context, ownerID string, q ListQuery) (out []model.Task, err error) {
	ctx, done := s.observe(ctx, "list", ownerID)
	defer done(&err)

	f, err := listFilter(ownerID, q)
	if err != nil {
		return nil, err
	}
	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		var lerr error
		out, lerr = tx.List(ctx, f)
		return lerr
	})
	return out, err
}

func listFilter(ownerID string, q ListQuery) (bucket.Filter, error) {
	f := bucket.Filter{OwnerID: ownerID, Section: q.Section, Completed: q.Completed}
	if q.Section != nil && !q.Section.Valid() {
		return f, invalid("section", "unknown section %q", *q.Section)
	}
	if q.Date != nil && q.PeriodStart != nil {
		return f, invalid("", "date and periodStart are mutually exclusive")
	}
	scope := q.Scope
	if scope != nil && !scope.Valid() {
		return f, invalid("scope", "unknown scope %q", *scope)
	}
	var ref *model.Day
	switch {
	case q.Date != nil:
		ref = q.Date
		if scope == nil {
			daily := model.ScopeDaily
			scope = &daily
		}
	case q.PeriodStart != nil:
		ref = q.PeriodStart
		if scope == nil {
			return f, invalid("scope", "required with periodStart")
		}
		if *scope == model.ScopeDaily {
			return f, invalid("periodStart", "daily tasks use date")
		}
	}
	f.Scope = scope
	if scope != nil && !scope.Bucketed() {
		if ref != nil {
			return f, invalid("scope", "random tasks have no date")
		}
		f.NoKey = true
	}
	if ref != nil {
		key, _ := bucket.Resolve(*scope, *ref)
		f.Key = &key
	}
	return f, nil
}

func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (t model.Task, err error) {
	ctx, done := s.observe(ctx, "create", ownerID)
	defer done(&err)

	next, err := s.buildNew(ownerID, in)
	if err != nil {
		return model.Task{}, err
	}
	if in.Rank != nil && *in.Rank < 0 {
		return model.Task{}, invalid("priorityRank", "must be non-negative")
	}
	g := bucket.GroupOf(next)

	release, err := s.locks.Lock(ctx, g.LockKey())
	if err != nil {
		return model.Task{}, err
	}
	defer release()

	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		if err := tx.Lock(ctx, g.LockKey()); err != nil {
			return err
		}
		if next.Active() {
			if err := capacity.Check(ctx, tx, g, ""); err != nil {
				return err
			}
		}
		if in.Rank != nil {
			if err := rank.InsertAt(ctx, tx, g, *in.Rank, ""); err != nil {
				return err
			}
			next.Rank = *in.Rank
		} else {
			r, err := rank.Trailing(ctx, tx, g)
			if err != nil {
				return err
			}
			next.Rank = r
		}
		return tx.Insert(ctx, next)
	})
	if err != nil {
		return model.Task{}, err
	}
	s.log.InfoContext(ctx, "task created", "owner_id", ownerID, "task_id", next.ID, "group", g.LockKey(), "rank", next.Rank)
	return next, nil
}

func (s *Service) buildNew(ownerID string, in CreateInput) (model.Task, error) {
	title, err := cleanTitle(in.Title)
	if err != nil {
		return model.Task{}, err
	}
	if !in.Section.Valid() {
		return model.Task{}, invalid("section", "must be one of %v", model.Sections)
	}
	if !in.Scope.Valid() {
		return model.Task{}, invalid("scope", "must be one of %v", model.Scopes)
	}
	priority := in.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return model.Task{}, invalid("priority", "must be one of %v", model.Priorities)
	}
	if in.EstimateMin != nil && *in.EstimateMin < 0 {
		return model.Task{}, invalid("estimateMin", "must be non-negative")
	}
	scope := in.Scope
	_, key, err := deriveBucket(model.Task{}, &scope, in.Date, in.PeriodStart)
	if err != nil {
		return model.Task{}, err
	}

	now := s.now().UTC()
	t := model.Task{
		ID:          newID(),
		OwnerID:     ownerID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Section:     in.Section,
		Priority:    priority,
		Completed:   in.Completed,
		Tags:        cleanTags(in.Tags),
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.EstimateMin != nil {
		v := *in.EstimateMin
		t.EstimateMin = &v
	}
	t.SetBucket(scope, key)
	return t, nil
}

func (s *Service) Update(ctx context.Context, ownerID string, id model.TaskID, expectedVersion *int, p Patch) (t model.Task, err error) {
	ctx, done := s.observe(ctx, "update", ownerID)
	defer done(&err)

	if err := validatePatch(p); err != nil {
		return model.Task{}, err
	}
	return s.mutate(ctx, "update", ownerID, id, expectedVersion, func(cur model.Task) (move, error) {
		return planUpdate(cur, p)
	})
}

func (s *Service) Reorder(ctx context.Context, ownerID string, id model.TaskID, expectedVersion *int, in ReorderInput) (t model.Task, err error) {
	ctx, done := s.observe(ctx, "reorder", ownerID)
	defer done(&err)

	if in.Rank == nil {
		return model.Task{}, invalid("priorityRank", "required")
	}
	if *in.Rank < 0 {
		return model.Task{}, invalid("priorityRank", "must be non-negative")
	}
	if in.Section != nil && !in.Section.Valid() {
		return model.Task{}, invalid("section", "must be one of %v", model.Sections)
	}
	if in.Scope != nil && !in.Scope.Valid() {
		return model.Task{}, invalid("scope", "must be one of %v", model.Scopes)
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return model.Task{}, invalid("priority", "must be one of %v", model.Priorities)
	}
	return s.mutate(ctx, "reorder", ownerID, id, expectedVersion, func(cur model.Task) (move, error) {
		return planReorder(cur, in)
	})
}

func (s *Service) Delete(ctx context.Context, ownerID string, id model.TaskID) (err error) {
	ctx, done := s.observe(ctx, "delete", ownerID)
	defer done(&err)

	err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
		return tx.Delete(ctx, id)
	})
	if err == nil {
		s.log.InfoContext(ctx, "task deleted", "owner_id", ownerID, "task_id", id)
	}
	return err
}

type rankMode int

const (
	keepRank rankMode = iota
	trailingRank
	insertRank
)

// move is a planned write: the target task plus how it gets its rank.
type move struct {
	next     model.Task
	rank     rankMode
	capacity bool // check the destination group before writing
}

// planner derives a move from the current task. It may run more than once
// per call, so it must not have side effects.
type planner func(cur model.Task) (move, error)

func (s *Service) mutate(ctx context.Context, op, ownerID string, id model.TaskID, expectedVersion *int, plan planner) (model.Task, error) {
	var last model.Task
	for attempt := 0; attempt < maxReplan; attempt++ {
		// Unlocked read to learn which groups to lock.
		var cur model.Task
		err := s.store.Atomic(ctx, ownerID, func(tx Tx) error {
			var gerr error
			cur, gerr = tx.Get(ctx, id)
			return gerr
		})
		if err != nil {
			return model.Task{}, err
		}
		if expectedVersion != nil && *expectedVersion != cur.Version {
			return model.Task{}, &VersionConflictError{Expected: *expectedVersion, Current: cur}
		}
		m, err := plan(cur)
		if err != nil {
			return model.Task{}, err
		}
		src, dst := bucket.GroupOf(cur), bucket.GroupOf(m.next)
		keys := []string{src.LockKey(), dst.LockKey()}

		release, err := s.locks.Lock(ctx, keys...)
		if err != nil {
			return model.Task{}, err
		}
		var out model.Task
		err = s.store.Atomic(ctx, ownerID, func(tx Tx) error {
			if err := tx.Lock(ctx, keys...); err != nil {
				return err
			}
			now, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			last = now
			if expectedVersion != nil && *expectedVersion != now.Version {
				return &VersionConflictError{Expected: *expectedVersion, Current: now}
			}
			m, err := plan(now)
			if err != nil {
				return err
			}
			if !bucket.GroupOf(now).Equal(src) || !bucket.GroupOf(m.next).Equal(dst) {
				return errReplan
			}
			out, err = s.apply(ctx, tx, now, m)
			return err
		})
		release()

		switch {
		case errors.Is(err, errReplan), errors.Is(err, errStaleWrite):
			s.log.DebugContext(ctx, "re-planning task write", "op", op, "task_id", id, "attempt", attempt+1)
			continue
		case err != nil:
			return model.Task{}, err
		}
		s.log.InfoContext(ctx, "task written", "op", op, "owner_id", ownerID, "task_id", id,
			"group", dst.LockKey(), "rank", out.Rank, "version", out.Version)
		return out, nil
	}
	return model.Task{}, &VersionConflictError{Expected: last.Version, Current: last}
}

// apply runs the capacity check and rank allocation for m and writes it.
// Callers hold the locks of both groups.
func (s *Service) apply(ctx context.Context, tx Tx, cur model.Task, m move) (model.Task, error) {
	next := m.next
	dst := bucket.GroupOf(next)
	if m.capacity && next.Active() {
		if err := capacity.Check(ctx, tx, dst, next.ID); err != nil {
			return model.Task{}, err
		}
	}
	switch m.rank {
	case trailingRank:
		r, err := rank.Trailing(ctx, tx, dst)
		if err != nil {
			return model.Task{}, err
		}
		next.Rank = r
	case insertRank:
		if err := rank.InsertAt(ctx, tx, dst, next.Rank, next.ID); err != nil {
			return model.Task{}, err
		}
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	if err := tx.Replace(ctx, next, cur.Version); err != nil {
		return model.Task{}, err
	}
	return next, nil
}

func planUpdate(cur model.Task, p Patch) (move, error) {
	sectionChanged := p.Section != nil && *p.Section != cur.Section
	if sectionChanged && p.Rank != nil {
		return move{}, invalid("", "section and priorityRank cannot change together; use reorder")
	}

	next := cur.Clone()
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = strings.TrimSpace(*p.Description)
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.Completed != nil {
		next.Completed = *p.Completed
	}
	if p.Tags != nil {
		next.Tags = cleanTags(*p.Tags)
	}
	if p.EstimateMin != nil {
		v := *p.EstimateMin
		next.EstimateMin = &v
	}
	if p.Section != nil {
		next.Section = *p.Section
	}
	if p.Scope != nil || p.Date != nil || p.PeriodStart != nil {
		scope, key, err := deriveBucket(cur, p.Scope, p.Date, p.PeriodStart)
		if err != nil {
			return move{}, err
		}
		next.SetBucket(scope, key)
	}

	src, dst := bucket.GroupOf(cur), bucket.GroupOf(next)
	m := move{next: next}
	switch {
	case !src.Equal(dst):
		m.capacity = true
		if p.Rank != nil {
			m.next.Rank = *p.Rank
			m.rank = insertRank
		} else {
			m.rank = trailingRank
		}
	case p.Rank != nil && *p.Rank != cur.Rank:
		m.next.Rank = *p.Rank
		m.rank = insertRank
	}
	if cur.Completed && !next.Completed {
		m.capacity = true
	}
	if m.capacity && !capacity.Limited(dst) {
		m.capacity = false
	}
	return m, nil
}

func planReorder(cur model.Task, in ReorderInput) (move, error) {
	next := cur.Clone()
	if in.Section != nil {
		next.Section = *in.Section
	}
	if in.Priority != nil {
		next.Priority = *in.Priority
	}
	if in.Scope != nil || in.Date != nil || in.PeriodStart != nil {
		scope, key, err := deriveBucket(cur, in.Scope, in.Date, in.PeriodStart)
		if err != nil {
			return move{}, err
		}
		next.SetBucket(scope, key)
	}
	next.Rank = *in.Rank

	dst := bucket.GroupOf(next)
	moved := !bucket.Same(bucket.Of(cur), bucket.Of(next)) || cur.Section != next.Section
	return move{
		next:     next,
		rank:     insertRank,
		capacity: moved && capacity.Limited(dst),
	}, nil
}

func validatePatch(p Patch) error {
	if p.Title != nil {
		if _, err := cleanTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Section != nil && !p.Section.Valid() {
		return invalid("section", "must be one of %v", model.Sections)
	}
	if p.Scope != nil && !p.Scope.Valid() {
		return invalid("scope", "must be one of %v", model.Scopes)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return invalid("priority", "must be one of %v", model.Priorities)
	}
	if p.Rank != nil && *p.Rank < 0 {
		return invalid("priorityRank", "must be non-negative")
	}
	if p.EstimateMin != nil && *p.EstimateMin < 0 {
		return invalid("estimateMin", "must be non-negative")
	}
	return nil
}

// deriveBucket resolves the target scope and key. The reference date is the
// supplied date field, else the task's existing key.
func deriveBucket(cur model.Task, scopeIn *model.Scope, date, periodStart *model.Day) (model.Scope, model.Day, error) {
	scope := cur.Scope
	if scopeIn != nil {
		scope = *scopeIn
	}
	switch {
	case scope == model.ScopeDaily:
		if periodStart != nil {
			return "", model.Day{}, invalid("periodStart", "not allowed for daily scope")
		}
	case scope.Periodic():
		if date != nil {
			return "", model.Day{}, invalid("date", "not allowed for %s scope", scope)
		}
	default:
		if date != nil {
			return "", model.Day{}, invalid("date", "not allowed for %s scope", scope)
		}
		if periodStart != nil {
			return "", model.Day{}, invalid("periodStart", "not allowed for %s scope", scope)
		}
		return scope, model.Day{}, nil
	}

	var ref model.Day
	switch {
	case date != nil:
		ref = *date
	case periodStart != nil:
		ref = *periodStart
	default:
		ref, _ = cur.BucketKey()
	}
	key, ok := bucket.Resolve(scope, ref)
	if !ok {
		field := "date"
		if scope.Periodic() {
			field = "periodStart"
		}
		return "", model.Day{}, invalid(field, "required for %s scope", scope)
	}
	return scope, key, nil
}

func cleanTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("title", "required")
	}
	return s, nil
}

// cleanTags trims tags and drops empty and duplicate entries.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
