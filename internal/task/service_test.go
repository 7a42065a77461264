package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daybook/internal/capacity"
	"daybook/internal/model"
)

const testOwner = "alice"

var testNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Store:  store,
		Logger: quietLogger(),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

// forEachStore runs fn against every store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("file-json", func(t *testing.T) {
		fs, err := NewFileStore(t.TempDir(), CodecJSON)
		require.NoError(t, err)
		fn(t, fs)
	})
	t.Run("file-cbor", func(t *testing.T) {
		fs, err := NewFileStore(t.TempDir(), CodecCBOR)
		require.NoError(t, err)
		fn(t, fs)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "daybook.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func dayPtr(s string) *model.Day {
	d := model.MustParseDay(s)
	return &d
}

func ptr[T any](v T) *T { return &v }

func daily(title string, section model.Section, date string) CreateInput {
	return CreateInput{Title: title, Section: section, Scope: model.ScopeDaily, Date: dayPtr(date)}
}

func mustCreate(t *testing.T, svc *Service, in CreateInput) model.Task {
	t.Helper()
	tk, err := svc.Create(context.Background(), testOwner, in)
	require.NoError(t, err)
	return tk
}

func listGroup(t *testing.T, svc *Service, section model.Section, date string) []model.Task {
	t.Helper()
	ts, err := svc.List(context.Background(), testOwner, ListQuery{Section: &section, Date: dayPtr(date)})
	require.NoError(t, err)
	return ts
}

func titles(ts []model.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Title)
	}
	return out
}

func TestScenario_TopPriorityCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := newTestService(t, store)
		ctx := context.Background()

		first := mustCreate(t, svc, daily("ship release", model.SectionTopPriority, "2024-06-10"))
		assert.Equal(t, 0, first.Rank)
		assert.Equal(t, 0, first.Version)

		_, err := svc.Create(ctx, testOwner, daily("second", model.SectionTopPriority, "2024-06-10"))
		require.ErrorIs(t, err, ErrCapacityExceeded)
		var ex *capacity.ExceededError
		require.True(t, errors.As(err, &ex))
		assert.Equal(t, model.SectionTopPriority, ex.Section)
		assert.Equal(t, 1, ex.Limit)
		assert.Equal(t, "capacity_exceeded", Code(err))

		// Other days and other owners have their own slot.
		mustCreate(t, svc, daily("tomorrow", model.SectionTopPriority, "2024-06-11"))
		_, err = svc.Create(ctx, "bob", daily("bob's", model.SectionTopPriority, "2024-06-10"))
		require.NoError(t, err)
	})
}

func TestScenario_SecondaryFreedByCompletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := newTestService(t, store)
		ctx := context.Background()

		var created []model.Task
		for _, title := range []string{"a", "b", "c"} {
			created = append(created, mustCreate(t, svc, daily(title, model.SectionSecondary, "2024-06-10")))
		}
		_, err := svc.Create(ctx, testOwner, daily("d", model.SectionSecondary, "2024-06-10"))
		require.ErrorIs(t, err, ErrCapacityExceeded)

		done, err := svc.Update(ctx, testOwner, created[0].ID, nil, Patch{Completed: ptr(true)})
		require.NoError(t, err)
		assert.True(t, done.Completed)
		assert.Equal(t, 1, done.Version)

		d := mustCreate(t, svc, daily("d", model.SectionSecondary, "2024-06-10"))
		assert.Equal(t, 3, d.Rank)

		// Re-opening the completed task would make four active.
		_, err = svc.Update(ctx, testOwner, created[0].ID, nil, Patch{Completed: ptr(false)})
		require.ErrorIs(t, err, ErrCapacityExceeded)
	})
}

func TestScenario_ReorderIntoGroupShiftsTail(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := newTestService(t, store)
		ctx := context.Background()

		a := mustCreate(t, svc, daily("A", model.SectionMust, "2024-06-10"))
		b := mustCreate(t, svc, daily("B", model.SectionMust, "2024-06-10"))
		c := mustCreate(t, svc, daily("C", model.SectionShould, "2024-06-10"))
		require.Equal(t, 0, a.Rank)
		require.Equal(t, 1, b.Rank)

		moved, err := svc.Reorder(ctx, testOwner, c.ID, nil, ReorderInput{Section: ptr(model.SectionMust), Rank: ptr(1)})
		require.NoError(t, err)
		assert.Equal(t, model.SectionMust, moved.Section)
		assert.Equal(t, 1, moved.Rank)

		got := listGroup(t, svc, model.SectionMust, "2024-06-10")
		require.Len(t, got, 3)
		assert.Equal(t, []string{"A", "C", "B"}, titles(got))
		assert.Equal(t, []int{0, 1, 2}, []int{got[0].Rank, got[1].Rank, got[2].Rank})
	})
}

func TestScenario_RolloverKeepsSectionAndRank(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := newTestService(t, store)
		ctx := context.Background()

		mustCreate(t, svc, daily("warmup", model.SectionMust, "2024-06-09"))
		old := mustCreate(t, svc, daily("carry", model.SectionMust, "2024-06-09"))
		require.Equal(t, 1, old.Rank)

		rep, err := svc.Rollover(ctx, testOwner, model.MustParseDay("2024-06-10"))
		require.NoError(t, err)
		assert.Equal(t, 2, rep.Moved[model.ScopeDaily])
		assert.Empty(t, rep.OverCapacity)

		got, err := svc.Get(ctx, testOwner, old.ID)
		require.NoError(t, err)
		assert.Equal(t, "2024-06-10", got.Date.String())
		assert.Equal(t, model.SectionMust, got.Section)
		assert.Equal(t, 1, got.Rank)
		assert.Equal(t, 1, got.Version)
	})
}

func TestScenario_StaleVersionReturnsCurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := newTestService(t, store)
		ctx := context.Background()

		tk := mustCreate(t, svc, daily("draft", model.SectionMust, "2024-06-10"))
		edited, err := svc.Update(ctx, testOwner, tk.ID, ptr(0), Patch{Title: ptr("edited")})
		require.NoError(t, err)
		require.Equal(t, 1, edited.Version)

		_, err = svc.Update(ctx, testOwner, tk.ID, ptr(0), Patch{Title: ptr("lost update")})
		var vc *VersionConflictError
		require.True(t, errors.As(err, &vc), "got %v", err)
		assert.Equal(t, 0, vc.Expected)
		assert.Equal(t, 1, vc.Current.Version)
		assert.Equal(t, "edited", vc.Current.Title)
		assert.Equal(t, "version_conflict", Code(err))

		stored, err := svc.Get(ctx, testOwner, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, edited, stored)
	})
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"blank title", daily("  ", model.SectionMust, "2024-06-10"), "title"},
		{"bad section", daily("x", "urgent", "2024-06-10"), "section"},
		{"bad scope", CreateInput{Title: "x", Section: model.SectionMust, Scope: "hourly"}, "scope"},
		{"daily without date", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeDaily}, "date"},
		{"weekly without periodStart", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeWeekly}, "periodStart"},
		{"weekly with date", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeWeekly, Date: dayPtr("2024-06-10")}, "date"},
		{"daily with periodStart", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeDaily, PeriodStart: dayPtr("2024-06-10")}, "periodStart"},
		{"random with date", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeRandom, Date: dayPtr("2024-06-10")}, "date"},
		{"bad priority", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeRandom, Priority: "urgent"}, "priority"},
		{"negative estimate", CreateInput{Title: "x", Section: model.SectionMust, Scope: model.ScopeRandom, EstimateMin: ptr(-5)}, "estimateMin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, testOwner, tc.in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreate_NormalizesBucketAndFields(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	weekly := mustCreate(t, svc, CreateInput{
		Title:       "  plan sprint ",
		Section:     model.SectionMust,
		Scope:       model.ScopeWeekly,
		PeriodStart: dayPtr("2024-06-13"), // Thursday
		Tags:        []string{"work", " work ", ""},
	})
	assert.Equal(t, "plan sprint", weekly.Title)
	assert.Equal(t, "2024-06-10", weekly.PeriodStart.String())
	assert.Nil(t, weekly.Date)
	assert.Equal(t, []string{"work"}, weekly.Tags)
	assert.Equal(t, model.PriorityMedium, weekly.Priority)
	assert.Equal(t, testNow, weekly.CreatedAt)
	assert.NotEmpty(t, weekly.ID)

	quarterly := mustCreate(t, svc, CreateInput{
		Title: "okrs", Section: model.SectionTopPriority, Scope: model.ScopeQuarterly, PeriodStart: dayPtr("2024-08-20"),
	})
	assert.Equal(t, "2024-07-01", quarterly.PeriodStart.String())

	random := mustCreate(t, svc, CreateInput{Title: "someday", Section: model.SectionTopPriority, Scope: model.ScopeRandom})
	assert.Nil(t, random.Date)
	assert.Nil(t, random.PeriodStart)

	// Random scope is never capacity limited.
	mustCreate(t, svc, CreateInput{Title: "someday 2", Section: model.SectionTopPriority, Scope: model.ScopeRandom})
}

func TestCreate_AtRankShiftsGroup(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())

	mustCreate(t, svc, daily("a", model.SectionMust, "2024-06-10"))
	mustCreate(t, svc, daily("b", model.SectionMust, "2024-06-10"))
	in := daily("first", model.SectionMust, "2024-06-10")
	in.Rank = ptr(0)
	mustCreate(t, svc, in)

	got := listGroup(t, svc, model.SectionMust, "2024-06-10")
	assert.Equal(t, []string{"first", "a", "b"}, titles(got))
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].Rank, got[1].Rank, got[2].Rank})
}

func TestCreate_CompletedTaskSkipsCapacity(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	mustCreate(t, svc, daily("open", model.SectionTopPriority, "2024-06-10"))

	in := daily("already done", model.SectionTopPriority, "2024-06-10")
	in.Completed = true
	done := mustCreate(t, svc, in)
	assert.Equal(t, 1, done.Rank)
}

func TestUpdate_SectionAndRankTogetherRejected(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	tk := mustCreate(t, svc, daily("x", model.SectionMust, "2024-06-10"))

	_, err := svc.Update(context.Background(), testOwner, tk.ID, nil, Patch{Section: ptr(model.SectionShould), Rank: ptr(0)})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "validation", Code(err))
}

func TestUpdate_GroupChangeGetsTrailingRank(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("s0", model.SectionShould, "2024-06-10"))
	mustCreate(t, svc, daily("s1", model.SectionShould, "2024-06-10"))
	tk := mustCreate(t, svc, daily("mover", model.SectionMust, "2024-06-10"))

	moved, err := svc.Update(ctx, testOwner, tk.ID, ptr(0), Patch{Section: ptr(model.SectionShould)})
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Rank)
	assert.Equal(t, 1, moved.Version)

	// A date change with a rank inserts into the new day.
	other := mustCreate(t, svc, daily("tomorrow", model.SectionShould, "2024-06-11"))
	moved, err = svc.Update(ctx, testOwner, moved.ID, nil, Patch{Date: dayPtr("2024-06-11"), Rank: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Rank)
	shifted, err := svc.Get(ctx, testOwner, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, shifted.Rank)
}

func TestUpdate_MoveIntoFullSectionRejected(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("top", model.SectionTopPriority, "2024-06-10"))
	tk := mustCreate(t, svc, daily("hopeful", model.SectionMust, "2024-06-10"))

	_, err := svc.Update(ctx, testOwner, tk.ID, nil, Patch{Section: ptr(model.SectionTopPriority)})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	unchanged, err := svc.Get(ctx, testOwner, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SectionMust, unchanged.Section)
	assert.Equal(t, 0, unchanged.Version)

	// Edits that stay in the group are unaffected.
	_, err = svc.Update(ctx, testOwner, tk.ID, nil, Patch{Title: ptr("renamed")})
	require.NoError(t, err)
}

func TestUpdate_ScopeChangeClearsOldField(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	tk := mustCreate(t, svc, daily("x", model.SectionMust, "2024-06-12"))

	// The existing key is the reference date for the new scope.
	monthly, err := svc.Update(ctx, testOwner, tk.ID, nil, Patch{Scope: ptr(model.ScopeMonthly)})
	require.NoError(t, err)
	assert.Nil(t, monthly.Date)
	assert.Equal(t, "2024-06-01", monthly.PeriodStart.String())

	random, err := svc.Update(ctx, testOwner, tk.ID, nil, Patch{Scope: ptr(model.ScopeRandom)})
	require.NoError(t, err)
	assert.Nil(t, random.Date)
	assert.Nil(t, random.PeriodStart)

	_, err = svc.Update(ctx, testOwner, tk.ID, nil, Patch{Scope: ptr(model.ScopeDaily)})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "date", verr.Field)
}

func TestUpdate_SameGroupRankIsInsert(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	a := mustCreate(t, svc, daily("a", model.SectionMust, "2024-06-10"))
	mustCreate(t, svc, daily("b", model.SectionMust, "2024-06-10"))
	mustCreate(t, svc, daily("c", model.SectionMust, "2024-06-10"))

	_, err := svc.Update(ctx, testOwner, a.ID, nil, Patch{Rank: ptr(2)})
	require.NoError(t, err)
	got := listGroup(t, svc, model.SectionMust, "2024-06-10")
	assert.Equal(t, []string{"b", "a", "c"}, titles(got))
}

func TestUpdate_NotFound(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.Update(context.Background(), testOwner, "missing", nil, Patch{Title: ptr("x")})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Code(err))
}

func TestReorder_RequiresRank(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	tk := mustCreate(t, svc, daily("x", model.SectionMust, "2024-06-10"))

	_, err := svc.Reorder(context.Background(), testOwner, tk.ID, nil, ReorderInput{Section: ptr(model.SectionShould)})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "priorityRank", verr.Field)
}

func TestReorder_IntoFullSectionRejectedButWithinAllowed(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c"} {
		mustCreate(t, svc, daily(title, model.SectionSecondary, "2024-06-10"))
	}
	extra := mustCreate(t, svc, daily("extra", model.SectionMust, "2024-06-10"))

	_, err := svc.Reorder(ctx, testOwner, extra.ID, nil, ReorderInput{Section: ptr(model.SectionSecondary), Rank: ptr(0)})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	group := listGroup(t, svc, model.SectionSecondary, "2024-06-10")
	_, err = svc.Reorder(ctx, testOwner, group[2].ID, nil, ReorderInput{Rank: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, titles(listGroup(t, svc, model.SectionSecondary, "2024-06-10")))
}

func TestReorder_AcrossDays(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("stay", model.SectionMust, "2024-06-11"))
	tk := mustCreate(t, svc, daily("move", model.SectionMust, "2024-06-10"))

	moved, err := svc.Reorder(ctx, testOwner, tk.ID, ptr(0), ReorderInput{Date: dayPtr("2024-06-11"), Rank: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, "2024-06-11", moved.Date.String())
	assert.Equal(t, []string{"move", "stay"}, titles(listGroup(t, svc, model.SectionMust, "2024-06-11")))
	assert.Empty(t, listGroup(t, svc, model.SectionMust, "2024-06-10"))
}

func TestDelete(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	a := mustCreate(t, svc, daily("a", model.SectionMust, "2024-06-10"))
	b := mustCreate(t, svc, daily("b", model.SectionMust, "2024-06-10"))
	require.NoError(t, svc.Delete(ctx, testOwner, a.ID))
	require.ErrorIs(t, svc.Delete(ctx, testOwner, a.ID), ErrNotFound)

	// No compaction: b keeps its rank and the next task trails it.
	got, err := svc.Get(ctx, testOwner, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Rank)
	c := mustCreate(t, svc, daily("c", model.SectionMust, "2024-06-10"))
	assert.Equal(t, 2, c.Rank)

	// Owners cannot see each other's tasks.
	_, err = svc.Get(ctx, "bob", b.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("d1", model.SectionMust, "2024-06-10"))
	mustCreate(t, svc, daily("top", model.SectionTopPriority, "2024-06-10"))
	mustCreate(t, svc, daily("d2", model.SectionMust, "2024-06-11"))
	mustCreate(t, svc, CreateInput{Title: "w", Section: model.SectionMust, Scope: model.ScopeWeekly, PeriodStart: dayPtr("2024-06-10")})
	mustCreate(t, svc, CreateInput{Title: "r", Section: model.SectionCould, Scope: model.ScopeRandom})

	all, err := svc.List(ctx, testOwner, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// A date alone implies daily; sections come back in display order.
	day, err := svc.List(ctx, testOwner, ListQuery{Date: dayPtr("2024-06-10")})
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "d1"}, titles(day))

	weekly := model.ScopeWeekly
	week, err := svc.List(ctx, testOwner, ListQuery{Scope: &weekly, PeriodStart: dayPtr("2024-06-14")})
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, titles(week))

	random := model.ScopeRandom
	rs, err := svc.List(ctx, testOwner, ListQuery{Scope: &random})
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, titles(rs))

	_, err = svc.List(ctx, testOwner, ListQuery{PeriodStart: dayPtr("2024-06-10")})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "scope", verr.Field)

	_, err = svc.List(ctx, testOwner, ListQuery{Scope: &random, Date: dayPtr("2024-06-10")})
	require.True(t, errors.As(err, &verr))

	// Daily tasks are keyed by date, never by periodStart.
	dailyScope := model.ScopeDaily
	_, err = svc.List(ctx, testOwner, ListQuery{Scope: &dailyScope, PeriodStart: dayPtr("2024-06-10")})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "periodStart", verr.Field)
}

func TestRollover_ReportsOverCapacityAndIsIdempotent(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("mon", model.SectionTopPriority, "2024-06-08"))
	mustCreate(t, svc, daily("tue", model.SectionTopPriority, "2024-06-09"))
	done := daily("done", model.SectionMust, "2024-06-09")
	done.Completed = true
	finished := mustCreate(t, svc, done)
	mustCreate(t, svc, CreateInput{Title: "last week", Section: model.SectionMust, Scope: model.ScopeWeekly, PeriodStart: dayPtr("2024-06-03")})
	mustCreate(t, svc, CreateInput{Title: "someday", Section: model.SectionMust, Scope: model.ScopeRandom})

	today := model.MustParseDay("2024-06-10")
	rep, err := svc.Rollover(ctx, testOwner, today)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Moved[model.ScopeDaily])
	assert.Equal(t, 1, rep.Moved[model.ScopeWeekly])
	assert.Equal(t, 0, rep.Moved[model.ScopeMonthly])
	require.Len(t, rep.OverCapacity, 1)
	assert.Equal(t, Overflow{Scope: model.ScopeDaily, Key: today, Section: model.SectionTopPriority, Excess: 1}, rep.OverCapacity[0])

	before, err := svc.List(ctx, testOwner, ListQuery{})
	require.NoError(t, err)

	again, err := svc.Rollover(ctx, testOwner, today)
	require.NoError(t, err)
	for _, n := range again.Moved {
		assert.Zero(t, n)
	}
	after, err := svc.List(ctx, testOwner, ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Completed tasks stay where they were.
	got, err := svc.Get(ctx, testOwner, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-09", got.Date.String())
	assert.Equal(t, 0, got.Version)

	_, err = svc.Rollover(ctx, testOwner, model.Day{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestStatsUpcomingAndClearCompleted(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	mustCreate(t, svc, daily("late", model.SectionMust, "2024-06-08"))
	mustCreate(t, svc, daily("today", model.SectionMust, "2024-06-10"))
	mustCreate(t, svc, daily("top today", model.SectionTopPriority, "2024-06-10"))
	mustCreate(t, svc, daily("next", model.SectionMust, "2024-06-12"))
	done := daily("done", model.SectionMust, "2024-06-10")
	done.Completed = true
	mustCreate(t, svc, done)
	mustCreate(t, svc, CreateInput{Title: "week", Section: model.SectionMust, Scope: model.ScopeWeekly, PeriodStart: dayPtr("2024-06-10")})

	st, err := svc.Stats(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 6, st.TotalTasks)
	assert.Equal(t, 1, st.CompletedTasks)
	assert.Equal(t, 17, st.CompletionRate)
	assert.Equal(t, 5, st.ByScope[model.ScopeDaily])

	up, err := svc.Upcoming(ctx, testOwner, model.MustParseDay("2024-06-10"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, titles(up.Overdue))
	assert.Equal(t, []string{"top today", "today", "next"}, titles(up.Upcoming))

	up, err = svc.Upcoming(ctx, testOwner, model.MustParseDay("2024-06-10"), 2)
	require.NoError(t, err)
	assert.Len(t, up.Overdue, 1)
	assert.Len(t, up.Upcoming, 1)

	n, err := svc.ClearCompleted(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err = svc.Stats(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 5, st.TotalTasks)
	assert.Equal(t, 0, st.CompletionRate)

	empty, err := svc.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.CompletionRate)
}

func TestRollover_BumpsVersionOfMovedTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		clock := testNow.Add(-24 * time.Hour)
		svc, err := NewService(Options{Store: store, Logger: quietLogger(), Now: func() time.Time { return clock }})
		require.NoError(t, err)
		ctx := context.Background()

		tk := mustCreate(t, svc, daily("carry", model.SectionMust, "2024-06-09"))
		require.Equal(t, 0, tk.Version)

		clock = testNow
		_, err = svc.Rollover(ctx, testOwner, model.MustParseDay("2024-06-10"))
		require.NoError(t, err)
		got, err := svc.Get(ctx, testOwner, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, "2024-06-10", got.Date.String())
		assert.True(t, got.UpdatedAt.Equal(testNow), got.UpdatedAt)

		// A writer holding the pre-rollover version is refused.
		_, err = svc.Update(ctx, testOwner, tk.ID, ptr(0), Patch{Title: ptr("stale")})
		var vc *VersionConflictError
		require.True(t, errors.As(err, &vc), err)
		assert.Equal(t, 1, vc.Current.Version)

		// Nothing moves on a repeat, so the version stays.
		_, err = svc.Rollover(ctx, testOwner, model.MustParseDay("2024-06-10"))
		require.NoError(t, err)
		got, err = svc.Get(ctx, testOwner, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
	})
}

func TestUpcoming_SkipsDailyTaskWithoutDate(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	mustCreate(t, svc, daily("dated", model.SectionMust, "2024-06-10"))
	orphan := model.Task{
		ID: "orphan", OwnerID: testOwner, Title: "lost key",
		Section: model.SectionMust, Scope: model.ScopeDaily, Priority: model.PriorityMedium,
		Tags: []string{}, CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, store.Atomic(ctx, testOwner, func(tx Tx) error { return tx.Insert(ctx, orphan) }))

	var up Upcoming
	require.NotPanics(t, func() {
		var err error
		up, err = svc.Upcoming(ctx, testOwner, model.MustParseDay("2024-06-10"), 0)
		require.NoError(t, err)
	})
	assert.Empty(t, up.Overdue)
	assert.Equal(t, []string{"dated"}, titles(up.Upcoming))
}

// movingStore moves the task to another section right before every second
// Atomic call, which is the locked half of a mutate attempt.
type movingStore struct {
	*MemoryStore
	id      model.TaskID
	calls   int
	limit   int
	targets []model.Section
}

func (s *movingStore) Atomic(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	s.calls++
	if s.calls%2 == 0 && s.calls/2 <= s.limit {
		section := s.targets[(s.calls/2-1)%len(s.targets)]
		err := s.MemoryStore.Atomic(ctx, ownerID, func(tx Tx) error {
			cur, err := tx.Get(ctx, s.id)
			if err != nil {
				return err
			}
			next := cur.Clone()
			next.Section = section
			next.Version++
			return tx.Replace(ctx, next, cur.Version)
		})
		if err != nil {
			return err
		}
	}
	return s.MemoryStore.Atomic(ctx, ownerID, fn)
}

func TestUpdate_ReplansWhenTaskMovesMidFlight(t *testing.T) {
	mem := NewMemoryStore()
	seed := newTestService(t, mem)
	tk := mustCreate(t, seed, daily("x", model.SectionMust, "2024-06-10"))

	store := &movingStore{MemoryStore: mem, id: tk.ID, limit: 1, targets: []model.Section{model.SectionShould}}
	svc := newTestService(t, store)

	out, err := svc.Update(context.Background(), testOwner, tk.ID, nil, Patch{Title: ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", out.Title)
	assert.Equal(t, model.SectionShould, out.Section)
	assert.Equal(t, 2, out.Version)
	assert.Equal(t, 4, store.calls)
}

func TestUpdate_GivesUpAfterRepeatedMoves(t *testing.T) {
	mem := NewMemoryStore()
	seed := newTestService(t, mem)
	tk := mustCreate(t, seed, daily("x", model.SectionMust, "2024-06-10"))

	store := &movingStore{
		MemoryStore: mem,
		id:          tk.ID,
		limit:       maxReplan,
		targets:     []model.Section{model.SectionShould, model.SectionCould},
	}
	svc := newTestService(t, store)

	_, err := svc.Update(context.Background(), testOwner, tk.ID, nil, Patch{Title: ptr("renamed")})
	var vc *VersionConflictError
	require.True(t, errors.As(err, &vc), "got %v", err)
	assert.Equal(t, maxReplan, vc.Current.Version)
	assert.Equal(t, "x", vc.Current.Title)
}
