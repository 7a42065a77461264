package ops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"daybook/internal/auth"
	"daybook/internal/config"
	"daybook/internal/model"
	"daybook/internal/serverapp"
	"daybook/internal/task"
)

// Rollover runs one owner's rollover against the store named by cfg, outside
// the HTTP server. A zero today means the current UTC day.
func Rollover(ctx context.Context, cfg *config.Config, log *slog.Logger, ownerID string, today model.Day) (task.RolloverReport, error) {
	if err := auth.ValidateOwnerID(ownerID); err != nil {
		return task.RolloverReport{}, fmt.Errorf("owner %q: %w", ownerID, err)
	}
	if today.IsZero() {
		today = model.DayOf(time.Now())
	}

	store, err := serverapp.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return task.RolloverReport{}, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	locker, _, closeLocks, err := serverapp.NewLocker(ctx, cfg.Locks, log)
	if err != nil {
		return task.RolloverReport{}, err
	}
	defer closeLocks()

	svc, err := task.NewService(task.Options{Store: store, Locker: locker, Logger: log})
	if err != nil {
		return task.RolloverReport{}, err
	}
	return svc.Rollover(ctx, ownerID, today)
}
