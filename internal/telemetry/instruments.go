package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the metrics recorded by the task engine and HTTP layer.
type Instruments struct {
	operations           metric.Int64Counter
	duration             metric.Float64Histogram
	capacityRejected     metric.Int64Counter
	versionConflicts     metric.Int64Counter
	rolloverMoved        metric.Int64Counter
	rolloverOverCapacity metric.Int64Counter
	rateLimited          metric.Int64Counter
}

func NewInstruments(m metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.operations, err = m.Int64Counter("daybook.task.operations",
		metric.WithDescription("Task operations by outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if in.duration, err = m.Float64Histogram("daybook.task.duration",
		metric.WithDescription("Task operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}
	if in.capacityRejected, err = m.Int64Counter("daybook.capacity.rejected",
		metric.WithDescription("Writes rejected because a section was full"),
	); err != nil {
		return nil, err
	}
	if in.versionConflicts, err = m.Int64Counter("daybook.version.conflicts",
		metric.WithDescription("Writes rejected by the version check"),
	); err != nil {
		return nil, err
	}
	if in.rolloverMoved, err = m.Int64Counter("daybook.rollover.moved",
		metric.WithDescription("Tasks moved forward by rollover"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if in.rolloverOverCapacity, err = m.Int64Counter("daybook.rollover.over_capacity",
		metric.WithDescription("Sections left over their limit after rollover"),
	); err != nil {
		return nil, err
	}
	if in.rateLimited, err = m.Int64Counter("daybook.http.rate_limited",
		metric.WithDescription("Requests rejected by the per-owner rate limiter"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// Operation records one finished task operation.
func (in *Instruments) Operation(ctx context.Context, op, outcome string, elapsed time.Duration) {
	if in == nil {
		return
	}
	in.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	in.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) CapacityRejected(ctx context.Context, section string) {
	if in == nil {
		return
	}
	in.capacityRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("section", section)))
}

func (in *Instruments) VersionConflict(ctx context.Context, op string) {
	if in == nil {
		return
	}
	in.versionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) RolloverMoved(ctx context.Context, scope string, n int) {
	if in == nil || n == 0 {
		return
	}
	in.rolloverMoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("scope", scope)))
}

func (in *Instruments) RolloverOverCapacity(ctx context.Context, scope, section string) {
	if in == nil {
		return
	}
	in.rolloverOverCapacity.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("section", section),
	))
}

func (in *Instruments) RateLimited(ctx context.Context) {
	if in == nil {
		return
	}
	in.rateLimited.Add(ctx, 1)
}
