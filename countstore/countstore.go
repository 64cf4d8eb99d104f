// Counters for verification outcomes, bucketed by calendar period so the daily report and the monthly reset can read them back.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodMonth = "month"
	PeriodDay   = "day"
)

// Periods every increment is recorded under.
var Periods = []string{PeriodTotal, PeriodMonth, PeriodDay}

type CountStore interface {
	// Returns the counter for the period containing at.
	GetCount(ctx context.Context, name, val, period string, at time.Time) (int, error)
	Increment(ctx context.Context, name, val string, at time.Time) error
	GetCountDistinct(ctx context.Context, name, bucket, period string, at time.Time) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string, at time.Time) error
}

func periodBucket(name, val, period string, at time.Time) string {
	at = at.UTC()
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodMonth:
		return fmt.Sprintf("%s/%s/%s", name, val, at.Format("2006-01"))
	case PeriodDay:
		return fmt.Sprintf("%s/%s/%s", name, val, at.Format(time.DateOnly))
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}
