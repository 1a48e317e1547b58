// Package statusreport logs a periodic summary of the bridge state.
package statusreport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/editorbridge/internal/bridge"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StatusSource reports the current bridge state.
type StatusSource interface {
	Status() bridge.Status
}

// Reporter logs the bridge status on a schedule.
type Reporter struct {
	source   StatusSource
	schedule cron.Schedule
	logger   *zap.Logger
}

// ParseSchedule accepts a Go duration ("30s") or a standard five-field cron
// expression.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s")
		}
		return cron.Every(interval), nil
	}
	return cron.ParseStandard(schedule)
}

// New creates a reporter. An empty schedule returns nil with no error; the
// caller treats that as reporting disabled.
func New(source StatusSource, schedule string, logger *zap.Logger) (*Reporter, error) {
	if strings.TrimSpace(schedule) == "" {
		return nil, nil
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("status schedule %q: %w", schedule, err)
	}
	return newWithSchedule(source, sched, logger), nil
}

func newWithSchedule(source StatusSource, sched cron.Schedule, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{source: source, schedule: sched, logger: logger.Named("status")}
}

// Run reports on the schedule until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		now := time.Now()
		next := r.schedule.Next(now)
		if next.IsZero() {
			return nil
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			r.Report()
		}
	}
}

// Report logs one status line.
func (r *Reporter) Report() {
	st := r.source.Status()
	fields := []zap.Field{
		zap.Bool("connected", st.Connected),
		zap.Int("port", st.Port),
		zap.Int("pending_requests", st.PendingRequests),
		zap.Int("queued_resources", st.QueuedResources),
		zap.Int("observers", st.Observers),
	}
	if st.ProjectPath != "" {
		fields = append(fields, zap.String("project_path", st.ProjectPath))
	}
	if st.LastHeartbeat != nil {
		fields = append(fields, zap.Duration("heartbeat_age", time.Since(*st.LastHeartbeat).Round(time.Millisecond)))
	}
	r.logger.Info("bridge status", fields...)
}
