package collab

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	lockOps     metric.Int64Counter
	heartbeats  metric.Int64Counter
	draftSaves  metric.Int64Counter
	transitions metric.Int64Counter
	sweeps      metric.Int64Counter
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/coeditd/collab")
	m := &serviceMetrics{}
	var err error

	m.lockOps, err = meter.Int64Counter(
		"coeditd.lock.operations",
		metric.WithDescription("Edit-lock operations by op and outcome"),
	)
	logMetricInitError(logger, "coeditd.lock.operations", err)

	m.heartbeats, err = meter.Int64Counter(
		"coeditd.presence.heartbeats",
		metric.WithDescription("Presence heartbeats recorded"),
	)
	logMetricInitError(logger, "coeditd.presence.heartbeats", err)

	m.draftSaves, err = meter.Int64Counter(
		"coeditd.draft.saves",
		metric.WithDescription("Draft saves stored"),
	)
	logMetricInitError(logger, "coeditd.draft.saves", err)

	m.transitions, err = meter.Int64Counter(
		"coeditd.workflow.transitions",
		metric.WithDescription("Workflow state transitions"),
	)
	logMetricInitError(logger, "coeditd.workflow.transitions", err)

	m.sweeps, err = meter.Int64Counter(
		"coeditd.sweep.removed",
		metric.WithDescription("Expired lock and presence records removed by sweeps"),
	)
	logMetricInitError(logger, "coeditd.sweep.removed", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *serviceMetrics) recordLockOp(ctx context.Context, op, outcome string) {
	if m == nil || m.lockOps == nil {
		return
	}
	m.lockOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coeditd.lock.op", op),
		attribute.String("coeditd.lock.outcome", outcome),
	))
}

func (m *serviceMetrics) recordHeartbeat(ctx context.Context) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

func (m *serviceMetrics) recordDraftSave(ctx context.Context, autoSave bool) {
	if m == nil || m.draftSaves == nil {
		return
	}
	m.draftSaves.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("coeditd.draft.auto_save", autoSave),
	))
}

func (m *serviceMetrics) recordTransition(ctx context.Context, state string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coeditd.workflow.state", state),
	))
}

func (m *serviceMetrics) recordSweep(ctx context.Context, removed int) {
	if m == nil || m.sweeps == nil || removed <= 0 {
		return
	}
	m.sweeps.Add(ctx, int64(removed))
}
