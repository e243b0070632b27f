package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sniptail metric instruments.
type Metrics struct {
	JobsEnqueued     metric.Int64Counter
	JobsClaimed      metric.Int64Counter
	JobsCompleted    metric.Int64Counter
	JobsFailed       metric.Int64Counter
	JobDuration      metric.Float64Histogram
	JobsInFlight     metric.Int64UpDownCounter
	ApprovalsPending metric.Int64UpDownCounter
	PolicyDenies     metric.Int64Counter
	RecordsSwept     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsEnqueued, err = meter.Int64Counter("sniptail.jobs.enqueued",
		metric.WithDescription("Jobs accepted at intake"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsClaimed, err = meter.Int64Counter("sniptail.jobs.claimed",
		metric.WithDescription("Jobs claimed queued to running"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("sniptail.jobs.completed",
		metric.WithDescription("Jobs finished ok"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("sniptail.jobs.failed",
		metric.WithDescription("Jobs finished failed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("sniptail.job.duration",
		metric.WithDescription("Job wall time from claim to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsInFlight, err = meter.Int64UpDownCounter("sniptail.jobs.in_flight",
		metric.WithDescription("Jobs currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("sniptail.approvals.pending",
		metric.WithDescription("Approval requests awaiting resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenies, err = meter.Int64Counter("sniptail.policy.denies",
		metric.WithDescription("Actions denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsSwept, err = meter.Int64Counter("sniptail.registry.swept",
		metric.WithDescription("Job records removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
