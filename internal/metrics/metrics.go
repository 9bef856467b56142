package metrics

import "expvar"

var (
	PollRuns        = expvar.NewInt("poll_runs")
	PollErrors      = expvar.NewInt("poll_errors")
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")
	RetryAttempts   = expvar.NewInt("retry_attempts")
	ThrottleWaits   = expvar.NewInt("throttle_waits")
	RemoteRateHits  = expvar.NewInt("remote_rate_limit_hits")
	EventsDropped   = expvar.NewInt("events_dropped")
	SnapshotSaves   = expvar.NewInt("snapshot_saves")
	SnapshotLoads   = expvar.NewInt("snapshot_loads")
)
