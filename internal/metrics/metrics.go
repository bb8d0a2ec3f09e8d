// Package metrics publishes process counters through expvar.
package metrics

import "expvar"

var (
	OrdersOpened     = expvar.NewInt("orders_opened")
	OrdersClosed     = expvar.NewInt("orders_closed")
	OrdersModified   = expvar.NewInt("orders_modified")
	CommandFailures  = expvar.NewMap("command_failures")
	SessionRefreshes = expvar.NewInt("session_refreshes")
	BrokerRejections = expvar.NewInt("broker_rejections")
	ReconcileRuns    = expvar.NewInt("reconcile_runs")
	ReconcileRemoved = expvar.NewInt("reconcile_removed")
)
