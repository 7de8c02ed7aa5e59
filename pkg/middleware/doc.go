// Package middleware provides observability instrumentation for the notebook
// runtime: Prometheus metrics and OpenTelemetry tracing.
//
// # Prometheus Metrics
//
// Metrics is an instance-based recorder wired into the runtime through the
// engines' hook options:
//
//	metrics := middleware.NewMetrics()
//	engine := codecell.New(store, loop,
//	    codecell.WithExecHook(metrics.ObserveCellExecution),
//	)
//
// Metrics collected:
//   - nodebook_cell_executions_total: cell runs by cell and status
//   - nodebook_cell_execution_duration_seconds: cell run duration by cell
//   - nodebook_formula_evaluations_total: formula evaluations by engine and status
//   - nodebook_store_sets_total: accepted reactive writes
//   - nodebook_store_notifications_total: subscriber notifications fanned out
//   - nodebook_websocket_clients: connected feed clients
//
// Expose with the standard handler:
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # OpenTelemetry Tracing
//
// Tracer starts spans around cell executions, formula evaluations, and
// notebook loads using the global provider:
//
//	tracer := middleware.NewTracer()
//	ctx, span := tracer.StartCellSpan(ctx, cellID)
//	err := engine.Run(ctx, ...)
//	middleware.EndSpan(span, err)
//
// Both recorders are nil-receiver safe, so callers hold optional pointers
// and record unconditionally.
package middleware
