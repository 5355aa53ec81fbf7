// Package health tracks the health of a stagegrid node's parts (the NATS
// connection, the control channel, the run or the local stage) and serves
// the aggregate as JSON.
//
// Three states are reported: healthy, degraded and unhealthy. The aggregate
// takes the worst state of its parts.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("nats", "connected")
//	monitor.UpdateDegraded("stage", "waiting for assignment")
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	srv.HandleHealth(monitor.Handler("node-a"))
//
// The handler answers 200 unless the aggregate is unhealthy, in which case
// it answers 503. Error messages are sanitized before they are stored, so
// URLs, paths and credentials do not leak through the endpoint.
package health
