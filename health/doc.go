// Package health tracks the health of the pipeline's execution units and
// aggregates them into one system status.
//
// Three states are supported: healthy, degraded and unhealthy. The capture
// unit reports degraded while it is reopening the device, the publisher
// reports unhealthy once it gives up, and the metrics server exposes the
// aggregate at /health through Handler.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("capture", "frames flowing")
//	monitor.Update("publisher", health.FromError("publisher", err))
//
//	status := monitor.AggregateHealth("camstream")
//
// Messages built from errors are sanitized: URLs, paths, IP addresses, ports
// and credential-looking pairs are replaced with placeholders.
//
// Monitor is safe for concurrent use.
package health
