// Package api exposes the browser-facing HTTP surface: the SSE run stream and
// its synchronous variant, run history, persisted run settings, device
// management and the supported app list. Health and Prometheus metrics are
// served next to them.
package api
