// Package workers runs the background jobs that keep generated instances
// fresh and bounded: materialization over a forward horizon, retention
// cleanup, and optional performance metrics aggregation.
//
// Every job body runs behind a safe wrapper that times it, logs the outcome
// and recovers panics, so a failing worker never reaches the scheduler.
package workers
