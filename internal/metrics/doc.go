// Package metrics keeps a bounded history of performance snapshots (one per
// worker run or timed operation) and aggregates them over a time window.
//
// A Tracker is the default snapshot provider handed to the worker scheduler;
// it is fed from worker.run events on the event bus.
package metrics
