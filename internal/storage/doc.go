// Package storage provides the persistence layer for recurring event
// templates, recurrence rules, generated instances, exceptions and
// per-organization generation windows.
//
// Drivers:
//   - "memory": in-process maps (tests, ephemeral runs)
//   - "sqlite": SQLite database file via modernc.org/sqlite
//   - "postgres": PostgreSQL via pgx (pgxpool + database/sql adapter)
//
// Generated instances are unique on (base_recurring_event_id,
// original_instance_start_time). InsertInstance reports a conflicting insert
// as "not inserted" instead of an error so overlapping materialization runs
// never fail on each other.
package storage
