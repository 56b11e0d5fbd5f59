package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (data is lost on exit)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}
