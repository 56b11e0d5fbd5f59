package metrics

import (
	"sort"
	"time"
)

// OperationStats aggregates the snapshots of one operation.
type OperationStats struct {
	Operation string
	Count     int
	Errors    int
	Items     int
	Total     time.Duration
	Avg       time.Duration
	Max       time.Duration
}

// Report is the result of Aggregate.
type Report struct {
	From       time.Time
	To         time.Time
	Samples    int
	Operations []OperationStats
}

// Aggregate summarizes the snapshots started in (now-window, now], grouped by
// operation and sorted by operation name.
func Aggregate(snaps []Snapshot, window time.Duration, now time.Time) Report {
	r := Report{From: now.Add(-window), To: now}
	byOp := map[string]*OperationStats{}
	for _, s := range snaps {
		if !s.Started.After(r.From) || s.Started.After(now) {
			continue
		}
		st, ok := byOp[s.Operation]
		if !ok {
			st = &OperationStats{Operation: s.Operation}
			byOp[s.Operation] = st
		}
		st.Count++
		st.Items += s.Items
		st.Total += s.Duration
		if s.Duration > st.Max {
			st.Max = s.Duration
		}
		if s.Error != "" {
			st.Errors++
		}
		r.Samples++
	}
	for _, st := range byOp {
		st.Avg = st.Total / time.Duration(st.Count)
		r.Operations = append(r.Operations, *st)
	}
	sort.Slice(r.Operations, func(i, j int) bool { return r.Operations[i].Operation < r.Operations[j].Operation })
	return r
}
