package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"recurd/internal/model"
)

type instanceKey struct {
	base  string
	start int64
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	templates  map[string]model.Template
	rules      map[string]model.RecurrenceRule // by id
	instances  map[string]model.GeneratedInstance
	identity   map[instanceKey]string // (base, start) -> instance id
	exceptions map[string]model.Exception
	windows    map[string]model.GenerationWindow
}

func NewMemory() *Memory {
	return &Memory{
		templates:  map[string]model.Template{},
		rules:      map[string]model.RecurrenceRule{},
		instances:  map[string]model.GeneratedInstance{},
		identity:   map[instanceKey]string{},
		exceptions: map[string]model.Exception{},
		windows:    map[string]model.GenerationWindow{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutTemplate(_ context.Context, t model.Template) error {
	if t.ID == "" {
		return errors.New("template id is required")
	}
	if t.OriginalSeriesID == "" {
		t.OriginalSeriesID = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Attachments = slices.Clone(t.Attachments)
	m.mu.Lock()
	m.templates[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutRule(_ context.Context, r model.RecurrenceRule) error {
	if r.ID == "" || r.BaseRecurringEventID == "" {
		return errors.New("rule id and base recurring event id are required")
	}
	m.mu.Lock()
	if r.OrganizationID == "" {
		r.OrganizationID = m.templates[r.BaseRecurringEventID].OrganizationID
	}
	m.rules[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutException(_ context.Context, e model.Exception) error {
	if e.ID == "" {
		return errors.New("exception id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ExceptionData = maps.Clone(e.ExceptionData)
	m.mu.Lock()
	m.exceptions[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListOrganizationsWithActiveTemplates(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := map[string]struct{}{}
	for _, t := range m.templates {
		if t.IsActive {
			set[t.OrganizationID] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (m *Memory) ListOrganizations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := map[string]struct{}{}
	for _, t := range m.templates {
		set[t.OrganizationID] = struct{}{}
	}
	for _, inst := range m.instances {
		set[inst.OrganizationID] = struct{}{}
	}
	return sortedKeys(set), nil
}

func (m *Memory) ListActiveTemplates(_ context.Context, orgID string) ([]model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Template
	for _, t := range m.templates {
		if t.OrganizationID == orgID && t.IsActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTemplates(_ context.Context, ids []string) ([]model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Template
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if t, ok := m.templates[id]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRules(_ context.Context, orgID string) ([]model.RecurrenceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RecurrenceRule
	for _, r := range m.rules {
		// Rules stored before their template carry no organization.
		if r.OrganizationID == "" {
			r.OrganizationID = m.templates[r.BaseRecurringEventID].OrganizationID
		}
		if r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertInstance(_ context.Context, inst model.GeneratedInstance) (bool, error) {
	if inst.ID == "" {
		return false, errors.New("instance id is required")
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	key := instanceKey{base: inst.BaseRecurringEventID, start: inst.OriginalInstanceStartTime.UnixMilli()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.identity[key]; exists {
		return false, nil
	}
	if _, exists := m.instances[inst.ID]; exists {
		return false, nil
	}
	m.instances[inst.ID] = inst
	m.identity[key] = inst.ID
	return true, nil
}

func (m *Memory) ListInstanceStarts(_ context.Context, templateID string, from, to time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []time.Time
	for _, inst := range m.instances {
		if inst.BaseRecurringEventID != templateID || !inRange(inst.OriginalInstanceStartTime, from, to) {
			continue
		}
		out = append(out, inst.OriginalInstanceStartTime.UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) ListInstances(_ context.Context, orgID string, from, to time.Time) ([]model.GeneratedInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.GeneratedInstance
	for _, inst := range m.instances {
		if inst.OrganizationID == orgID && inRange(inst.OriginalInstanceStartTime, from, to) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OriginalInstanceStartTime.Equal(b.OriginalInstanceStartTime) {
			return a.OriginalInstanceStartTime.Before(b.OriginalInstanceStartTime)
		}
		return a.BaseRecurringEventID < b.BaseRecurringEventID
	})
	return out, nil
}

func (m *Memory) CountInstances(_ context.Context, templateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.instances {
		if inst.BaseRecurringEventID == templateID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteInstancesBefore(_ context.Context, orgID string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := map[string]struct{}{}
	for id, inst := range m.instances {
		if inst.OrganizationID != orgID || !inst.OriginalInstanceStartTime.Before(before) {
			continue
		}
		deleted[id] = struct{}{}
		delete(m.instances, id)
		delete(m.identity, instanceKey{base: inst.BaseRecurringEventID, start: inst.OriginalInstanceStartTime.UnixMilli()})
	}
	for id, e := range m.exceptions {
		if e.RecurringEventInstanceID != "" {
			if _, ok := deleted[e.RecurringEventInstanceID]; ok {
				delete(m.exceptions, id)
			}
			continue
		}
		if e.OrganizationID == orgID && e.InstanceStartTime != nil && e.InstanceStartTime.Before(before) {
			delete(m.exceptions, id)
		}
	}
	return len(deleted), nil
}

func (m *Memory) ListExceptions(_ context.Context, orgID string, templateIDs []string) ([]model.Exception, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(templateIDs))
	for _, id := range templateIDs {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Exception
	for _, e := range m.exceptions {
		if e.OrganizationID != orgID {
			continue
		}
		if _, ok := want[e.BaseRecurringEventID]; !ok {
			continue
		}
		e.ExceptionData = maps.Clone(e.ExceptionData)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := lastWrite(out[i]), lastWrite(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetWindow(_ context.Context, orgID string) (model.GenerationWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[orgID]
	if !ok {
		return model.GenerationWindow{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) PutWindow(_ context.Context, w model.GenerationWindow) error {
	m.mu.Lock()
	m.windows[w.OrganizationID] = w
	m.mu.Unlock()
	return nil
}

func lastWrite(e model.Exception) time.Time {
	if e.UpdatedAt != nil {
		return *e.UpdatedAt
	}
	return e.CreatedAt
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
