package entitystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

// MemoryStore is a thread-safe in-memory Store. It is the default when no
// database DSN is configured, and backs the package's tests.
type MemoryStore struct {
	mu sync.RWMutex

	robots     map[string]model.Robot
	thresholds map[string]model.Threshold // key: robotID|metric
	alerts     map[string]model.Alert     // key: alertID
	openDedup  map[string]string          // dedupKey -> alertID, only while open
	jobs       map[string]model.Job       // key: jobID
	audit      []model.AuditLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		robots:     make(map[string]model.Robot),
		thresholds: make(map[string]model.Threshold),
		alerts:     make(map[string]model.Alert),
		openDedup:  make(map[string]string),
		jobs:       make(map[string]model.Job),
	}
}

func (m *MemoryStore) Close() error { return nil }

func thresholdKey(robotID, metric string) string { return robotID + "|" + metric }

func (m *MemoryStore) UpsertRobotOnSeen(_ context.Context, robotID, networkAddress string, seenAt time.Time) (model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.robots[robotID]
	if !exists {
		r = model.Robot{
			RobotID:   robotID,
			Name:      robotID,
			FirstSeen: seenAt,
		}
	}
	r.NetworkAddress = networkAddress
	r.Status = model.RobotOnline
	r.LastSeen = seenAt
	m.robots[robotID] = r
	return r, nil
}

func (m *MemoryStore) MarkRobotStatus(_ context.Context, robotID string, status model.RobotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.robots[robotID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	m.robots[robotID] = r
	return nil
}

func (m *MemoryStore) GetRobot(_ context.Context, robotID string) (model.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.robots[robotID]
	if !ok {
		return model.Robot{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRobots(_ context.Context) ([]model.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Robot, 0, len(m.robots))
	for _, r := range m.robots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out, nil
}

func (m *MemoryStore) GetThreshold(_ context.Context, robotID, metric string) (model.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[thresholdKey(robotID, metric)]
	if !ok {
		return model.Threshold{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListThresholds(_ context.Context, robotID string) ([]model.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Threshold
	for _, t := range m.thresholds {
		if t.RobotID == robotID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

func (m *MemoryStore) UpsertThreshold(_ context.Context, t model.Threshold) (model.Threshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.UpdatedAt = time.Now().UTC()
	m.thresholds[thresholdKey(t.RobotID, t.Metric)] = t
	return t, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a model.Alert) (model.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.DedupKey == "" {
		a.DedupKey = model.DedupKey(a.RobotID, a.Metric, string(a.Severity))
	}
	if a.OpenedAt.IsZero() {
		a.OpenedAt = time.Now().UTC()
	}

	if existingID, open := m.openDedup[a.DedupKey]; open {
		return m.alerts[existingID], false, nil
	}

	m.alerts[a.AlertID] = a
	m.openDedup[a.DedupKey] = a.AlertID
	return a, true, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, dedupKey string, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alertID, ok := m.openDedup[dedupKey]
	if !ok {
		return ErrNotFound
	}
	a := m.alerts[alertID]
	t := resolvedAt
	a.ResolvedAt = &t
	m.alerts[alertID] = a
	delete(m.openDedup, dedupKey)
	return nil
}

func (m *MemoryStore) AcknowledgeAlert(_ context.Context, alertID, ackedBy string, ackedAt time.Time) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	t := ackedAt
	a.AckedAt = &t
	a.AckedBy = ackedBy
	m.alerts[alertID] = a
	return a, nil
}

func (m *MemoryStore) ListOpenAlerts(_ context.Context, robotID string) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if a.RobotID == robotID && a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, robotID string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if a.RobotID == robotID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertJob(_ context.Context, j model.Job) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID] = j
	return j, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

// TransitionJob mirrors the postgres implementation's conditional-update
// semantics under a single process-wide mutex: mutate is only applied, and
// the stored row only updated, while the job's status is still "active".
func (m *MemoryStore) TransitionJob(_ context.Context, jobID string, mutate func(*model.Job)) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	if j.Status.IsTerminal() {
		return j, ErrConflict
	}

	mutate(&j)
	j.RecomputePercent()
	j.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = j
	return j, nil
}

func (m *MemoryStore) ListActiveJobs(_ context.Context) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.Status == model.JobActive {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) ListJobsForRobot(_ context.Context, robotID string, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.RobotID == robotID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAuditLog(_ context.Context, log model.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, log)
	return nil
}

func (m *MemoryStore) ListAuditLogs(_ context.Context, robotID string, since time.Time, level string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditLog
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		log := m.audit[i]
		if robotID != "" && log.RobotID != robotID {
			continue
		}
		if level != "" && string(log.Level) != level {
			continue
		}
		if !since.IsZero() && log.CreatedAt.Before(since) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}
