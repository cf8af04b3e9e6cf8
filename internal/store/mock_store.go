// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	nextID    map[string]int64 // per-table id sequence
	jobs      map[int64]*Job
	accounts  map[int64]*Account
	users     map[int64]*User
	hosts     map[int64]*Host
	templates map[int64]*Template
	pools     map[int64]*StoragePool
	volumes   map[int64]*Volume
	snapshots map[int64]*Snapshot
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nextID:    make(map[string]int64),
		jobs:      make(map[int64]*Job),
		accounts:  make(map[int64]*Account),
		users:     make(map[int64]*User),
		hosts:     make(map[int64]*Host),
		templates: make(map[int64]*Template),
		pools:     make(map[int64]*StoragePool),
		volumes:   make(map[int64]*Volume),
		snapshots: make(map[int64]*Snapshot),
	}
}

// assignID returns id if non-zero, otherwise the next id for table.
// Callers hold m.mu.
func (m *MockStore) assignID(table string, id int64) int64 {
	if id == 0 {
		m.nextID[table]++
		return m.nextID[table]
	}
	if id > m.nextID[table] {
		m.nextID[table] = id
	}
	return id
}

func copyJob(j *Job) *Job {
	c := *j
	if j.Result != nil {
		r := JobResult{Kind: j.Result.Kind, Data: maps.Clone(j.Result.Data)}
		c.Result = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateJob stores a new queued job.
func (m *MockStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.UUID == "" {
		job.UUID = uuid.New().String()
	}
	if job.Params == "" {
		job.Params = "{}"
	}
	now := time.Now().UTC()
	job.ID = m.assignID("jobs", 0)
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	m.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID.
func (m *MockStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

// MarkJobInProgress transitions a queued job to in_progress.
func (m *MockStore) MarkJobInProgress(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != JobQueued {
		return false, nil
	}
	j.Status = JobInProgress
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UpdateJobProcessStatus records progress on a job.
func (m *MockStore) UpdateJobProcessStatus(ctx context.Context, id int64, processStatus int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	j.ProcessStatus = processStatus
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteJob stores a terminal outcome for a non-terminal job.
func (m *MockStore) CompleteJob(ctx context.Context, id int64, status JobStatus, resultCode int, result *JobResult) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("completing job %d: status %q is not terminal", id, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = status
	j.ResultCode = resultCode
	j.UpdatedAt = now
	j.CompletedAt = &now
	if result != nil {
		r := JobResult{Kind: result.Kind, Data: maps.Clone(result.Data)}
		j.Result = &r
	}
	return true, nil
}

// ListPendingJobs returns non-terminal jobs for an entity type.
func (m *MockStore) ListPendingJobs(ctx context.Context, instanceType string, accountID int64) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.Status.Terminal() || j.InstanceType != instanceType {
			continue
		}
		if accountID != 0 && j.AccountID != accountID {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// ListJobs returns jobs newest first.
func (m *MockStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if filter.AccountID != 0 && j.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })

	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailUnfinishedJobs fails every non-terminal job.
func (m *MockStore) FailUnfinishedJobs(ctx context.Context, resultCode int, result *JobResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.Status.Terminal() {
			continue
		}
		j.Status = JobFailed
		j.ResultCode = resultCode
		j.UpdatedAt = now
		j.CompletedAt = &now
		if result != nil {
			r := JobResult{Kind: result.Kind, Data: maps.Clone(result.Data)}
			j.Result = &r
		}
		n++
	}
	return n, nil
}

// CreateAccount stores an account.
func (m *MockStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists && account.ID != 0 {
		return ErrDuplicate
	}
	for _, a := range m.accounts {
		if a.Name == account.Name {
			return ErrDuplicate
		}
	}
	if account.UUID == "" {
		account.UUID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.ID = m.assignID("accounts", account.ID)

	a := *account
	m.accounts[a.ID] = &a
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// CreateUser stores a user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists && user.ID != 0 {
		return ErrDuplicate
	}
	if user.UUID == "" {
		user.UUID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.ID = m.assignID("users", user.ID)

	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// CreateHost stores a host.
func (m *MockStore) CreateHost(ctx context.Context, host *Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hosts[host.ID]; exists && host.ID != 0 {
		return ErrDuplicate
	}
	for _, h := range m.hosts {
		if h.Name == host.Name {
			return ErrDuplicate
		}
	}
	if host.UUID == "" {
		host.UUID = uuid.New().String()
	}
	if host.Status == "" {
		host.Status = HostDisconnected
	}
	if host.CreatedAt.IsZero() {
		host.CreatedAt = time.Now().UTC()
	}
	host.ID = m.assignID("hosts", host.ID)

	h := *host
	m.hosts[h.ID] = &h
	return nil
}

// GetHost retrieves a host by ID.
func (m *MockStore) GetHost(ctx context.Context, id int64) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *h
	return &result, nil
}

// GetHostByName retrieves a host by name.
func (m *MockStore) GetHostByName(ctx context.Context, name string) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.hosts {
		if h.Name == name {
			result := *h
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListHosts returns every host ordered by ID.
func (m *MockStore) ListHosts(ctx context.Context) ([]*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// UpdateHostStatus records a connectivity transition.
func (m *MockStore) UpdateHostStatus(ctx context.Context, id int64, status HostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	h.Status = status
	h.LastSeen = &now
	return nil
}

// CreateTemplate stores a template.
func (m *MockStore) CreateTemplate(ctx context.Context, tmpl *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.templates[tmpl.ID]; exists && tmpl.ID != 0 {
		return ErrDuplicate
	}
	if tmpl.UUID == "" {
		tmpl.UUID = uuid.New().String()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	tmpl.ID = m.assignID("templates", tmpl.ID)

	t := *tmpl
	m.templates[t.ID] = &t
	return nil
}

// GetTemplate retrieves a template by ID.
func (m *MockStore) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// CreateStoragePool stores a storage pool.
func (m *MockStore) CreateStoragePool(ctx context.Context, pool *StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[pool.ID]; exists && pool.ID != 0 {
		return ErrDuplicate
	}
	if pool.UUID == "" {
		pool.UUID = uuid.New().String()
	}
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = time.Now().UTC()
	}
	pool.ID = m.assignID("pools", pool.ID)

	p := *pool
	m.pools[p.ID] = &p
	return nil
}

// GetStoragePool retrieves a storage pool by ID.
func (m *MockStore) GetStoragePool(ctx context.Context, id int64) (*StoragePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// CreateVolume stores a volume.
func (m *MockStore) CreateVolume(ctx context.Context, vol *Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vol.UUID == "" {
		vol.UUID = uuid.New().String()
	}
	if vol.State == "" {
		vol.State = VolumeAllocated
	}
	now := time.Now().UTC()
	vol.ID = m.assignID("volumes", 0)
	vol.CreatedAt = now
	vol.UpdatedAt = now

	v := *vol
	m.volumes[v.ID] = &v
	return nil
}

// GetVolume retrieves a volume by ID.
func (m *MockStore) GetVolume(ctx context.Context, id int64) (*Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.volumes[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *v
	return &result, nil
}

// UpdateVolume writes state, path and size.
func (m *MockStore) UpdateVolume(ctx context.Context, vol *Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[vol.ID]
	if !ok {
		return ErrNotFound
	}
	vol.UpdatedAt = time.Now().UTC()
	v.State = vol.State
	v.Path = vol.Path
	v.SizeGB = vol.SizeGB
	v.UpdatedAt = vol.UpdatedAt
	return nil
}

// DeleteVolume removes a volume.
func (m *MockStore) DeleteVolume(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.volumes[id]; !ok {
		return ErrNotFound
	}
	delete(m.volumes, id)
	return nil
}

// ListVolumes returns volumes ordered by ID.
func (m *MockStore) ListVolumes(ctx context.Context, accountID int64) ([]*Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Volume
	for _, v := range m.volumes {
		if accountID != 0 && v.AccountID != accountID {
			continue
		}
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// CreateSnapshot stores a snapshot.
func (m *MockStore) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.UUID == "" {
		snap.UUID = uuid.New().String()
	}
	if snap.State == "" {
		snap.State = VolumeAllocated
	}
	now := time.Now().UTC()
	snap.ID = m.assignID("snapshots", 0)
	snap.CreatedAt = now
	snap.UpdatedAt = now

	s := *snap
	m.snapshots[s.ID] = &s
	return nil
}

// GetSnapshot retrieves a snapshot by ID.
func (m *MockStore) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// UpdateSnapshot writes state and path.
func (m *MockStore) UpdateSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[snap.ID]
	if !ok {
		return ErrNotFound
	}
	snap.UpdatedAt = time.Now().UTC()
	s.State = snap.State
	s.Path = snap.Path
	s.UpdatedAt = snap.UpdatedAt
	return nil
}

// DeleteSnapshot removes a snapshot.
func (m *MockStore) DeleteSnapshot(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[id]; !ok {
		return ErrNotFound
	}
	delete(m.snapshots, id)
	return nil
}

// ListSnapshots returns snapshots ordered by ID.
func (m *MockStore) ListSnapshots(ctx context.Context, accountID int64) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, s := range m.snapshots {
		if accountID != 0 && s.AccountID != accountID {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
