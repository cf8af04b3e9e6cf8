// ABOUTME: Store interfaces and data types for cauldron persistence
// ABOUTME: Defines job records, hosts, accounts and volume inventory plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row
var ErrDuplicate = errors.New("already exists")

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Result payload kinds
const (
	ResultVolume    = "volume"
	ResultSnapshot  = "snapshot"
	ResultHostStats = "hoststats"
	ResultSuccess   = "success"
	ResultError     = "error"
)

// JobResult is the tagged payload stored on a terminal job. Successful and
// failed jobs share this shape; pollers branch on the job status.
type JobResult struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// Job is the durable record of an asynchronous unit of work.
//
// ProcessStatus is a progress marker the running command reports while the
// job is pending. Zero means nothing was reported. The volume and snapshot
// commands report 1 once their entity row is allocated and 2 once the
// request has been sent to the host. It is frozen when the job completes.
type Job struct {
	ID            int64
	UUID          string
	AccountID     int64
	UserID        int64
	Command       string // registered command class identifier
	Params        string // JSON-encoded command parameters
	Status        JobStatus
	ProcessStatus int
	ResultCode    int
	Result        *JobResult
	InstanceType  string // entity type the job acts on, empty if none
	InstanceID    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	AccountID int64
	Status    JobStatus
	Limit     int
}

// JobStore persists job records. Status transitions are conditional so a
// terminal job can never transition again.
type JobStore interface {
	// CreateJob inserts a queued job and fills in ID, UUID and timestamps.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	// MarkJobInProgress moves a queued job to in_progress. It returns false
	// when the job was not queued.
	MarkJobInProgress(ctx context.Context, id int64) (bool, error)
	UpdateJobProcessStatus(ctx context.Context, id int64, processStatus int) error
	// CompleteJob moves a non-terminal job to status. It returns false, and
	// leaves the row untouched, when the job was already terminal.
	CompleteJob(ctx context.Context, id int64, status JobStatus, resultCode int, result *JobResult) (bool, error)
	// ListPendingJobs returns non-terminal jobs acting on instanceType. An
	// accountID of zero matches every account.
	ListPendingJobs(ctx context.Context, instanceType string, accountID int64) ([]*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// FailUnfinishedJobs fails every non-terminal job and returns how many
	// rows changed.
	FailUnfinishedJobs(ctx context.Context, resultCode int, result *JobResult) (int64, error)
}

// Account owns users and the resources they create
type Account struct {
	ID        int64
	UUID      string
	Name      string
	Admin     bool
	Enabled   bool
	CreatedAt time.Time
}

// User belongs to exactly one account
type User struct {
	ID        int64
	UUID      string
	AccountID int64
	Name      string
	CreatedAt time.Time
}

// AccountStore provides account and user lookups
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
}

// HostStatus tracks agent connectivity for a host
type HostStatus string

const (
	HostConnecting   HostStatus = "connecting"
	HostUp           HostStatus = "up"
	HostDisconnected HostStatus = "disconnected"
)

// Hypervisor kinds understood by the agent layer
const (
	HypervisorSimulator = "simulator"
	HypervisorAgent     = "agent"
)

// Host is a hypervisor host driven through a host agent
type Host struct {
	ID         int64
	UUID       string
	Name       string
	Address    string
	Hypervisor string
	SecretHash string // bcrypt hash of the agent's shared secret
	Status     HostStatus
	LastSeen   *time.Time
	CreatedAt  time.Time
}

// HostStore provides host metadata
type HostStore interface {
	CreateHost(ctx context.Context, host *Host) error
	GetHost(ctx context.Context, id int64) (*Host, error)
	GetHostByName(ctx context.Context, name string) (*Host, error)
	ListHosts(ctx context.Context) ([]*Host, error)
	UpdateHostStatus(ctx context.Context, id int64, status HostStatus) error
}

// Template is a disk image volumes can be created from
type Template struct {
	ID        int64
	UUID      string
	Name      string
	SizeGB    int64
	CreatedAt time.Time
}

// StoragePool is primary storage attached to a host
type StoragePool struct {
	ID         int64
	UUID       string
	Name       string
	HostID     int64
	CapacityGB int64
	CreatedAt  time.Time
}

// VolumeState is the stored lifecycle state of a volume or snapshot
type VolumeState string

const (
	VolumeAllocated VolumeState = "allocated"
	VolumeReady     VolumeState = "ready"
	VolumeDestroyed VolumeState = "destroyed"
	VolumeError     VolumeState = "error"
)

// Volume is a virtual disk on a storage pool
type Volume struct {
	ID         int64
	UUID       string
	Name       string
	AccountID  int64
	TemplateID int64
	PoolID     int64
	HostID     int64
	SizeGB     int64
	State      VolumeState
	Path       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot is a point-in-time copy of a volume
type Snapshot struct {
	ID        int64
	UUID      string
	Name      string
	AccountID int64
	VolumeID  int64
	HostID    int64
	State     VolumeState
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VolumeStore provides templates, pools, volumes and snapshots
type VolumeStore interface {
	CreateTemplate(ctx context.Context, tmpl *Template) error
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	CreateStoragePool(ctx context.Context, pool *StoragePool) error
	GetStoragePool(ctx context.Context, id int64) (*StoragePool, error)

	CreateVolume(ctx context.Context, vol *Volume) error
	GetVolume(ctx context.Context, id int64) (*Volume, error)
	UpdateVolume(ctx context.Context, vol *Volume) error
	DeleteVolume(ctx context.Context, id int64) error
	ListVolumes(ctx context.Context, accountID int64) ([]*Volume, error)

	CreateSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, id int64) (*Snapshot, error)
	UpdateSnapshot(ctx context.Context, snap *Snapshot) error
	DeleteSnapshot(ctx context.Context, id int64) error
	ListSnapshots(ctx context.Context, accountID int64) ([]*Snapshot, error)
}

// Store combines every persistence interface
type Store interface {
	JobStore
	AccountStore
	HostStore
	VolumeStore

	// Close releases any resources held by the store
	Close() error
}
