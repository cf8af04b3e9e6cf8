// ABOUTME: Job record types and the submission spec accepted by the Manager.
// ABOUTME: Records are persisted through store.JobStore; these are thin aliases.

package job

import (
	"encoding/json"

	"github.com/2389/cauldron/internal/store"
)

// Record is the durable representation of an asynchronous unit of work.
type Record = store.Job

// Result is the tagged payload stored on a terminal record.
type Result = store.JobResult

// Status is a job lifecycle state.
type Status = store.JobStatus

const (
	StatusQueued     = store.JobQueued
	StatusInProgress = store.JobInProgress
	StatusSucceeded  = store.JobSucceeded
	StatusFailed     = store.JobFailed
)

// Spec describes a job to submit.
type Spec struct {
	AccountID int64
	UserID    int64

	// Command is the registered command class identifier.
	Command string

	// Params are the command's bound parameters, as JSON.
	Params json.RawMessage

	// InstanceType and InstanceID correlate the job with a business entity,
	// such as the volume being created.
	InstanceType string
	InstanceID   int64

	// Resource, when set, is the concurrency token the job must hold while
	// it is queued or running.
	Resource *ResourceKey
}
