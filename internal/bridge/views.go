// ABOUTME: Outbound views of jobs and entities returned by the bridge.
// ABOUTME: Views are built per response and never written back to the store.

package bridge

import (
	"time"

	"github.com/2389/cauldron/internal/job"
	"github.com/2389/cauldron/internal/store"
)

// Submission is the immediate answer to an async request.
type Submission struct {
	JobID        int64      `json:"jobid"`
	JobStatus    job.Status `json:"jobstatus"`
	InstanceType string     `json:"instancetype,omitempty"`
	InstanceID   int64      `json:"instanceid,omitempty"`
}

// JobView is a job as seen by its poller. Succeeded and failed jobs have the
// same shape; callers branch on Status.
type JobView struct {
	JobID         int64       `json:"jobid"`
	Command       string      `json:"cmd"`
	Status        job.Status  `json:"jobstatus"`
	ProcessStatus int         `json:"jobprocstatus"`
	ResultCode    int         `json:"jobresultcode"`
	Result        *job.Result `json:"jobresult,omitempty"`
	InstanceType  string      `json:"jobinstancetype,omitempty"`
	InstanceID    int64       `json:"jobinstanceid,omitempty"`
	AccountID     int64       `json:"accountid"`
	UserID        int64       `json:"userid"`
	Created       time.Time   `json:"created"`
	Completed     *time.Time  `json:"completed,omitempty"`
}

func newJobView(rec *job.Record) *JobView {
	return &JobView{
		JobID:         rec.ID,
		Command:       rec.Command,
		Status:        rec.Status,
		ProcessStatus: rec.ProcessStatus,
		ResultCode:    rec.ResultCode,
		Result:        rec.Result,
		InstanceType:  rec.InstanceType,
		InstanceID:    rec.InstanceID,
		AccountID:     rec.AccountID,
		UserID:        rec.UserID,
		Created:       rec.CreatedAt,
		Completed:     rec.CompletedAt,
	}
}

// VolumeView is a volume with its in-flight job, if any.
type VolumeView struct {
	ID         int64             `json:"id"`
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	AccountID  int64             `json:"accountid"`
	TemplateID int64             `json:"templateid,omitempty"`
	PoolID     int64             `json:"poolid"`
	HostID     int64             `json:"hostid"`
	SizeGB     int64             `json:"size_gb"`
	State      store.VolumeState `json:"state"`
	Path       string            `json:"path,omitempty"`
	Created    time.Time         `json:"created"`

	JobID     int64      `json:"jobid,omitempty"`
	JobStatus job.Status `json:"jobstatus,omitempty"`
}

func newVolumeView(v *store.Volume) VolumeView {
	return VolumeView{
		ID:         v.ID,
		UUID:       v.UUID,
		Name:       v.Name,
		AccountID:  v.AccountID,
		TemplateID: v.TemplateID,
		PoolID:     v.PoolID,
		HostID:     v.HostID,
		SizeGB:     v.SizeGB,
		State:      v.State,
		Path:       v.Path,
		Created:    v.CreatedAt,
	}
}
