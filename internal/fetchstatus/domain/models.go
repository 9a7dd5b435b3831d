package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
)

// Status is the lifecycle state of a fetch job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// FetchJobStatus records the latest outcome of fetching one provider/org pair.
// There is exactly one row per pair; every run upserts it.
type FetchJobStatus struct {
	ID snowflake.ID `gorm:"primaryKey"`

	Provider providerdomain.Provider `gorm:"type:text;not null;uniqueIndex:idx_fetch_job_statuses_provider_org"`
	OrgID    string                  `gorm:"type:text;not null;uniqueIndex:idx_fetch_job_statuses_provider_org"`

	Status              Status `gorm:"type:text;not null"`
	Parked              bool   `gorm:"not null;default:false"`
	ConsecutiveFailures int64  `gorm:"not null;default:0"`
	LastError           string `gorm:"type:text"`

	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
	NextRunAt     *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FetchJobStatus) TableName() string {
	return "fetch_job_statuses"
}

// JobKey identifies a fetch job. One job exists per provider/org pair.
type JobKey struct {
	Provider providerdomain.Provider
	OrgID    string
}

func (k JobKey) String() string {
	return string(k.Provider) + ":" + k.OrgID
}
