package journal

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel contains common fields.
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// Run is one invocation of a workflow.
type Run struct {
	BaseModel
	RunID      string     `json:"run_id" gorm:"size:36;uniqueIndex"`
	Command    string     `json:"command" gorm:"size:20;index"` // download, hdiff, ldiff, verify, cleanup
	Root       string     `json:"root" gorm:"size:500"`
	Manifest   string     `json:"manifest" gorm:"size:200"`
	VersionTag string     `json:"version_tag" gorm:"size:50"`
	Status     string     `json:"status" gorm:"size:20;index"`
	Error      string     `json:"error" gorm:"type:text"`
	Total      int        `json:"total"`
	Done       int        `json:"done"`
	Failed     int        `json:"failed"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Entry is one unit (asset, patch entry, verified file) of a run.
type Entry struct {
	BaseModel
	RunID   string `json:"run_id" gorm:"size:36;index"`
	Phase   string `json:"phase" gorm:"size:20;index"`
	Name    string `json:"name" gorm:"size:500"`
	Success bool   `json:"success" gorm:"index"`
	Error   string `json:"error" gorm:"type:text"`
}

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)
