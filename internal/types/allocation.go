package types

import "time"

// AllocationStatus tracks a job's capacity claim through its only
// legal progression: reserved -> allocated -> released. A reservation
// does not count toward consumed capacity; only allocated rows do.
type AllocationStatus string

const (
	AllocReserved  AllocationStatus = "reserved"
	AllocAllocated AllocationStatus = "allocated"
	AllocReleased  AllocationStatus = "released"
)

// ResourceAllocation is one-to-one with a Job that ever entered
// running. The unique index on JobID enforces at most one row per job
// at the store level.
type ResourceAllocation struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	JobID         uint             `gorm:"uniqueIndex;not null" json:"job_id"`
	AllocatedCPUs int              `json:"allocated_cpus"`
	NodeName      string           `gorm:"size:255" json:"node_name"`
	ProcessID     *int             `json:"process_id,omitempty"`
	Status        AllocationStatus `gorm:"size:32;index;not null" json:"status"`

	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

func (ResourceAllocation) TableName() string { return "resource_allocations" }
