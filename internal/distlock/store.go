package distlock

import "time"

// Row is the durable DistributedLock record (§3).
type Row struct {
	LockName  string `gorm:"column:lock_name;primaryKey"`
	OwnerID   string `gorm:"column:owner_id"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
	Metadata  string    `gorm:"column:metadata"`
}

// TableName pins the gorm model to the distributed_locks table.
func (Row) TableName() string { return "distributed_locks" }
