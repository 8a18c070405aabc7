package storage

import (
	"time"

	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

type BotModel struct {
	gorm.Model
	Identifier string `gorm:"uniqueIndex"`
	Name       string
}

func (BotModel) TableName() string { return "bots" }

type Role struct {
	gorm.Model
	Name string `gorm:"uniqueIndex"`
}

func (Role) TableName() string { return "roles" }

type User struct {
	gorm.Model
	BotID      uint  `gorm:"index"`
	TelegramID int64 `gorm:"not null"`
	Username   string
	RoleID     uint
	Role       Role `gorm:"foreignKey:RoleID"`
	IsOwner    bool `gorm:"default:false"`
}

func (User) TableName() string { return "users" }

// IsAdminOrOwner reports whether the user may run privileged commands.
func (u User) IsAdminOrOwner() bool {
	return u.IsOwner || u.Role.Name == RoleAdmin || u.Role.Name == RoleOwner
}

// ProcessedUpdate records a Telegram update id that has been handled, so a
// redelivered update is never applied twice.
type ProcessedUpdate struct {
	ID          uint  `gorm:"primaryKey"`
	BotID       uint  `gorm:"not null"`
	UpdateID    int64 `gorm:"not null"`
	ChatID      int64
	UserID      int64
	Kind        string
	ProcessedAt time.Time
}

func (ProcessedUpdate) TableName() string { return "processed_updates" }

// Entry is one ledger record. Amount is in minor currency units.
// SyncedAt is nil until the row exists in the spreadsheet; ClearedAt is
// set once a deleted entry's row has been cleared there.
type Entry struct {
	gorm.Model
	BotID         uint   `gorm:"index"`
	UID           string `gorm:"column:uid;uniqueIndex"`
	ChatID        int64
	UserID        int64 `gorm:"index"`
	Username      string
	Amount        int64
	Currency      string
	Category      string
	Note          string
	RecordedAt    time.Time
	SyncedAt      *time.Time
	SheetRow      int
	SyncAttempts  int
	LastSyncError string
	ClearedAt     *time.Time
}

func (Entry) TableName() string { return "entries" }

// CategoryTotal is an aggregated sum for one category.
type CategoryTotal struct {
	Category string
	Total    int64
	Count    int64
}

// Stats summarizes a bot's stored data.
type Stats struct {
	Users            int64
	Entries          int64
	UnsyncedEntries  int64
	FailedEntries    int64
	ProcessedUpdates int64
}
