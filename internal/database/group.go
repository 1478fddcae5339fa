package database

import "time"

const (
	RoleMember = "member"
	RoleOwner  = "owner"
)

type Group struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;not null"`
	Description string
	CreatorID   uint `gorm:"not null"`
	Creator     *Account
	Public      bool `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

type GroupMember struct {
	GroupID   uint `gorm:"primaryKey"`
	Group     *Group
	AccountID uint `gorm:"primaryKey"`
	Account   *Account
	Role      string `gorm:"not null;default:member"`
	JoinedAt  time.Time
}
