package database

import "time"

// Video is a registered asset. The row is written only after FilePath is durable on disk;
// ImagePath stays empty until the thumbnail has been written.
type Video struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"not null;index" json:"name"`
	FilePath    string    `gorm:"not null" json:"file_path"`
	AccountID   uint      `gorm:"not null;index" json:"account_id"`
	Account     *Account  `json:"-"`
	GroupID     *uint     `gorm:"index" json:"group_id,omitempty"`
	Group       *Group    `json:"-"`
	ImagePath   string    `json:"image_path,omitempty"`
	FileType    string    `gorm:"not null" json:"file_type"`
	Description string    `json:"description"`
	Duration    float64   `json:"duration"`
	FileSize    int64     `gorm:"not null;default:0" json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
}
