package database

import (
	"time"

	"github.com/google/uuid"
)

// UploadSession is keyed by (AccountID, FileName); the chunk bytes live on disk under its ID.
type UploadSession struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())"`
	AccountID   uint      `gorm:"index:,unique,composite:account_file"`
	FileName    string    `gorm:"index:,unique,composite:account_file"`
	TotalChunks uint
	MimeType    string
	Chunks      []*UploadChunk `gorm:"foreignKey:SessionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	CreatedAt   time.Time
}

type UploadChunk struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:(gen_random_uuid())"`
	SessionID uuid.UUID `gorm:"index:,unique,composite:session_chunk"`
	Number    uint      `gorm:"index:,unique,composite:session_chunk"`
	Size      int64
}
