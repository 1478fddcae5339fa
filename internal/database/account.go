package database

// Account is an authenticated identity. BytesUsed is the quota ledger counter.
type Account struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Username  string `gorm:"uniqueIndex;not null"`
	Hash      string `gorm:"not null"`
	BytesUsed int64  `gorm:"not null;default:0"`
}
