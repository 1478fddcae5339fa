package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTotalChunksMismatch = errors.New("total chunk count differs from the open session")
	ErrNotOwner            = errors.New("video belongs to another account")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	conn, err := r.db.DB()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

func (r *Repository) CreateAccount(ctx context.Context, username, hash string) (uint, error) {
	a := &Account{Username: username, Hash: hash}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return 0, err
	}
	return a.ID, nil
}

func (r *Repository) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	a := &Account{}
	return a, r.db.WithContext(ctx).First(a, &Account{Username: username}).Error
}

func (r *Repository) GetAccount(ctx context.Context, id uint) (*Account, error) {
	a := &Account{}
	return a, r.db.WithContext(ctx).First(a, id).Error
}

func (r *Repository) ListAccountIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	return ids, r.db.WithContext(ctx).Model(&Account{}).Order("id").Pluck("id", &ids).Error
}

func (r *Repository) CreateGroup(ctx context.Context, name, description string, creator uint, public bool) (uint, error) {
	g := &Group{Name: name, Description: description, CreatorID: creator, Public: public}
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		return 0, err
	}
	return g.ID, nil
}

func (r *Repository) AddMember(ctx context.Context, group, account uint, role string) error {
	if role == "" {
		role = RoleMember
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupMember{GroupID: group, AccountID: account, Role: role}).Error
}

func (r *Repository) GroupExists(ctx context.Context, group uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Group{}).Where("id = ?", group).Count(&n).Error
	return n > 0, err
}

func (r *Repository) IsMember(ctx context.Context, group, account uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where(&GroupMember{GroupID: group, AccountID: account}).
		Count(&n).Error
	return n > 0, err
}

// OpenSession returns the session for (account, fileName), creating it on the first chunk.
func (r *Repository) OpenSession(ctx context.Context, account uint, fileName string, total uint, mimeType string) (*UploadSession, error) {
	s := &UploadSession{}
	err := r.db.WithContext(ctx).
		Where(&UploadSession{AccountID: account, FileName: fileName}).
		Attrs(&UploadSession{TotalChunks: total, MimeType: mimeType}).
		FirstOrCreate(s).Error
	if err != nil {
		return nil, err
	}
	if s.TotalChunks != total {
		return s, ErrTotalChunksMismatch
	}
	return s, nil
}

func (r *Repository) GetSession(ctx context.Context, account uint, fileName string) (*UploadSession, error) {
	s := &UploadSession{}
	return s, r.db.WithContext(ctx).
		Preload("Chunks", func(db *gorm.DB) *gorm.DB { return db.Order("number") }).
		First(s, &UploadSession{AccountID: account, FileName: fileName}).Error
}

// SaveChunk records a received sequence number; a resubmitted number replaces the prior size.
func (r *Repository) SaveChunk(ctx context.Context, session uuid.UUID, number uint, size int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "number"}},
			DoUpdates: clause.AssignmentColumns([]string{"size"}),
		}).
		Create(&UploadChunk{SessionID: session, Number: number, Size: size}).Error
}

func (r *Repository) RemoveSession(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(&UploadChunk{SessionID: id}).Delete(&UploadChunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&UploadSession{}, "id = ?", id).Error
	})
}

// ExpiredSessions returns sessions created before the given time, oldest first.
func (r *Repository) ExpiredSessions(ctx context.Context, before time.Time) ([]*UploadSession, error) {
	res := make([]*UploadSession, 0)
	return res, r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Order("created_at").
		Find(&res).Error
}

// RegisterVideo commits the asset row. Callers must have the file durably in place.
func (r *Repository) RegisterVideo(ctx context.Context, v *Video) (uint, error) {
	v.ID = 0
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return 0, err
	}
	return v.ID, nil
}

func (r *Repository) SetThumbnail(ctx context.Context, id uint, imagePath string) error {
	return r.db.WithContext(ctx).Model(&Video{ID: id}).Update("image_path", imagePath).Error
}

func (r *Repository) GetVideo(ctx context.Context, id uint) (*Video, error) {
	v := &Video{}
	return v, r.db.WithContext(ctx).First(v, id).Error
}

// VisibleVideos lists the account's own uploads and uploads shared into its groups.
func (r *Repository) VisibleVideos(ctx context.Context, account uint, q string) ([]*Video, error) {
	memberOf := r.db.Model(&GroupMember{}).Select("group_id").Where("account_id = ?", account)
	tx := r.db.WithContext(ctx).
		Where("(account_id = ? OR group_id IN (?))", account, memberOf)
	if q != "" {
		tx = tx.Where("name LIKE ?", "%"+q+"%")
	}
	res := make([]*Video, 0)
	return res, tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).Find(&res).Error
}

// DeleteVideo removes an owned video and releases its bytes from the ledger in one transaction.
func (r *Repository) DeleteVideo(ctx context.Context, account, id uint) (*Video, error) {
	v := &Video{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(v, id).Error; err != nil {
			return err
		}
		if v.AccountID != account {
			return ErrNotOwner
		}
		if err := tx.Delete(&Video{}, id).Error; err != nil {
			return err
		}
		return release(tx, account, v.FileSize)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
