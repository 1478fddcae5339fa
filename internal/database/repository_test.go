package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db, err := NewDb(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	require.NoError(t, err, "failed to connect database")
	t.Cleanup(func() {
		if conn, err := db.DB(); err == nil {
			_ = conn.Close()
		}
	})
	return NewRepository(db), db
}

func mustAccount(t *testing.T, repo *Repository, name string) uint {
	t.Helper()
	id, err := repo.CreateAccount(context.Background(), name, "hash")
	require.NoError(t, err)
	return id
}

func TestRepository_CreateAccount(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()

	id, err := repo.CreateAccount(ctx, "dancer", "hash")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = repo.CreateAccount(ctx, "dancer", "other")
	assert.Error(t, err, "usernames are unique")

	got, err := repo.GetAccountByUsername(ctx, "dancer")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, int64(0), got.BytesUsed)

	_, err = repo.GetAccountByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRepository_OpenSession(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()
	account := mustAccount(t, repo, "session_user")

	first, err := repo.OpenSession(ctx, account, "clip.mov", 3, "video/quicktime")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID, "session id is generated by the database")

	again, err := repo.OpenSession(ctx, account, "clip.mov", 3, "video/quicktime")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := repo.OpenSession(ctx, account, "other.mov", 1, "video/quicktime")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = repo.OpenSession(ctx, account, "clip.mov", 4, "video/quicktime")
	assert.ErrorIs(t, err, ErrTotalChunksMismatch)
}

func TestRepository_SaveChunk(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()
	account := mustAccount(t, repo, "chunk_user")
	s, err := repo.OpenSession(ctx, account, "clip.mp4", 2, "video/mp4")
	require.NoError(t, err)

	tests := []struct {
		name   string
		number uint
		size   int64
	}{
		{name: "first", number: 0, size: 10},
		{name: "second", number: 1, size: 5},
		{name: "first resubmitted", number: 0, size: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, repo.SaveChunk(ctx, s.ID, tt.number, tt.size))
		})
	}

	got, err := repo.GetSession(ctx, account, "clip.mp4")
	require.NoError(t, err)
	want := []*UploadChunk{
		{SessionID: s.ID, Number: 0, Size: 12},
		{SessionID: s.ID, Number: 1, Size: 5},
	}
	if diff := cmp.Diff(want, got.Chunks, cmpopts.IgnoreFields(UploadChunk{}, "ID")); diff != "" {
		t.Errorf("GetSession() chunks:\n%s", diff)
	}

	require.NoError(t, repo.RemoveSession(ctx, s.ID))
	_, err = repo.GetSession(ctx, account, "clip.mp4")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRepository_VisibleVideos(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()
	alice := mustAccount(t, repo, "alice")
	bob := mustAccount(t, repo, "bob")
	carol := mustAccount(t, repo, "carol")

	crew, err := repo.CreateGroup(ctx, "crew", "", alice, false)
	require.NoError(t, err)
	solo, err := repo.CreateGroup(ctx, "solo", "", carol, false)
	require.NoError(t, err)
	require.NoError(t, repo.AddMember(ctx, crew, alice, ""))
	require.NoError(t, repo.AddMember(ctx, crew, bob, ""))
	require.NoError(t, repo.AddMember(ctx, solo, carol, ""))

	register := func(owner uint, group *uint, name string) uint {
		id, err := repo.RegisterVideo(ctx, &Video{Name: name, FilePath: name + ".mp4", AccountID: owner, GroupID: group, FileType: "mp4"})
		require.NoError(t, err)
		return id
	}
	aliceSalsa := register(alice, nil, "salsa basics")
	bobCrew := register(bob, &crew, "crew salsa night")
	carolSolo := register(carol, &solo, "solo tango")
	bobPrivate := register(bob, nil, "bob private")

	tests := []struct {
		name    string
		account uint
		q       string
		want    []uint
	}{
		{name: "own and group", account: alice, want: []uint{bobCrew, aliceSalsa}},
		{name: "filtered", account: alice, q: "night", want: []uint{bobCrew}},
		{name: "bob sees own private", account: bob, want: []uint{bobPrivate, bobCrew}},
		{name: "other group hidden", account: carol, want: []uint{carolSolo}},
		{name: "no match", account: carol, q: "salsa", want: []uint{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			videos, err := repo.VisibleVideos(ctx, tt.account, tt.q)
			require.NoError(t, err)
			got := make([]uint, 0, len(videos))
			for _, v := range videos {
				got = append(got, v.ID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("VisibleVideos():\n%s", diff)
			}
		})
	}
}

func TestRepository_Membership(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()
	alice := mustAccount(t, repo, "alice")
	bob := mustAccount(t, repo, "bob")
	group, err := repo.CreateGroup(ctx, "crew", "weekly", alice, true)
	require.NoError(t, err)
	require.NoError(t, repo.AddMember(ctx, group, alice, ""))
	require.NoError(t, repo.AddMember(ctx, group, alice, "admin"), "joining twice is a no-op")

	ok, err := repo.IsMember(ctx, group, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsMember(ctx, group, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := repo.GroupExists(ctx, group)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.GroupExists(ctx, group+100)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepository_DeleteVideo(t *testing.T) {
	repo, db := setup(t)
	ctx := context.Background()
	ledger := NewLedger(db, 10_000)
	alice := mustAccount(t, repo, "alice")
	bob := mustAccount(t, repo, "bob")

	require.NoError(t, ledger.Reserve(ctx, alice, 2500))
	id, err := repo.RegisterVideo(ctx, &Video{Name: "v", FilePath: "v.mp4", AccountID: alice, FileType: "mp4", FileSize: 2500})
	require.NoError(t, err)

	_, err = repo.DeleteVideo(ctx, bob, id)
	assert.ErrorIs(t, err, ErrNotOwner)

	deleted, err := repo.DeleteVideo(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, "v.mp4", deleted.FilePath)

	used, err := ledger.Usage(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	_, err = repo.GetVideo(ctx, id)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestLedger_Reserve(t *testing.T) {
	const limit = 1000
	tests := []struct {
		name     string
		current  int64
		incoming int64
		wantErr  error
		wantUsed int64
	}{
		{name: "empty account", current: 0, incoming: 400, wantUsed: 400},
		{name: "exactly at the limit", current: 600, incoming: 400, wantUsed: 1000},
		{name: "one byte over", current: 601, incoming: 400, wantErr: ErrQuotaExceeded, wantUsed: 601},
		{name: "full account, zero bytes", current: 1000, incoming: 0, wantUsed: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, db := setup(t)
			ctx := context.Background()
			ledger := NewLedger(db, limit)
			account := mustAccount(t, repo, "ledger")
			require.NoError(t, db.Model(&Account{}).Where("id = ?", account).UpdateColumn("bytes_used", tt.current).Error)

			err := ledger.Reserve(ctx, account, tt.incoming)
			if diff := cmp.Diff(tt.wantErr, err, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("Reserve() error:\n%s", diff)
			}
			var qe *QuotaExceededError
			if errors.As(err, &qe) {
				assert.Equal(t, int64(limit), qe.Limit)
				assert.Equal(t, tt.current, qe.Current)
				assert.Contains(t, qe.Error(), "space limit")
			}

			used, err := ledger.Usage(ctx, account)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUsed, used)
		})
	}
}

func TestLedger_SequentialReservations(t *testing.T) {
	repo, db := setup(t)
	ctx := context.Background()
	ledger := NewLedger(db, 1000)
	account := mustAccount(t, repo, "seq")

	require.NoError(t, ledger.Reserve(ctx, account, 700))
	assert.ErrorIs(t, ledger.Reserve(ctx, account, 301), ErrQuotaExceeded)
	require.NoError(t, ledger.Release(ctx, account, 700))
	assert.NoError(t, ledger.Reserve(ctx, account, 301))
}

func TestLedger_ConcurrentReservations(t *testing.T) {
	repo, db := setup(t)
	ctx := context.Background()
	ledger := NewLedger(db, 1000)
	account := mustAccount(t, repo, "concurrent")

	var accepted atomic.Int32
	wg := sync.WaitGroup{}
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.Reserve(ctx, account, 300)
			switch {
			case err == nil:
				accepted.Add(1)
			case !errors.Is(err, ErrQuotaExceeded):
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %s", err)
	}
	assert.Equal(t, int32(3), accepted.Load())
	used, err := ledger.Usage(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(900), used)
}

func TestLedger_Reconcile(t *testing.T) {
	repo, db := setup(t)
	ctx := context.Background()
	ledger := NewLedger(db, 0)
	assert.Equal(t, DefaultQuota, ledger.Limit())
	account := mustAccount(t, repo, "drift")

	for i, size := range []int64{1000, 1500} {
		_, err := repo.RegisterVideo(ctx, &Video{Name: fmt.Sprintf("v%d", i), FilePath: "p", AccountID: account, FileType: "mp4", FileSize: size})
		require.NoError(t, err)
	}
	require.NoError(t, db.Model(&Account{}).Where("id = ?", account).UpdateColumn("bytes_used", 99).Error)

	used, err := ledger.Reconcile(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), used)
	got, err := ledger.Usage(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got)
}
