package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/danceshare/internal/database"
	"github.com/konorlevich/danceshare/internal/media"
	"github.com/konorlevich/danceshare/internal/storage/chunks"
)

type ChunkStore interface {
	Put(ctx context.Context, key chunks.SessionKey, seq, total uint, mimeType string, chunk io.Reader) (chunks.PutResult, error)
	Finalize(ctx context.Context, key chunks.SessionKey, total uint) (*chunks.Assembled, error)
	Stage(r io.Reader, mimeType string) (*chunks.Assembled, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, path, declaredExt string) (*media.Normalized, error)
}

type Ledger interface {
	Reserve(ctx context.Context, account uint, incoming int64) error
	Release(ctx context.Context, account uint, n int64) error
}

type Registrar interface {
	GroupExists(ctx context.Context, group uint) (bool, error)
	IsMember(ctx context.Context, group, account uint) (bool, error)
	RegisterVideo(ctx context.Context, v *database.Video) (uint, error)
	SetThumbnail(ctx context.Context, id uint, imagePath string) error
	VisibleVideos(ctx context.Context, account uint, q string) ([]*database.Video, error)
	DeleteVideo(ctx context.Context, account, id uint) (*database.Video, error)
}

type Thumbnailer interface {
	ExtractStill(ctx context.Context, video string, at time.Duration) (string, error)
}

type Prober interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
}

// Metadata is what the client says about the video besides its bytes.
type Metadata struct {
	Name        string
	Description string
	Group       *uint
}

type Chunk struct {
	Account  uint
	FileName string
	Index    uint
	Total    uint
	MimeType string
	Data     io.Reader
}

type ChunkResult struct {
	Accepted bool
	Video    *database.Video
}

type Service struct {
	chunks      ChunkStore
	normalizer  Normalizer
	ledger      Ledger
	registrar   Registrar
	thumbnailer Thumbnailer
	prober      Prober
	uploadDir   string
	thumbnailAt time.Duration
	l           *log.Entry
}

type Deps struct {
	Chunks      ChunkStore
	Normalizer  Normalizer
	Ledger      Ledger
	Registrar   Registrar
	Thumbnailer Thumbnailer
	Prober      Prober
}

func NewService(d Deps, uploadDir string, thumbnailAt time.Duration, l *log.Entry) (*Service, error) {
	if err := os.MkdirAll(uploadDir, fs.ModePerm); err != nil {
		l.WithField("upload_dir", uploadDir).WithError(err).Error(ErrStorageFault)
		return nil, fmt.Errorf("can't create upload dir: %w", err)
	}
	return &Service{
		chunks:      d.Chunks,
		normalizer:  d.Normalizer,
		ledger:      d.Ledger,
		registrar:   d.Registrar,
		thumbnailer: d.Thumbnailer,
		prober:      d.Prober,
		uploadDir:   uploadDir,
		thumbnailAt: thumbnailAt,
		l:           l.WithField("component", "upload"),
	}, nil
}

// PutChunk stores one chunk. The final chunk of a session triggers reassembly and the commit of
// the video, which is returned in the result.
func (s *Service) PutChunk(ctx context.Context, c Chunk, meta Metadata) (*ChunkResult, error) {
	if c.FileName == "" {
		return nil, invalid{cause: errors.New("file name is required")}
	}
	if err := s.checkGroup(ctx, c.Account, meta.Group); err != nil {
		return nil, err
	}
	key := chunks.SessionKey{Account: c.Account, FileName: c.FileName}
	res, err := s.chunks.Put(ctx, key, c.Index, c.Total, c.MimeType, c.Data)
	if err != nil {
		return nil, classify(err)
	}
	if !res.IsFinal {
		return &ChunkResult{Accepted: res.Accepted}, nil
	}

	assembled, err := s.chunks.Finalize(ctx, key, c.Total)
	if err != nil {
		return nil, classify(err)
	}
	v, err := s.commit(ctx, c.Account, c.FileName, assembled, meta)
	if err != nil {
		return nil, err
	}
	return &ChunkResult{Accepted: true, Video: v}, nil
}

// Upload runs a whole file received in one request through the same commit path as a reassembled one.
func (s *Service) Upload(ctx context.Context, account uint, fileName, mimeType string, data io.Reader, meta Metadata) (*database.Video, error) {
	if fileName == "" {
		return nil, invalid{cause: errors.New("file name is required")}
	}
	if err := s.checkGroup(ctx, account, meta.Group); err != nil {
		return nil, err
	}
	staged, err := s.chunks.Stage(data, mimeType)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, account, fileName, staged, meta)
}

func (s *Service) checkGroup(ctx context.Context, account uint, group *uint) error {
	if group == nil {
		return nil
	}
	l := s.l.WithFields(log.Fields{"account": account, "group": *group})
	exists, err := s.registrar.GroupExists(ctx, *group)
	if err != nil {
		l.WithError(err).Error("can't check group")
		return ErrStorageFault
	}
	if !exists {
		return invalid{cause: fmt.Errorf("group %d does not exist", *group)}
	}
	member, err := s.registrar.IsMember(ctx, *group, account)
	if err != nil {
		l.WithError(err).Error("can't check group membership")
		return ErrStorageFault
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// commit takes a complete stream through normalize, reserve, durable write and registration.
// Nothing is visible until the row is inserted; any failure before that leaves the ledger as it was.
func (s *Service) commit(ctx context.Context, account uint, fileName string, in *chunks.Assembled, meta Metadata) (*database.Video, error) {
	ext := media.Ext(fileName)
	l := s.l.WithFields(log.Fields{"account": account, "file_name": fileName})

	normalized, err := s.normalizer.Normalize(ctx, in.Path, ext)
	if err != nil {
		removeFile(in.Path, l)
		return nil, classify(err)
	}
	defer removeFile(normalized.Path, l)

	if err := s.ledger.Reserve(ctx, account, normalized.Size); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			l.WithError(err).Info("upload rejected")
			return nil, err
		}
		l.WithError(err).Error("can't reserve quota")
		return nil, ErrStorageFault
	}

	finalPath := filepath.Join(s.uploadDir, uuid.NewString()+"."+media.CanonicalExt)
	if err := writeDurably(finalPath, normalized.Path); err != nil {
		l.WithField("path", finalPath).WithError(err).Error("can't write video file")
		s.release(ctx, account, normalized.Size, l)
		return nil, ErrStorageFault
	}

	v := &database.Video{
		Name:        meta.Name,
		FilePath:    finalPath,
		AccountID:   account,
		GroupID:     meta.Group,
		FileType:    ext,
		Description: meta.Description,
		Duration:    s.duration(ctx, finalPath, l),
		FileSize:    normalized.Size,
	}
	if v.Name == "" {
		v.Name = fileName
	}
	if _, err := s.registrar.RegisterVideo(ctx, v); err != nil {
		l.WithError(err).Error("can't register video")
		removeFile(finalPath, l)
		s.release(ctx, account, normalized.Size, l)
		return nil, ErrStorageFault
	}
	l = l.WithField("video_id", v.ID)
	l.WithField("size", v.FileSize).Info("video registered")

	thumb, err := s.thumbnailer.ExtractStill(ctx, finalPath, s.thumbnailAt)
	if err != nil {
		l.WithError(err).Warning("video stays without a thumbnail")
		return v, nil
	}
	if err := s.registrar.SetThumbnail(ctx, v.ID, thumb); err != nil {
		l.WithError(err).Warning("can't save thumbnail path")
		removeFile(thumb, l)
		return v, nil
	}
	v.ImagePath = thumb
	return v, nil
}

func (s *Service) duration(ctx context.Context, path string, l *log.Entry) float64 {
	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		l.WithError(err).Warning("can't read video duration")
		return 0
	}
	return info.Duration
}

func (s *Service) release(ctx context.Context, account uint, n int64, l *log.Entry) {
	if err := s.ledger.Release(ctx, account, n); err != nil {
		l.WithField("bytes", n).WithError(err).Error("can't release reserved quota")
	}
}

func (s *Service) List(ctx context.Context, account uint, q string) ([]*database.Video, error) {
	res, err := s.registrar.VisibleVideos(ctx, account, q)
	if err != nil {
		s.l.WithField("account", account).WithError(err).Error("can't list videos")
		return nil, ErrStorageFault
	}
	return res, nil
}

// Delete removes an owned video with its thumbnail and gives its bytes back to the account.
func (s *Service) Delete(ctx context.Context, account, id uint) error {
	l := s.l.WithFields(log.Fields{"account": account, "video_id": id})
	v, err := s.registrar.DeleteVideo(ctx, account, id)
	switch {
	case errors.Is(err, database.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrNotOwner):
		return ErrForbidden
	case err != nil:
		l.WithError(err).Error("can't delete video")
		return ErrStorageFault
	}
	removeFile(v.FilePath, l)
	if v.ImagePath != "" {
		removeFile(v.ImagePath, l)
	}
	l.Info("video deleted")
	return nil
}

func writeDurably(dst, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return atomic.WriteFile(dst, f)
}

func removeFile(p string, l *log.Entry) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.WithField("path", p).WithError(err).Warning("can't remove file")
	}
}
