package chunks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/konorlevich/danceshare/internal/database"
)

var (
	ErrInvalidChunk = errors.New("invalid chunk")
	ErrStorageFault = errors.New("storage fault")
	ErrMissingChunk = errors.New("missing chunk")

	ErrEmptyChunk          = fmt.Errorf("%w: chunk is empty", ErrInvalidChunk)
	ErrChunkOutOfRange     = fmt.Errorf("%w: sequence number out of range", ErrInvalidChunk)
	ErrTotalChunksMismatch = fmt.Errorf("%w: total chunk count differs from the open session", ErrInvalidChunk)

	ErrCantCreateStorage   = fmt.Errorf("%w: can't create chunk storage", ErrStorageFault)
	ErrCantCreateChunkDir  = fmt.Errorf("%w: can't create chunk storage dir", ErrStorageFault)
	ErrCantWriteChunkFile  = fmt.Errorf("%w: can't write chunk file", ErrStorageFault)
	ErrCantReadChunk       = fmt.Errorf("%w: can't read the chunk file", ErrStorageFault)
	ErrCantCreateAssembled = fmt.Errorf("%w: can't create assembled file", ErrStorageFault)
	ErrCantSaveSession     = fmt.Errorf("%w: can't save upload session", ErrStorageFault)
)

// MissingChunkError names the lowest sequence number absent at finalize time.
type MissingChunkError struct {
	Number uint
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Number)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

// SessionKey identifies an upload: one account, one declared file name.
type SessionKey struct {
	Account  uint
	FileName string
}

func (k SessionKey) String() string {
	return strconv.FormatUint(uint64(k.Account), 10) + "/" + k.FileName
}

type SessionRepository interface {
	OpenSession(ctx context.Context, account uint, fileName string, total uint, mimeType string) (*database.UploadSession, error)
	GetSession(ctx context.Context, account uint, fileName string) (*database.UploadSession, error)
	SaveChunk(ctx context.Context, session uuid.UUID, number uint, size int64) error
	RemoveSession(ctx context.Context, id uuid.UUID) error
}

type PutResult struct {
	Accepted bool
	IsFinal  bool
}

// Assembled is the reassembled byte stream of a finished session, stored as one file.
type Assembled struct {
	Path     string
	Size     int64
	MimeType string
}

type Storage struct {
	path     string
	sessions SessionRepository
	locks    *keyedMutex
	l        *log.Entry
}

func NewStorage(basePath string, sessions SessionRepository, l *log.Entry) (*Storage, error) {
	storagePath := filepath.Join(basePath, "chunks")
	for _, dir := range []string{storagePath, filepath.Join(basePath, "assembled")} {
		if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
			l.WithField("dir", dir).WithError(err).Error(ErrCantCreateStorage)
			return nil, ErrCantCreateStorage
		}
	}
	return &Storage{
		path:     basePath,
		sessions: sessions,
		locks:    newKeyedMutex(),
		l:        l.WithField("storage_base_path", basePath),
	}, nil
}

// Put persists one chunk of the session, replacing any earlier chunk with the same number.
func (s *Storage) Put(ctx context.Context, key SessionKey, seq, total uint, mimeType string, chunk io.Reader) (PutResult, error) {
	if total < 1 || seq >= total {
		return PutResult{}, ErrChunkOutOfRange
	}
	br := bufio.NewReader(chunk)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return PutResult{}, ErrEmptyChunk
		}
		s.l.WithError(err).Error(ErrCantWriteChunkFile)
		return PutResult{}, ErrCantWriteChunkFile
	}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	l := s.l.WithFields(log.Fields{
		"account":   key.Account,
		"file_name": key.FileName,
		"chunk":     seq,
		"total":     total,
	})
	session, err := s.sessions.OpenSession(ctx, key.Account, key.FileName, total, mimeType)
	if errors.Is(err, database.ErrTotalChunksMismatch) {
		if seq != 0 {
			return PutResult{}, ErrTotalChunksMismatch
		}
		// chunk 0 with a new total restarts the upload
		l.WithField("stale_total", session.TotalChunks).Info("restarting upload session")
		if err := s.discard(ctx, session); err != nil {
			l.WithError(err).Error(ErrCantSaveSession)
			return PutResult{}, ErrCantSaveSession
		}
		session, err = s.sessions.OpenSession(ctx, key.Account, key.FileName, total, mimeType)
	}
	if err != nil {
		l.WithError(err).Error(ErrCantSaveSession)
		return PutResult{}, ErrCantSaveSession
	}

	chunkDir := s.sessionDir(key.Account, session.ID)
	if err := os.MkdirAll(chunkDir, fs.ModePerm); err != nil {
		l.WithField("chunk_dir", chunkDir).WithError(err).Error(ErrCantCreateChunkDir)
		return PutResult{}, ErrCantCreateChunkDir
	}

	cr := &countingReader{r: br}
	chunkFilePath := chunkPath(chunkDir, seq)
	if err := atomic.WriteFile(chunkFilePath, cr); err != nil {
		l.WithField("chunk_path", chunkFilePath).WithError(err).Error(ErrCantWriteChunkFile)
		return PutResult{}, ErrCantWriteChunkFile
	}
	if err := s.sessions.SaveChunk(ctx, session.ID, seq, cr.n); err != nil {
		l.WithError(err).Error(ErrCantSaveSession)
		return PutResult{}, ErrCantSaveSession
	}
	l.WithField("size", cr.n).Debug("chunk saved")

	return PutResult{Accepted: true, IsFinal: seq == total-1}, nil
}

// Finalize concatenates chunks 0..total-1 into one file. A gap fails with *MissingChunkError and
// leaves the chunks in place for a retry; success removes the chunks and the session.
func (s *Storage) Finalize(ctx context.Context, key SessionKey, total uint) (*Assembled, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	l := s.l.WithFields(log.Fields{
		"account":   key.Account,
		"file_name": key.FileName,
		"total":     total,
	})
	session, err := s.sessions.GetSession(ctx, key.Account, key.FileName)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, &MissingChunkError{Number: 0}
		}
		l.WithError(err).Error(ErrCantSaveSession)
		return nil, ErrCantSaveSession
	}
	if session.TotalChunks != total {
		return nil, ErrTotalChunksMismatch
	}

	chunkDir := s.sessionDir(key.Account, session.ID)
	assembledPath := filepath.Join(s.path, "assembled", uuid.NewString())
	size, err := s.concat(assembledPath, chunkDir, total, l)
	if err != nil {
		if rmErr := os.Remove(assembledPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			l.WithError(rmErr).Warning("can't remove partial assembled file")
		}
		return nil, err
	}

	s.removeChunks(chunkDir, total, l)
	if err := s.sessions.RemoveSession(ctx, session.ID); err != nil {
		l.WithError(err).Warning("can't remove upload session")
	}
	l.WithField("size", size).Info("chunks reassembled")

	return &Assembled{Path: assembledPath, Size: size, MimeType: session.MimeType}, nil
}

// Stage stores a stream received in one piece next to the reassembled ones.
func (s *Storage) Stage(r io.Reader, mimeType string) (*Assembled, error) {
	p := filepath.Join(s.path, "assembled", uuid.NewString())
	cr := &countingReader{r: r}
	if err := atomic.WriteFile(p, cr); err != nil {
		s.l.WithField("path", p).WithError(err).Error(ErrCantCreateAssembled)
		return nil, ErrCantCreateAssembled
	}
	return &Assembled{Path: p, Size: cr.n, MimeType: mimeType}, nil
}

func (s *Storage) concat(assembledPath, chunkDir string, total uint, l *log.Entry) (int64, error) {
	out, err := os.OpenFile(assembledPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		l.WithError(err).Error(ErrCantCreateAssembled)
		return 0, ErrCantCreateAssembled
	}
	defer func(out *os.File) {
		if err := out.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
			l.WithError(err).Error("can't close assembled file")
		}
	}(out)

	var size int64
	for i := uint(0); i < total; i++ {
		n, err := appendChunk(out, chunkPath(chunkDir, i))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return 0, &MissingChunkError{Number: i}
			}
			l.WithField("chunk", i).WithError(err).Error(ErrCantReadChunk)
			return 0, ErrCantReadChunk
		}
		size += n
	}
	if err := out.Sync(); err != nil {
		l.WithError(err).Error(ErrCantCreateAssembled)
		return 0, ErrCantCreateAssembled
	}
	return size, out.Close()
}

func appendChunk(out io.Writer, p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(out, f)
}

// removeChunks deletes every chunk file and the session dir; failures are only logged.
func (s *Storage) removeChunks(chunkDir string, total uint, l *log.Entry) {
	eg := &errgroup.Group{}
	eg.SetLimit(8)
	for i := uint(0); i < total; i++ {
		p := chunkPath(chunkDir, i)
		eg.Go(func() error {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				l.WithField("chunk_path", p).WithError(err).Warning("can't remove chunk")
			}
			return nil
		})
	}
	_ = eg.Wait()
	if err := os.RemoveAll(chunkDir); err != nil {
		l.WithField("chunk_dir", chunkDir).WithError(err).Warning("can't remove chunk dir")
	}
}

// Discard drops an abandoned session: its chunk files, its dir and its rows.
func (s *Storage) Discard(ctx context.Context, session *database.UploadSession) error {
	unlock := s.locks.Lock(SessionKey{Account: session.AccountID, FileName: session.FileName}.String())
	defer unlock()
	return s.discard(ctx, session)
}

// discard expects the session key lock to be held.
func (s *Storage) discard(ctx context.Context, session *database.UploadSession) error {
	chunkDir := s.sessionDir(session.AccountID, session.ID)
	if err := os.RemoveAll(chunkDir); err != nil {
		return fmt.Errorf("can't remove chunk dir %s: %w", chunkDir, err)
	}
	return s.sessions.RemoveSession(ctx, session.ID)
}

func (s *Storage) sessionDir(account uint, session uuid.UUID) string {
	return filepath.Join(s.path, "chunks", strconv.FormatUint(uint64(account), 10), session.String())
}

func chunkPath(dir string, n uint) string {
	return filepath.Join(dir, fmt.Sprintf("%06d", n))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
