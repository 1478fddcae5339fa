package chunks

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/danceshare/internal/database"
)

const DefaultSweepEvery = 15 * time.Minute

type ExpiredSessionFinder interface {
	ExpiredSessions(ctx context.Context, before time.Time) ([]*database.UploadSession, error)
}

// Sweeper periodically discards upload sessions older than ttl.
type Sweeper struct {
	storage  *Storage
	finder   ExpiredSessionFinder
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	l        *log.Entry
}

// NewSweeper builds a sweeper; a non-positive interval falls back to DefaultSweepEvery.
func NewSweeper(storage *Storage, finder ExpiredSessionFinder, ttl, interval time.Duration, l *log.Entry) *Sweeper {
	if interval <= 0 {
		l.WithField("interval", interval).Warning("sweep interval must be positive, using the default")
		interval = DefaultSweepEvery
	}
	return &Sweeper{
		storage:  storage,
		finder:   finder,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
		l:        l.WithField("component", "session_sweeper"),
	}
}

// Start runs the sweep loop in a goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.l.WithFields(log.Fields{"ttl": s.ttl, "interval": s.interval}).Info("session sweeper started")

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		defer close(s.done)

		s.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.l.Info("session sweeper stopping")
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop has stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// Sweep discards every expired session and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := s.finder.ExpiredSessions(ctx, s.now().Add(-s.ttl))
	if err != nil {
		s.l.WithError(err).Error("can't list expired sessions")
		return 0
	}

	var cleaned, failed int
	for _, session := range expired {
		l := s.l.WithFields(log.Fields{
			"session_id": session.ID,
			"account":    session.AccountID,
			"file_name":  session.FileName,
		})
		if err := s.storage.Discard(ctx, session); err != nil {
			l.WithError(err).Error("can't discard expired session")
			failed++
			continue
		}
		cleaned++
		l.WithField("created_at", session.CreatedAt).Info("expired session discarded")
	}
	if len(expired) > 0 {
		s.l.WithFields(log.Fields{"cleaned": cleaned, "failed": failed}).Info("sweep complete")
	}
	return cleaned
}
