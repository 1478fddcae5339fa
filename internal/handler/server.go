package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/danceshare/internal/database"
	"github.com/konorlevich/danceshare/internal/handler/middleware"
	"github.com/konorlevich/danceshare/internal/upload"
)

const fieldNameID = "id"

type Uploader interface {
	PutChunk(ctx context.Context, c upload.Chunk, meta upload.Metadata) (*upload.ChunkResult, error)
	Upload(ctx context.Context, account uint, fileName, mimeType string, data io.Reader, meta upload.Metadata) (*database.Video, error)
	List(ctx context.Context, account uint, q string) ([]*database.Video, error)
	Delete(ctx context.Context, account, id uint) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type chunkResponse struct {
	Accepted bool            `json:"accepted"`
	Video    *database.Video `json:"video,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	uploads       Uploader
	maxChunkBytes int64
	l             *log.Entry
}

// NewHandler builds the router. maxChunkBytes bounds a chunk request body; 0 means unbounded.
func NewHandler(uploads Uploader, accounts middleware.AccountFinder, db Pinger, maxChunkBytes int64, l *log.Entry) http.Handler {
	s := &server{uploads: uploads, maxChunkBytes: maxChunkBytes, l: l}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(l))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthz(db, l))
	r.Group(func(r chi.Router) {
		r.Use(middleware.CheckAuth(accounts, l))
		r.Post("/upload/chunk", s.putChunk)
		r.Post("/upload", s.upload)
		r.Get("/videos", s.listVideos)
		r.Delete("/videos/{id}", s.deleteVideo)
	})
	return r
}

func (s *server) putChunk(rw http.ResponseWriter, r *http.Request) {
	account, _ := middleware.AccountID(r.Context())
	if s.maxChunkBytes > 0 {
		r.Body = http.MaxBytesReader(rw, r.Body, s.maxChunkBytes)
	}
	l := s.l.WithFields(log.Fields{"account": account, "request_id": chimw.GetReqID(r.Context())})

	rd, err := newChunkRequest(r, l)
	if err != nil {
		s.writeError(rw, err, l)
		return
	}
	defer rd.file.Close()

	res, err := s.uploads.PutChunk(r.Context(), upload.Chunk{
		Account:  account,
		FileName: rd.fileName,
		Index:    rd.index,
		Total:    rd.total,
		MimeType: rd.mimeType,
		Data:     rd.file.f,
	}, rd.meta)
	if err != nil {
		s.writeError(rw, err, l.WithFields(log.Fields{"file_name": rd.fileName, "chunk": rd.index}))
		return
	}
	writeJSON(rw, http.StatusOK, chunkResponse{Accepted: res.Accepted, Video: res.Video}, l)
}

func (s *server) upload(rw http.ResponseWriter, r *http.Request) {
	account, _ := middleware.AccountID(r.Context())
	l := s.l.WithFields(log.Fields{"account": account, "request_id": chimw.GetReqID(r.Context())})

	rd, err := newUploadRequest(r, l)
	if err != nil {
		s.writeError(rw, err, l)
		return
	}
	defer rd.file.Close()

	v, err := s.uploads.Upload(r.Context(), account, rd.file.header.Filename,
		rd.file.header.Header.Get("Content-Type"), rd.file.f, rd.meta)
	if err != nil {
		s.writeError(rw, err, l.WithField("file_name", rd.file.header.Filename))
		return
	}
	writeJSON(rw, http.StatusOK, v, l)
}

func (s *server) listVideos(rw http.ResponseWriter, r *http.Request) {
	account, _ := middleware.AccountID(r.Context())
	l := s.l.WithField("account", account)
	videos, err := s.uploads.List(r.Context(), account, r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(rw, err, l)
		return
	}
	writeJSON(rw, http.StatusOK, videos, l)
}

func (s *server) deleteVideo(rw http.ResponseWriter, r *http.Request) {
	account, _ := middleware.AccountID(r.Context())
	l := s.l.WithField("account", account)
	id, err := strconv.ParseUint(chi.URLParam(r, fieldNameID), 10, 0)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "video id must be a number"}, l)
		return
	}
	if err := s.uploads.Delete(r.Context(), account, uint(id)); err != nil {
		s.writeError(rw, err, l.WithField("video_id", id))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func healthz(db Pinger, l *log.Entry) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			l.WithError(err).Error("database is unreachable")
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, l)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"}, l)
	}
}

// statusFor maps pipeline errors to HTTP codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errCantParseForm),
		errors.Is(err, errNoFile),
		errors.Is(err, errBadNumber),
		errors.Is(err, upload.ErrInputInvalid),
		errors.Is(err, upload.ErrMissingChunk),
		errors.Is(err, upload.ErrUnsupportedMedia),
		errors.Is(err, upload.ErrConversionError),
		errors.Is(err, upload.ErrQuotaExceeded):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, upload.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(rw http.ResponseWriter, err error, l *log.Entry) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		l.WithError(err).Error("request failed")
		msg = "something went wrong, please try later"
		if errors.Is(err, upload.ErrConversionTimeout) {
			msg = "video conversion took too long"
		}
	}
	writeJSON(rw, status, errorResponse{Error: msg}, l)
}

func writeJSON(rw http.ResponseWriter, status int, v any, l *log.Entry) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		l.WithError(err).Error("can't encode response")
	}
}
