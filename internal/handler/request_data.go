package handler

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/danceshare/internal/upload"
)

const (
	fieldNameFile        = "file"
	fieldNameVideo       = "video"
	fieldNameChunkIndex  = "chunkIndex"
	fieldNameTotalChunks = "totalChunks"
	fieldNameMimeType    = "mimeType"
	fieldNameFileName    = "fileName"
	fieldNameName        = "name"
	fieldNameDescription = "description"
	fieldNameGroup       = "group"

	maxMemory = 32 << 20
)

var (
	errCantParseForm = errors.New("can't parse request form")
	errNoFile        = errors.New("file has not been provided")
	errBadNumber     = errors.New("field must be a non-negative integer")
)

type fileData struct {
	f      multipart.File
	header *multipart.FileHeader
}

func (fd *fileData) Close() {
	if fd != nil && fd.f != nil {
		_ = fd.f.Close()
	}
}

type chunkRequest struct {
	index    uint
	total    uint
	mimeType string
	fileName string
	meta     upload.Metadata
	file     *fileData
}

type uploadRequest struct {
	meta upload.Metadata
	file *fileData
}

func newChunkRequest(r *http.Request, logger *log.Entry) (*chunkRequest, error) {
	if err := parseForm(r, logger); err != nil {
		return nil, err
	}
	index, err := uintField(r, fieldNameChunkIndex)
	if err != nil {
		return nil, err
	}
	total, err := uintField(r, fieldNameTotalChunks)
	if err != nil {
		return nil, err
	}
	meta, err := metadata(r)
	if err != nil {
		return nil, err
	}
	file, err := formFile(r, fieldNameFile, logger)
	if err != nil {
		return nil, err
	}
	rd := &chunkRequest{
		index:    index,
		total:    total,
		mimeType: r.FormValue(fieldNameMimeType),
		fileName: r.FormValue(fieldNameFileName),
		meta:     meta,
		file:     file,
	}
	if rd.fileName == "" {
		rd.fileName = file.header.Filename
	}
	return rd, nil
}

func newUploadRequest(r *http.Request, logger *log.Entry) (*uploadRequest, error) {
	if err := parseForm(r, logger); err != nil {
		return nil, err
	}
	meta, err := metadata(r)
	if err != nil {
		return nil, err
	}
	file, err := formFile(r, fieldNameVideo, logger)
	if err != nil {
		return nil, err
	}
	return &uploadRequest{meta: meta, file: file}, nil
}

func parseForm(r *http.Request, l *log.Entry) error {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}
		l.WithError(err).Error(errCantParseForm)
		return errCantParseForm
	}
	return nil
}

func formFile(r *http.Request, field string, l *log.Entry) (*fileData, error) {
	f, fh, err := r.FormFile(field)
	if err != nil {
		l.WithField("field", field).WithError(err).Error(errNoFile)
		return nil, errNoFile
	}
	return &fileData{f: f, header: fh}, nil
}

func metadata(r *http.Request) (upload.Metadata, error) {
	meta := upload.Metadata{
		Name:        r.FormValue(fieldNameName),
		Description: r.FormValue(fieldNameDescription),
	}
	if g := r.FormValue(fieldNameGroup); g != "" {
		id, err := strconv.ParseUint(g, 10, 0)
		if err != nil {
			return meta, fmt.Errorf("%s: %w", fieldNameGroup, errBadNumber)
		}
		group := uint(id)
		meta.Group = &group
	}
	return meta, nil
}

func uintField(r *http.Request, name string) (uint, error) {
	n, err := strconv.ParseUint(r.FormValue(name), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, errBadNumber)
	}
	return uint(n), nil
}
