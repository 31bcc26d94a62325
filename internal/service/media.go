package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/detect"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/storage"
	"github.com/birdtag/birdtag/internal/validation"
)

// MediaView is a record plus short-lived download links for its objects.
type MediaView struct {
	*model.MediaRecord
	OriginalURL string `json:"originalUrl,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
}

// UploadTicket is a presigned PUT for a new original.
type UploadTicket struct {
	ObjectKey   string `json:"objectKey"`
	UploadURL   string `json:"uploadUrl"`
	ContentType string `json:"contentType"`
}

// FileSearchResult is the outcome of a search driven by an uploaded file.
type FileSearchResult struct {
	DetectedSpecies model.SpeciesSet     `json:"detectedSpecies"`
	Results         []*model.MediaRecord `json:"results"`
	NextToken       string               `json:"nextToken,omitempty"`
}

type MediaService struct {
	writer   *MetadataWriter
	storage  storage.Storage
	cache    *ResolveCache
	ledger   repository.NotificationLogRepository
	query    *QueryService
	registry *detect.Registry
	global   bool
}

func NewMediaService(writer *MetadataWriter, storage storage.Storage, cache *ResolveCache, ledger repository.NotificationLogRepository, query *QueryService, registry *detect.Registry, global bool) *MediaService {
	return &MediaService{
		writer:   writer,
		storage:  storage,
		cache:    cache,
		ledger:   ledger,
		query:    query,
		registry: registry,
		global:   global,
	}
}

// Get returns the record with presigned links. Records outside the caller's
// scope look missing.
func (s *MediaService) Get(ctx context.Context, p model.Principal, id string) (*MediaView, error) {
	rec, err := s.owned(ctx, "media.get", p, id)
	if err != nil {
		return nil, err
	}

	view := &MediaView{MediaRecord: rec}
	view.OriginalURL, err = s.storage.PresignGet(ctx, rec.OriginalPath)
	if err != nil {
		slog.Warn("failed to presign original", "record_id", rec.ID, "error", err)
	}
	if derived := rec.DerivedPath(); derived != "" {
		view.PreviewURL, err = s.storage.PresignGet(ctx, derived)
		if err != nil {
			slog.Warn("failed to presign preview", "record_id", rec.ID, "error", err)
		}
	}
	return view, nil
}

// Delete removes the record and its stored objects. Object deletion is best
// effort; the record is gone once this returns nil.
func (s *MediaService) Delete(ctx context.Context, p model.Principal, id string) error {
	rec, err := s.owned(ctx, "media.delete", p, id)
	if err != nil {
		return err
	}

	err = s.writer.Delete(ctx, rec.ID)
	if err != nil {
		return err
	}

	paths := []string{rec.OriginalPath}
	if derived := rec.DerivedPath(); derived != "" {
		paths = append(paths, derived)
		s.cache.Invalidate(derived)
	}
	for _, objPath := range paths {
		delErr := s.storage.Delete(ctx, objPath)
		if delErr != nil {
			slog.Error("failed to delete object from storage", "error", delErr, "path", objPath, "record_id", rec.ID)
		}
	}

	err = s.ledger.DeleteByRecord(ctx, rec.ID)
	if err != nil {
		slog.Warn("failed to clear notification log", "record_id", rec.ID, "error", err)
	}

	slog.Info("media deleted", "record_id", rec.ID, "owner_id", rec.OwnerID)
	return nil
}

// PresignUpload reserves a fresh key under the caller's upload prefix. The
// object-created event for that key starts ingestion.
func (s *MediaService) PresignUpload(ctx context.Context, p model.Principal, filename string) (*UploadTicket, error) {
	const op = "media.presign"

	if p.Anonymous() {
		return nil, apperr.Unauthorized("authentication required")
	}
	if strings.Contains(p.OwnerID, "/") {
		return nil, apperr.Validation(op, "owner id must not contain '/'")
	}

	name := sanitizeFilename(filename)
	if name == "" {
		return nil, apperr.Validation(op, "filename is required")
	}
	if _, ok := validation.ConstraintsForKey(name); !ok {
		return nil, apperr.Validation(op, "unsupported file extension: %s", strings.ToLower(path.Ext(name)))
	}

	key := fmt.Sprintf("%s%s/%s-%s", model.UploadPrefix, p.OwnerID, uuid.New().String(), name)
	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url, err := s.storage.PresignPut(ctx, key, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	return &UploadTicket{ObjectKey: key, UploadURL: url, ContentType: contentType}, nil
}

// SearchByFile runs detection on an uploaded file without storing it and
// returns records containing any of the detected species.
func (s *MediaService) SearchByFile(ctx context.Context, p model.Principal, header *multipart.FileHeader, page Page) (*FileSearchResult, error) {
	const op = "media.search_file"

	if p.Anonymous() {
		return nil, apperr.Unauthorized("authentication required")
	}

	fileType, err := validation.ValidateUpload(header)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}

	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	res, err := s.registry.Detect(ctx, fileType, data)
	if err != nil {
		return nil, err
	}

	out := &FileSearchResult{DetectedSpecies: res.Species(), Results: []*model.MediaRecord{}}
	if len(out.DetectedSpecies) == 0 {
		return out, nil
	}

	found, err := s.query.SearchAny(ctx, p, out.DetectedSpecies, page)
	if err != nil {
		return nil, err
	}
	out.Results = found.Results
	out.NextToken = found.NextToken
	return out, nil
}

func (s *MediaService) owned(ctx context.Context, op string, p model.Principal, id string) (*model.MediaRecord, error) {
	if p.Anonymous() {
		return nil, apperr.Unauthorized("authentication required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation(op, "id is required")
	}

	rec, err := s.writer.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.global && rec.OwnerID != p.OwnerID {
		return nil, apperr.NotFound(op, "media %s not found", id)
	}
	return rec, nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
