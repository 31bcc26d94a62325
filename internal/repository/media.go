package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/birdtag/birdtag/internal/model"
)

var (
	ErrMediaNotFound   = errors.New("media record not found")
	ErrVersionConflict = errors.New("media record version conflict")
	ErrRecordExists    = errors.New("media record already exists")
	ErrDuplicatePath   = errors.New("derived asset path already in use")
	ErrBadTransition   = errors.New("status transition not allowed")
)

// Cursor is a position in (created_ns DESC, id DESC) order.
type Cursor struct {
	CreatedNS int64  `json:"c"`
	ID        string `json:"i"`
}

// ScanParams selects one batch of records strictly after After.
// An empty OwnerID scans every owner.
type ScanParams struct {
	OwnerID string
	After   *Cursor
	Limit   int
}

type MediaRepository interface {
	Create(ctx context.Context, rec *model.MediaRecord) error
	ByID(ctx context.Context, id string) (*model.MediaRecord, error)
	ByDerivedPath(ctx context.Context, path string) (*model.MediaRecord, error)
	Update(ctx context.Context, rec *model.MediaRecord) error
	Scan(ctx context.Context, p ScanParams) ([]*model.MediaRecord, error)
	Delete(ctx context.Context, id string) error
}

type mediaRepository struct {
	db *sqlx.DB
}

func NewMediaRepository(db *sqlx.DB) MediaRepository {
	return &mediaRepository{db: db}
}

const mediaColumns = `id, owner_id, object_key, object_version, size_bytes, file_type, original_path,
	derived_asset_path, detected_species, detection, tags, status, failure_reason, version,
	created_at, created_ns, updated_at, status_changed_at`

// Create inserts rec unless a record with the same id exists.
func (r *mediaRepository) Create(ctx context.Context, rec *model.MediaRecord) error {
	query := `INSERT INTO media (` + mediaColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	          ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.ObjectKey,
		rec.ObjectVersion,
		rec.SizeBytes,
		rec.FileType,
		rec.OriginalPath,
		rec.DerivedAssetPath,
		rec.DetectedSpecies,
		rec.Detection,
		rec.Tags,
		rec.Status,
		rec.FailureReason,
		rec.Version,
		rec.CreatedAt,
		rec.CreatedNS,
		rec.UpdatedAt,
		rec.StatusChangedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordExists
	}
	return nil
}

func (r *mediaRepository) ByID(ctx context.Context, id string) (*model.MediaRecord, error) {
	rec := &model.MediaRecord{}
	query := `SELECT ` + mediaColumns + ` FROM media WHERE id = $1`

	err := r.db.GetContext(ctx, rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (r *mediaRepository) ByDerivedPath(ctx context.Context, path string) (*model.MediaRecord, error) {
	rec := &model.MediaRecord{}
	query := `SELECT ` + mediaColumns + ` FROM media WHERE derived_asset_path = $1`

	err := r.db.GetContext(ctx, rec, query, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Update writes the mutable fields of rec if the stored version still equals
// rec.Version and the stored status may move to rec.Status, then advances
// rec.Version. A lost race returns ErrVersionConflict, a refused status change
// returns ErrBadTransition and a missing row returns ErrMediaNotFound.
// status_changed_at is set to rec.UpdatedAt whenever the status changes and to
// rec.StatusChangedAt otherwise.
func (r *mediaRepository) Update(ctx context.Context, rec *model.MediaRecord) error {
	query := `
		UPDATE media
		SET derived_asset_path = $1,
		    detected_species = $2,
		    detection = $3,
		    tags = $4,
		    status_changed_at = CASE WHEN status = $5 THEN $6 ELSE $7 END,
		    status = $5,
		    failure_reason = $8,
		    updated_at = $7,
		    version = version + 1
		WHERE id = $9 AND version = $10`

	args := []any{
		rec.DerivedAssetPath,
		rec.DetectedSpecies,
		rec.Detection,
		rec.Tags,
		rec.Status,
		rec.StatusChangedAt,
		rec.UpdatedAt,
		rec.FailureReason,
		rec.ID,
		rec.Version,
	}
	from := rec.Status.Predecessors()
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, st)
		placeholders[i] = "$" + itoa(len(args))
	}
	query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		// Check for unique constraint violation (works for both SQLite and PostgreSQL)
		errStr := err.Error()
		if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "duplicate key value") {
			return ErrDuplicatePath
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		var stored struct {
			Version int64        `db:"version"`
			Status  model.Status `db:"status"`
		}
		err := r.db.GetContext(ctx, &stored, `SELECT version, status FROM media WHERE id = $1`, rec.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMediaNotFound
		}
		if err != nil {
			return err
		}
		if stored.Version != rec.Version {
			return ErrVersionConflict
		}
		return ErrBadTransition
	}

	rec.Version++
	return nil
}

// Scan returns up to p.Limit records ordered newest first. Ordering uses the
// immutable (created_ns, id) key, so records inserted between two scans never
// shift positions already handed out.
func (r *mediaRepository) Scan(ctx context.Context, p ScanParams) ([]*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE 1 = 1`
	var args []any

	if p.OwnerID != "" {
		args = append(args, p.OwnerID)
		query += ` AND owner_id = $1`
	}
	if p.After != nil {
		n := len(args)
		args = append(args, p.After.CreatedNS, p.After.CreatedNS, p.After.ID)
		query += ` AND (created_ns < $` + itoa(n+1) +
			` OR (created_ns = $` + itoa(n+2) + ` AND id < $` + itoa(n+3) + `))`
	}
	args = append(args, p.Limit)
	query += ` ORDER BY created_ns DESC, id DESC LIMIT $` + itoa(len(args))

	var records []*model.MediaRecord
	err := r.db.SelectContext(ctx, &records, query, args...)
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (r *mediaRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMediaNotFound
	}
	return nil
}
