// Package sqlite implements the result cache on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

//go:embed migrations/001_schema.sql
var schemaSQL string

const timeLayout = time.RFC3339Nano

// Store is a domain.ResultStore backed by a single SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %w", domain.ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", domain.ErrStorage, err)
	}

	// SQLite performs best with a single writer; one connection also keeps
	// the foreign_keys pragma in effect for every statement.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", domain.ErrStorage, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable foreign keys: %w", domain.ErrStorage, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the distilled document for repoURL and commitHash.
func (s *Store) Get(ctx context.Context, repoURL, commitHash string) (domain.Document, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT distilled_json FROM schematics WHERE repo_url = ? AND commit_hash = ?`,
		repoURL, commitHash,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	if !raw.Valid {
		return nil, false, nil
	}
	return domain.Document(raw.String), true, nil
}

// Put upserts the distilled document. Other columns of an existing row are kept.
func (s *Store) Put(ctx context.Context, repoURL, commitHash string, doc domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schematics (repo_url, commit_hash, distilled_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repo_url, commit_hash) DO UPDATE SET
			distilled_json = excluded.distilled_json`,
		repoURL, commitHash, textParam(doc), s.stamp(),
	)
	if err != nil {
		return storageErr("put", err)
	}
	return nil
}

// Invalidate deletes one row, or every row for repoURL when commitHash is empty,
// together with their parts.
func (s *Store) Invalidate(ctx context.Context, repoURL, commitHash string) (int64, error) {
	where := `repo_url = ? AND commit_hash = ?`
	args := []any{repoURL, commitHash}
	if commitHash == "" {
		where = `repo_url = ?`
		args = args[:1]
	}

	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM parts WHERE schematic_id IN (SELECT id FROM schematics WHERE `+where+`)`,
			args...); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM schematics WHERE `+where, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("invalidate", err)
	}
	return removed, nil
}

// StoreRecord upserts the non-nil fields of update and its parts in one transaction.
func (s *Store) StoreRecord(ctx context.Context, repoURL, commitHash string, update domain.RecordUpdate) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schematics (repo_url, commit_hash, commit_date, git_message, schematic_image,
				change_summary, project_overview, blurb, description, distilled_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repo_url, commit_hash) DO UPDATE SET
				commit_date      = COALESCE(excluded.commit_date, schematics.commit_date),
				git_message      = COALESCE(excluded.git_message, schematics.git_message),
				schematic_image  = COALESCE(excluded.schematic_image, schematics.schematic_image),
				change_summary   = COALESCE(excluded.change_summary, schematics.change_summary),
				project_overview = COALESCE(excluded.project_overview, schematics.project_overview),
				blurb            = COALESCE(excluded.blurb, schematics.blurb),
				description      = COALESCE(excluded.description, schematics.description),
				distilled_json   = COALESCE(excluded.distilled_json, schematics.distilled_json)`,
			repoURL, commitHash, timeParam(update.CommitDate), update.GitMessage, blobParam(update.Image),
			update.ChangeSummary, update.ProjectOverview, update.Blurb, update.Description,
			textParam(update.Distilled), s.stamp(),
		)
		if err != nil {
			return err
		}
		if len(update.Parts) == 0 {
			return nil
		}

		var id int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM schematics WHERE repo_url = ? AND commit_hash = ?`,
			repoURL, commitHash,
		).Scan(&id); err != nil {
			return err
		}

		for _, p := range update.Parts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO parts (schematic_id, part_uuid, blurb, properties)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (schematic_id, part_uuid) DO UPDATE SET
					blurb      = COALESCE(excluded.blurb, parts.blurb),
					properties = COALESCE(excluded.properties, parts.properties)`,
				id, p.UUID.String(), p.Blurb, textParam(domain.Document(p.Properties)),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("store record", err)
	}
	return nil
}

// Record returns the full row and its parts, or nil when no row exists.
func (s *Store) Record(ctx context.Context, repoURL, commitHash string) (*domain.SchematicRecord, error) {
	var (
		id                                       int64
		commitDate, message, summary, overview   sql.NullString
		blurb, description, distilled, createdAt sql.NullString
		image                                    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, commit_date, git_message, schematic_image, change_summary, project_overview,
			blurb, description, distilled_json, created_at
		FROM schematics WHERE repo_url = ? AND commit_hash = ?`,
		repoURL, commitHash,
	).Scan(&id, &commitDate, &message, &image, &summary, &overview,
		&blurb, &description, &distilled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("record", err)
	}

	rec := &domain.SchematicRecord{
		RepoURL:         repoURL,
		CommitHash:      commitHash,
		CommitDate:      parseTime(commitDate),
		GitMessage:      stringPtr(message),
		Image:           image,
		ChangeSummary:   stringPtr(summary),
		ProjectOverview: stringPtr(overview),
		Blurb:           stringPtr(blurb),
		Description:     stringPtr(description),
		Parts:           make(map[uuid.UUID]domain.Part),
	}
	if distilled.Valid {
		rec.Distilled = domain.Document(distilled.String)
	}
	if created := parseTime(createdAt); created != nil {
		rec.CreatedAt = *created
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT part_uuid, blurb, properties FROM parts WHERE schematic_id = ? ORDER BY part_uuid`, id)
	if err != nil {
		return nil, storageErr("record parts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rawID        string
			blurb, props sql.NullString
		)
		if err := rows.Scan(&rawID, &blurb, &props); err != nil {
			return nil, storageErr("record parts", err)
		}
		partID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, storageErr("record parts", err)
		}
		part := domain.Part{UUID: partID, Blurb: stringPtr(blurb)}
		if props.Valid {
			part.Properties = []byte(props.String)
		}
		rec.Parts[partID] = part
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("record parts", err)
	}
	return rec, nil
}

// FindByPart lists the keys whose rows hold the given part.
func (s *Store) FindByPart(ctx context.Context, part uuid.UUID) ([]domain.CacheKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.repo_url, s.commit_hash
		FROM schematics s
		JOIN parts p ON s.id = p.schematic_id
		WHERE p.part_uuid = ?
		ORDER BY s.repo_url, s.commit_hash`,
		part.String(),
	)
	if err != nil {
		return nil, storageErr("find by part", err)
	}
	defer rows.Close()

	var keys []domain.CacheKey
	for rows.Next() {
		var k domain.CacheKey
		if err := rows.Scan(&k.RepoURL, &k.CommitHash); err != nil {
			return nil, storageErr("find by part", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find by part", err)
	}
	return keys, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func textParam(doc domain.Document) any {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}

func blobParam(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func timeParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}
