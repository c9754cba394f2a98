// Package postgres implements the result cache on PostgreSQL using pgxpool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

//go:embed migrations/001_schema.sql
var schemaSQL string

// Config configures the connection pool.
type Config struct {
	URL      string
	MaxConns int32
}

// Store is a domain.ResultStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var newPool = pgxpool.NewWithConfig

// Open connects to the database described by cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse database url: %w", domain.ErrStorage, err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool: %w", domain.ErrStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", domain.ErrStorage, err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Get returns the distilled document for repoURL and commitHash.
func (s *Store) Get(ctx context.Context, repoURL, commitHash string) (domain.Document, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT distilled_json FROM schematics WHERE repo_url = $1 AND commit_hash = $2`,
		repoURL, commitHash,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return domain.Document(raw), true, nil
}

// Put upserts the distilled document. Other columns of an existing row are kept.
func (s *Store) Put(ctx context.Context, repoURL, commitHash string, doc domain.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schematics (repo_url, commit_hash, distilled_json)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (repo_url, commit_hash) DO UPDATE SET
			distilled_json = EXCLUDED.distilled_json`,
		repoURL, commitHash, jsonParam(doc),
	)
	if err != nil {
		return storageErr("put", err)
	}
	return nil
}

// Invalidate deletes one row, or every row for repoURL when commitHash is empty.
// Parts go with their rows.
func (s *Store) Invalidate(ctx context.Context, repoURL, commitHash string) (int64, error) {
	var (
		sql  = `DELETE FROM schematics WHERE repo_url = $1 AND commit_hash = $2`
		args = []any{repoURL, commitHash}
	)
	if commitHash == "" {
		sql = `DELETE FROM schematics WHERE repo_url = $1`
		args = args[:1]
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, storageErr("invalidate", err)
	}
	return tag.RowsAffected(), nil
}

// StoreRecord upserts the non-nil fields of update and its parts in one transaction.
func (s *Store) StoreRecord(ctx context.Context, repoURL, commitHash string, update domain.RecordUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO schematics (repo_url, commit_hash, commit_date, git_message, schematic_image,
				change_summary, project_overview, blurb, description, distilled_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
			ON CONFLICT (repo_url, commit_hash) DO UPDATE SET
				commit_date      = COALESCE(EXCLUDED.commit_date, schematics.commit_date),
				git_message      = COALESCE(EXCLUDED.git_message, schematics.git_message),
				schematic_image  = COALESCE(EXCLUDED.schematic_image, schematics.schematic_image),
				change_summary   = COALESCE(EXCLUDED.change_summary, schematics.change_summary),
				project_overview = COALESCE(EXCLUDED.project_overview, schematics.project_overview),
				blurb            = COALESCE(EXCLUDED.blurb, schematics.blurb),
				description      = COALESCE(EXCLUDED.description, schematics.description),
				distilled_json   = COALESCE(EXCLUDED.distilled_json, schematics.distilled_json)
			RETURNING id`,
			repoURL, commitHash, update.CommitDate, update.GitMessage, bytesParam(update.Image),
			update.ChangeSummary, update.ProjectOverview, update.Blurb, update.Description,
			jsonParam(update.Distilled),
		).Scan(&id)
		if err != nil {
			return storageErr("store record", err)
		}

		for _, p := range update.Parts {
			_, err := tx.Exec(ctx, `
				INSERT INTO parts (schematic_id, part_uuid, blurb, properties)
				VALUES ($1, $2::uuid, $3, $4::jsonb)
				ON CONFLICT (schematic_id, part_uuid) DO UPDATE SET
					blurb      = COALESCE(EXCLUDED.blurb, parts.blurb),
					properties = COALESCE(EXCLUDED.properties, parts.properties)`,
				id, p.UUID.String(), p.Blurb, jsonParam(domain.Document(p.Properties)),
			)
			if err != nil {
				return storageErr("store part", err)
			}
		}
		return nil
	})
}

// Record returns the full row and its parts, or nil when no row exists.
func (s *Store) Record(ctx context.Context, repoURL, commitHash string) (*domain.SchematicRecord, error) {
	var (
		id        int64
		rec       = domain.SchematicRecord{RepoURL: repoURL, CommitHash: commitHash}
		distilled []byte
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, commit_date, git_message, schematic_image, change_summary, project_overview,
			blurb, description, distilled_json, created_at
		FROM schematics WHERE repo_url = $1 AND commit_hash = $2`,
		repoURL, commitHash,
	).Scan(&id, &rec.CommitDate, &rec.GitMessage, &rec.Image, &rec.ChangeSummary,
		&rec.ProjectOverview, &rec.Blurb, &rec.Description, &distilled, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("record", err)
	}
	rec.CreatedAt = createdAt.UTC()
	if rec.CommitDate != nil {
		utc := rec.CommitDate.UTC()
		rec.CommitDate = &utc
	}
	if distilled != nil {
		rec.Distilled = domain.Document(distilled)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT part_uuid::text, blurb, properties FROM parts WHERE schematic_id = $1 ORDER BY part_uuid`, id)
	if err != nil {
		return nil, storageErr("record parts", err)
	}
	defer rows.Close()

	rec.Parts = make(map[uuid.UUID]domain.Part)
	for rows.Next() {
		var (
			rawID string
			part  domain.Part
			props []byte
		)
		if err := rows.Scan(&rawID, &part.Blurb, &props); err != nil {
			return nil, storageErr("record parts", err)
		}
		part.UUID, err = uuid.Parse(rawID)
		if err != nil {
			return nil, storageErr("record parts", err)
		}
		if props != nil {
			part.Properties = props
		}
		rec.Parts[part.UUID] = part
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("record parts", err)
	}
	return &rec, nil
}

// FindByPart lists the keys whose rows hold the given part.
func (s *Store) FindByPart(ctx context.Context, part uuid.UUID) ([]domain.CacheKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT s.repo_url, s.commit_hash
		FROM schematics s
		JOIN parts p ON s.id = p.schematic_id
		WHERE p.part_uuid = $1::uuid
		ORDER BY s.repo_url, s.commit_hash`,
		part.String(),
	)
	if err != nil {
		return nil, storageErr("find by part", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CacheKey, error) {
		var k domain.CacheKey
		err := row.Scan(&k.RepoURL, &k.CommitHash)
		return k, err
	})
	if err != nil {
		return nil, storageErr("find by part", err)
	}
	return keys, nil
}

// jsonParam binds a document as jsonb, or NULL when it is empty.
func jsonParam(doc domain.Document) any {
	if len(doc) == 0 {
		return nil
	}
	return []byte(doc)
}

func bytesParam(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}
