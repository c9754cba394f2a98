package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// CacheService administers the result cache and the mirrors behind it.
type CacheService struct {
	mirrors domain.MirrorRegistry
	cache   domain.ResultStore
	logger  Logger
}

// NewCacheService creates a CacheService.
func NewCacheService(mirrors domain.MirrorRegistry, cache domain.ResultStore, log Logger) *CacheService {
	return &CacheService{
		mirrors: mirrors,
		cache:   cache,
		logger:  log,
	}
}

// Invalidate removes the cached row for commit, or every row of the repository
// when commit is empty. With removeMirror the local mirror is deleted as well.
func (s *CacheService) Invalidate(
	ctx context.Context,
	identity, commit string,
	removeMirror bool,
) (*domain.InvalidateResult, error) {
	ref, err := s.mirrors.Resolve(identity)
	if err != nil {
		return nil, err
	}
	commit = strings.ToLower(strings.TrimSpace(commit))

	removed, err := s.cache.Invalidate(ctx, ref.URL, commit)
	if err != nil {
		return nil, domain.NewOpError("invalidate", ref.Identity, commit, err)
	}

	result := &domain.InvalidateResult{
		Repository: ref.Identity,
		Commit:     commit,
		Removed:    removed,
	}
	if removeMirror {
		if err := s.mirrors.Remove(ctx, ref.Identity); err != nil {
			return nil, err
		}
		result.MirrorRemoved = true
	}

	s.logger.Info(ctx, "invalidated cache", map[string]interface{}{
		"repository":     ref.Identity,
		"commit":         commit,
		"removed":        removed,
		"mirror_removed": result.MirrorRemoved,
	})
	return result, nil
}

// Record returns the stored row for a commit.
// Returns ErrCommitNotFound when nothing is stored for it.
func (s *CacheService) Record(ctx context.Context, identity, commit string) (*domain.SchematicRecord, error) {
	ref, err := s.mirrors.Resolve(identity)
	if err != nil {
		return nil, err
	}
	commit = strings.ToLower(strings.TrimSpace(commit))
	if commit == "" {
		return nil, domain.NewOpError("record", ref.Identity, "", domain.ErrMissingCommit)
	}

	rec, err := s.cache.Record(ctx, ref.URL, commit)
	if err != nil {
		return nil, domain.NewOpError("record", ref.Identity, commit, err)
	}
	if rec == nil {
		return nil, domain.NewOpError("record", ref.Identity, commit, domain.ErrCommitNotFound)
	}
	return rec, nil
}

// StoreRecord writes the supplied fields of update, and its parts, to the row
// for a full commit hash and returns the row as stored.
func (s *CacheService) StoreRecord(
	ctx context.Context,
	identity, commit string,
	update domain.RecordUpdate,
) (*domain.SchematicRecord, error) {
	ref, err := s.mirrors.Resolve(identity)
	if err != nil {
		return nil, err
	}
	commit = strings.ToLower(strings.TrimSpace(commit))
	if commit == "" {
		return nil, domain.NewOpError("store record", ref.Identity, "", domain.ErrMissingCommit)
	}
	if !fullHash.MatchString(commit) {
		return nil, domain.NewOpError("store record", ref.Identity, commit,
			fmt.Errorf("%w: commit must be a full hash", domain.ErrInvalidRecord))
	}
	if err := validateParts(update.Parts); err != nil {
		return nil, domain.NewOpError("store record", ref.Identity, commit, err)
	}
	if len(update.Distilled) > 0 && !json.Valid(update.Distilled) {
		return nil, domain.NewOpError("store record", ref.Identity, commit,
			fmt.Errorf("%w: distilled document is not JSON", domain.ErrInvalidRecord))
	}

	if err := s.cache.StoreRecord(ctx, ref.URL, commit, update); err != nil {
		return nil, domain.NewOpError("store record", ref.Identity, commit, err)
	}
	s.logger.Info(ctx, "stored record", map[string]interface{}{
		"repository": ref.Identity,
		"commit":     commit,
		"parts":      len(update.Parts),
	})
	return s.Record(ctx, ref.Identity, commit)
}

func validateParts(parts []domain.Part) error {
	seen := make(map[uuid.UUID]bool, len(parts))
	for _, p := range parts {
		if p.UUID == uuid.Nil {
			return fmt.Errorf("%w: part_uuid is missing", domain.ErrInvalidPart)
		}
		if seen[p.UUID] {
			return fmt.Errorf("%w: duplicate part %s", domain.ErrInvalidRecord, p.UUID)
		}
		seen[p.UUID] = true
		if len(p.Properties) > 0 && !json.Valid(p.Properties) {
			return fmt.Errorf("%w: properties of part %s are not JSON", domain.ErrInvalidRecord, p.UUID)
		}
	}
	return nil
}

// FindByPart lists the cached commits whose records contain part.
func (s *CacheService) FindByPart(ctx context.Context, part uuid.UUID) ([]domain.CacheKey, error) {
	keys, err := s.cache.FindByPart(ctx, part)
	if err != nil {
		return nil, domain.NewOpError("find by part", "", "", err)
	}
	if keys == nil {
		keys = []domain.CacheKey{}
	}
	s.logger.Debug(ctx, "looked up part", map[string]interface{}{
		"part":    part.String(),
		"matches": len(keys),
	})
	return keys, nil
}
