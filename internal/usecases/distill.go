// Package usecases contains the application business logic.
// This package orchestrates domain entities and interfaces to fulfill use cases.
package usecases

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// Logger defines the logging interface required by the use cases.
// This abstracts the logger dependency to avoid coupling to a specific implementation.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

var fullHash = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// DistillService serves distilled documents, computing them on cache miss.
// Concurrent misses for the same repository and commit share one computation.
type DistillService struct {
	mirrors   domain.MirrorRegistry
	distiller domain.Distiller
	cache     domain.ResultStore
	reaper    domain.WorkspaceReaper
	logger    Logger
	flights   singleflight.Group
}

// NewDistillService creates a DistillService. reaper may be nil.
func NewDistillService(
	mirrors domain.MirrorRegistry,
	distiller domain.Distiller,
	cache domain.ResultStore,
	reaper domain.WorkspaceReaper,
	log Logger,
) *DistillService {
	return &DistillService{
		mirrors:   mirrors,
		distiller: distiller,
		cache:     cache,
		reaper:    reaper,
		logger:    log,
	}
}

// Distill returns the distilled document for input.Repository at input.Commit.
//
// Ref expressions are resolved to a full hash through the mirror so the cache is
// always keyed by hash. Cache faults are logged and treated as misses; a failure
// to store a fresh result does not fail the request.
func (s *DistillService) Distill(ctx context.Context, input domain.DistillInput) (*domain.DistillOutput, error) {
	ref, err := s.mirrors.Resolve(input.Repository)
	if err != nil {
		return nil, err
	}
	commit := strings.TrimSpace(input.Commit)
	if commit == "" {
		return nil, domain.NewOpError("distill", ref.Identity, "", domain.ErrMissingCommit)
	}

	var mirror domain.Mirror
	if !fullHash.MatchString(commit) {
		mirror, err = s.mirrors.Acquire(ctx, ref.Identity, false)
		if err != nil {
			return nil, err
		}
		info, err := mirror.CommitInfo(ctx, commit)
		if err != nil {
			return nil, err
		}
		s.logger.Debug(ctx, "resolved revision", map[string]interface{}{
			"repository": ref.Identity,
			"revision":   commit,
			"commit":     info.Hash,
		})
		commit = info.Hash
	}
	commit = strings.ToLower(commit)

	if !input.Refresh {
		if doc, ok := s.lookup(ctx, ref, commit); ok {
			return newDistillOutput(ref.Identity, commit, true, doc), nil
		}
	}

	key := ref.URL + "@" + commit
	// The shared computation outlives any single caller; clone, fetch and tool
	// timeouts bound it instead.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (interface{}, error) {
		return s.compute(flightCtx, ref, commit, mirror)
	})

	select {
	case <-ctx.Done():
		return nil, domain.NewOpError("distill", ref.Identity, commit, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug(ctx, "joined in-flight distillation", map[string]interface{}{
				"repository": ref.Identity,
				"commit":     commit,
			})
		}
		return newDistillOutput(ref.Identity, commit, false, res.Val.(domain.Document)), nil
	}
}

// lookup probes the cache, downgrading faults to misses.
func (s *DistillService) lookup(ctx context.Context, ref domain.RepositoryRef, commit string) (domain.Document, bool) {
	doc, ok, err := s.cache.Get(ctx, ref.URL, commit)
	if err != nil {
		s.logger.Warn(ctx, "cache lookup failed; recomputing", map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
			"error":      err.Error(),
		})
		return nil, false
	}
	if ok {
		s.logger.Info(ctx, "cache hit", map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
		})
		return doc, true
	}
	s.logger.Info(ctx, "cache miss; running distillation", map[string]interface{}{
		"repository": ref.Identity,
		"commit":     commit,
	})
	return nil, false
}

// compute extracts the target files at commit, distills them and stores the result.
func (s *DistillService) compute(
	ctx context.Context,
	ref domain.RepositoryRef,
	commit string,
	mirror domain.Mirror,
) (domain.Document, error) {
	if mirror == nil {
		var err error
		mirror, err = s.mirrors.Acquire(ctx, ref.Identity, false)
		if err != nil {
			return nil, err
		}
	}

	files, err := mirror.FilesAt(ctx, commit)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.NewOpError("distill", ref.Identity, commit, domain.ErrNoInputFiles)
	}

	doc, err := s.distiller.Distill(ctx, ref.Identity, commit, files)
	if err != nil && s.shouldRetry(ctx, ref, commit, err) {
		doc, err = s.distiller.Distill(ctx, ref.Identity, commit, files)
	}
	if err != nil {
		s.logger.Error(ctx, "distillation failed", err, map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
			"kind":       string(domain.KindOf(err)),
		})
		return nil, err
	}

	if err := s.cache.Put(ctx, ref.URL, commit, doc); err != nil {
		s.logger.Error(ctx, "failed to cache distilled result", err, map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
		})
	} else {
		s.logger.Info(ctx, "cached distilled result", map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
			"files":      len(files),
		})
	}

	if s.reaper != nil {
		if _, err := s.reaper.Reap(ctx); err != nil {
			s.logger.Warn(ctx, "workspace reaping failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return doc, nil
}

// shouldRetry allows one more run after a tool failure if the tool is still reachable.
func (s *DistillService) shouldRetry(ctx context.Context, ref domain.RepositoryRef, commit string, err error) bool {
	if !errors.Is(err, domain.ErrTransformFailed) || !domain.Retryable(err) {
		return false
	}
	if reachErr := s.distiller.Reachable(); reachErr != nil {
		s.logger.Warn(ctx, "distillation tool unreachable; not retrying", map[string]interface{}{
			"repository": ref.Identity,
			"commit":     commit,
			"error":      reachErr.Error(),
		})
		return false
	}
	s.logger.Warn(ctx, "distillation tool failed; retrying once", map[string]interface{}{
		"repository": ref.Identity,
		"commit":     commit,
		"error":      err.Error(),
	})
	return true
}

func newDistillOutput(identity, commit string, cached bool, doc domain.Document) *domain.DistillOutput {
	return &domain.DistillOutput{
		Repository: identity,
		Commit:     commit,
		Cached:     cached,
		Summary:    doc.Summary(),
		Distilled:  doc,
	}
}
