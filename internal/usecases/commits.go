package usecases

import (
	"context"
	"fmt"
	"strings"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

const (
	blurbWords    = 5
	initialBlurb  = "Initial schematic commit"
	fallbackBlurb = "Update"
	noMessage     = "(no message)"
)

// CommitService answers commit, file and change queries against repository mirrors
// and maintains the derived text stored for each matching commit.
type CommitService struct {
	mirrors domain.MirrorRegistry
	cache   domain.ResultStore
	logger  Logger
}

// NewCommitService creates a CommitService. cache may be nil, in which case
// enrichment and refresh have nothing to read from or write to.
func NewCommitService(mirrors domain.MirrorRegistry, cache domain.ResultStore, log Logger) *CommitService {
	return &CommitService{
		mirrors: mirrors,
		cache:   cache,
		logger:  log,
	}
}

// List returns the commits of a repository in topological order.
func (s *CommitService) List(ctx context.Context, input domain.ListCommitsInput) ([]domain.CommitView, error) {
	mirror, err := s.mirrors.Acquire(ctx, input.Repository, input.Fresh)
	if err != nil {
		return nil, err
	}

	var commits []domain.CommitRecord
	if input.MatchingOnly {
		commits, err = mirror.ListMatchingCommits(ctx)
	} else {
		commits, err = mirror.ListCommits(ctx)
	}
	if err != nil {
		return nil, err
	}

	ref := mirror.Ref()
	s.logger.Info(ctx, "listed commits", map[string]interface{}{
		"repository":    ref.Identity,
		"count":         len(commits),
		"matching_only": input.MatchingOnly,
	})

	views := make([]domain.CommitView, 0, len(commits))
	for _, c := range commits {
		view := domain.CommitView{CommitRecord: c}
		if input.Enrich {
			if rec := s.record(ctx, ref, c.Hash); rec != nil {
				view.Blurb = rec.Blurb
				view.Description = rec.Description
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// Info returns one commit with its changed target files and any stored text.
func (s *CommitService) Info(ctx context.Context, identity, rev string) (*domain.CommitDetail, error) {
	mirror, commit, err := s.resolve(ctx, identity, rev)
	if err != nil {
		return nil, err
	}
	ref := mirror.Ref()

	changed, err := mirror.ChangedFilesAt(ctx, commit.Hash)
	if err != nil {
		return nil, err
	}

	detail := &domain.CommitDetail{
		Repository:   ref.Identity,
		Commit:       commit.Hash,
		CommitDate:   commit.Date,
		Message:      commit.Message,
		ChangedFiles: changed,
	}
	if rec := s.record(ctx, ref, commit.Hash); rec != nil {
		detail.Blurb = rec.Blurb
		detail.Description = rec.Description
	}
	return detail, nil
}

// Files returns every target file at rev.
func (s *CommitService) Files(ctx context.Context, identity, rev string) (*domain.CommitFiles, error) {
	mirror, commit, err := s.resolve(ctx, identity, rev)
	if err != nil {
		return nil, err
	}
	files, err := mirror.FilesAt(ctx, commit.Hash)
	if err != nil {
		return nil, err
	}
	return &domain.CommitFiles{
		Repository: mirror.Ref().Identity,
		Commit:     commit.Hash,
		Files:      files,
	}, nil
}

// Changed returns the target paths rev changed relative to its first parent.
func (s *CommitService) Changed(ctx context.Context, identity, rev string) (*domain.ChangedFiles, error) {
	mirror, commit, err := s.resolve(ctx, identity, rev)
	if err != nil {
		return nil, err
	}
	paths, err := mirror.ChangedFilesAt(ctx, commit.Hash)
	if err != nil {
		return nil, err
	}
	return &domain.ChangedFiles{
		Repository: mirror.Ref().Identity,
		Commit:     commit.Hash,
		Paths:      paths,
	}, nil
}

// Latest returns the commit at the head of a freshly fetched mirror.
func (s *CommitService) Latest(ctx context.Context, identity string) (*domain.LatestCommit, error) {
	mirror, err := s.mirrors.Acquire(ctx, identity, false)
	if err != nil {
		return nil, err
	}
	hash, err := mirror.LatestCommit(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.LatestCommit{Repository: mirror.Ref().Identity, Commit: hash}, nil
}

// Refresh stores a generated blurb and description for every matching commit
// that lacks either. Per-commit failures are collected and do not stop the pass.
func (s *CommitService) Refresh(ctx context.Context, identity string, fresh bool) (*domain.RefreshResult, error) {
	mirror, err := s.mirrors.Acquire(ctx, identity, fresh)
	if err != nil {
		return nil, err
	}
	ref := mirror.Ref()

	commits, err := mirror.ListMatchingCommits(ctx)
	if err != nil {
		return nil, err
	}

	result := &domain.RefreshResult{Repository: ref.Identity, Errors: []string{}}
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewOpError("refresh", ref.Identity, "", err)
		}
		stored, err := s.refreshCommit(ctx, ref, mirror, c)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Commit %s: %v", c.Hash, err))
			continue
		}
		if stored {
			result.Processed++
		}
	}

	s.logger.Info(ctx, "refreshed commit records", map[string]interface{}{
		"repository": ref.Identity,
		"matching":   len(commits),
		"processed":  result.Processed,
		"errors":     len(result.Errors),
	})
	return result, nil
}

func (s *CommitService) refreshCommit(
	ctx context.Context,
	ref domain.RepositoryRef,
	mirror domain.Mirror,
	c domain.CommitRecord,
) (bool, error) {
	if s.cache == nil {
		return false, domain.ErrStorage
	}
	if rec := s.record(ctx, ref, c.Hash); rec != nil && rec.Blurb != nil && rec.Description != nil {
		return false, nil
	}

	changed, err := mirror.ChangedFilesAt(ctx, c.Hash)
	if err != nil {
		return false, err
	}

	message := ""
	if c.Message != nil {
		message = *c.Message
	}
	blurb := Blurb(message, len(changed))
	description := Description(message, changed)

	update := domain.RecordUpdate{
		CommitDate:  c.Date,
		GitMessage:  c.Message,
		Blurb:       &blurb,
		Description: &description,
	}
	if err := s.cache.StoreRecord(ctx, ref.URL, c.Hash, update); err != nil {
		return false, err
	}
	s.logger.Debug(ctx, "stored commit record", map[string]interface{}{
		"repository": ref.Identity,
		"commit":     c.Hash,
		"files":      len(changed),
	})
	return true, nil
}

// resolve acquires the mirror and resolves rev to a commit.
func (s *CommitService) resolve(ctx context.Context, identity, rev string) (domain.Mirror, *domain.CommitRecord, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return nil, nil, domain.NewOpError("resolve", identity, "", domain.ErrMissingCommit)
	}
	mirror, err := s.mirrors.Acquire(ctx, identity, false)
	if err != nil {
		return nil, nil, err
	}
	commit, err := mirror.CommitInfo(ctx, rev)
	if err != nil {
		return nil, nil, err
	}
	return mirror, commit, nil
}

// record reads the stored row for hash. Read failures are logged and reported as absent.
func (s *CommitService) record(ctx context.Context, ref domain.RepositoryRef, hash string) *domain.SchematicRecord {
	if s.cache == nil {
		return nil
	}
	rec, err := s.cache.Record(ctx, ref.URL, hash)
	if err != nil {
		s.logger.Warn(ctx, "failed to read commit record", map[string]interface{}{
			"repository": ref.Identity,
			"commit":     hash,
			"error":      err.Error(),
		})
		return nil
	}
	return rec
}

// Blurb builds the one-line summary stored for a commit.
func Blurb(message string, changedFiles int) string {
	if changedFiles == 0 {
		return initialBlurb
	}
	words := strings.Fields(message)
	if len(words) > blurbWords {
		words = words[:blurbWords]
	}
	summary := strings.Join(words, " ")
	if summary == "" {
		summary = fallbackBlurb
	}
	return fmt.Sprintf("Schematic changes in %d file(s): %s", changedFiles, summary)
}

// Description builds the multi-line text stored for a commit.
func Description(message string, changed []string) string {
	if strings.TrimSpace(message) == "" {
		message = noMessage
	}
	var b strings.Builder
	b.WriteString("Commit message: ")
	b.WriteString(message)
	b.WriteString("\nChanged files:\n")
	for _, p := range changed {
		b.WriteString("  - ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
