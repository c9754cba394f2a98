// Package git provides the repository mirror, commit scanner and snapshot
// extractor. It implements domain.MirrorRegistry and domain.Mirror using go-git/v5.
package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/lock"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// DefaultURLTemplate maps an owner/name identity to a GitHub clone URL.
const DefaultURLTemplate = "https://github.com/%s.git"

const (
	remoteName = "origin"

	// fetchRefSpec mirrors every remote branch into refs/remotes/origin/*.
	fetchRefSpec = config.RefSpec("+refs/heads/*:refs/remotes/origin/*")
)

// Logger defines the logging interface for the git adapter.
// This interface enables dependency injection and testability.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
}

// Options configures a Registry.
type Options struct {
	// Root is the directory under which mirrors are created.
	Root string

	// URLTemplate renders the remote URL for an identity.
	URLTemplate string

	// TargetSuffix selects the files of interest.
	TargetSuffix string

	// Timeout bounds a single clone or fetch, including retries. Zero disables it.
	Timeout time.Duration

	// Retries is the number of extra attempts for a failed clone or fetch.
	Retries int
}

// Registry owns one mirror directory per repository identity and serializes
// writers to it, both within this process and across processes.
type Registry struct {
	opts   Options
	locks  *lock.Keyed
	logger Logger
}

// NewRegistry creates a Registry for the given options.
func NewRegistry(opts Options, log Logger) *Registry {
	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultURLTemplate
	}
	if opts.TargetSuffix == "" {
		opts.TargetSuffix = domain.DefaultTargetSuffix
	}
	return &Registry{
		opts:   opts,
		locks:  lock.NewKeyed(),
		logger: log,
	}
}

// Resolve validates identity and derives its reference.
func (r *Registry) Resolve(identity string) (domain.RepositoryRef, error) {
	return newRepositoryRef(identity, r.opts.Root, r.opts.URLTemplate)
}

// Acquire clones the mirror on first use and fetches it on every later use,
// leaving HEAD detached at the remote default branch tip.
// With forceFresh the mirror directory is deleted first.
func (r *Registry) Acquire(ctx context.Context, identity string, forceFresh bool) (domain.Mirror, error) {
	ref, err := r.Resolve(identity)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(ref.Identity)
	defer unlock()

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	var repo *git.Repository
	err = lock.WithFile(ctx, mirrorLockPath(r.opts.Root, ref), func() error {
		if forceFresh {
			if err := os.RemoveAll(ref.MirrorPath); err != nil {
				return fmt.Errorf("%w: failed to remove mirror: %w", domain.ErrCloneFailed, err)
			}
			r.logger.Info(ctx, "discarded mirror for fresh clone", map[string]interface{}{
				"repository": ref.Identity,
				"path":       ref.MirrorPath,
			})
		}
		var openErr error
		repo, openErr = r.openOrClone(ctx, ref)
		return openErr
	})
	if err != nil {
		return nil, domain.NewOpError("acquire", ref.Identity, "", err)
	}

	return &mirror{
		ref:    ref,
		repo:   repo,
		suffix: r.opts.TargetSuffix,
		locks:  r.locks,
		logger: r.logger,
	}, nil
}

// Remove deletes the mirror directory for identity.
func (r *Registry) Remove(ctx context.Context, identity string) error {
	ref, err := r.Resolve(identity)
	if err != nil {
		return err
	}

	unlock := r.locks.Lock(ref.Identity)
	defer unlock()

	return lock.WithFile(ctx, mirrorLockPath(r.opts.Root, ref), func() error {
		if err := os.RemoveAll(ref.MirrorPath); err != nil {
			return domain.NewOpError("remove mirror", ref.Identity, "", err)
		}
		r.logger.Info(ctx, "removed mirror", map[string]interface{}{
			"repository": ref.Identity,
			"path":       ref.MirrorPath,
		})
		return nil
	})
}

// openOrClone brings the mirror at ref.MirrorPath up to date with the remote.
// An unreadable mirror left behind by an interrupted clone is discarded and cloned again.
func (r *Registry) openOrClone(ctx context.Context, ref domain.RepositoryRef) (*git.Repository, error) {
	if _, err := os.Stat(ref.MirrorPath); errors.Is(err, fs.ErrNotExist) {
		return r.clone(ctx, ref)
	}

	repo, err := git.PlainOpen(ref.MirrorPath)
	if err != nil {
		r.logger.Warn(ctx, "mirror unreadable; cloning again", map[string]interface{}{
			"repository": ref.Identity,
			"path":       ref.MirrorPath,
			"error":      err.Error(),
		})
		return r.clone(ctx, ref)
	}

	if err := r.fetch(ctx, ref, repo); err != nil {
		return nil, err
	}
	if err := refreshRemoteHead(ctx, repo); err != nil {
		r.logger.Warn(ctx, "could not refresh remote default branch", map[string]interface{}{
			"repository": ref.Identity,
			"error":      err.Error(),
		})
	}

	head, err := resolveRemoteHead(repo)
	if err != nil {
		return nil, err
	}
	if err := detachHead(repo, head); err != nil {
		return nil, fmt.Errorf("%w: failed to reset HEAD: %w", domain.ErrFetchFailed, err)
	}

	r.logger.Info(ctx, "updated mirror", map[string]interface{}{
		"repository": ref.Identity,
		"path":       ref.MirrorPath,
		"head":       head.String(),
	})
	return repo, nil
}

// clone creates a bare mirror. Each attempt starts from an empty directory.
func (r *Registry) clone(ctx context.Context, ref domain.RepositoryRef) (*git.Repository, error) {
	var repo *git.Repository
	attempt := func() error {
		if err := os.RemoveAll(ref.MirrorPath); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		repo, err = git.PlainCloneContext(ctx, ref.MirrorPath, true, &git.CloneOptions{
			URL:        ref.URL,
			RemoteName: remoteName,
			Tags:       git.NoTags,
		})
		if err != nil && !retryableTransportError(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(attempt, r.retryPolicy(ctx)); err != nil {
		_ = os.RemoveAll(ref.MirrorPath)
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCloneFailed, ref.URL, err)
	}

	if err := recordRemoteHead(repo); err != nil {
		r.logger.Warn(ctx, "could not record remote default branch", map[string]interface{}{
			"repository": ref.Identity,
			"error":      err.Error(),
		})
	}
	head, err := resolveRemoteHead(repo)
	if err != nil {
		return nil, err
	}
	if err := detachHead(repo, head); err != nil {
		return nil, fmt.Errorf("%w: failed to set HEAD: %w", domain.ErrCloneFailed, err)
	}

	r.logger.Info(ctx, "cloned mirror", map[string]interface{}{
		"repository": ref.Identity,
		"path":       ref.MirrorPath,
		"head":       head.String(),
	})
	return repo, nil
}

// fetch updates every remote branch ref, recreating the origin remote if it is missing.
func (r *Registry) fetch(ctx context.Context, ref domain.RepositoryRef, repo *git.Repository) error {
	if _, err := repo.Remote(remoteName); errors.Is(err, git.ErrRemoteNotFound) {
		if _, err := repo.CreateRemote(&config.RemoteConfig{
			Name:  remoteName,
			URLs:  []string{ref.URL},
			Fetch: []config.RefSpec{fetchRefSpec},
		}); err != nil {
			return fmt.Errorf("%w: failed to create remote: %w", domain.ErrFetchFailed, err)
		}
	}

	attempt := func() error {
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: remoteName,
			RefSpecs:   []config.RefSpec{fetchRefSpec},
			Tags:       git.NoTags,
			Force:      true,
		})
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if !retryableTransportError(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(attempt, r.retryPolicy(ctx)); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrFetchFailed, ref.URL, err)
	}
	return nil
}

func (r *Registry) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	retries := r.opts.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
}

// retryableTransportError reports whether a clone or fetch failure may be transient.
// Missing repositories, auth failures, empty remotes and a done context are final.
func retryableTransportError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return false
	}
	return true
}

// recordRemoteHead points refs/remotes/origin/HEAD at the branch the clone checked out,
// which is the remote's advertised default branch.
func recordRemoteHead(repo *git.Repository) error {
	head, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return err
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return nil
	}
	return setRemoteHead(repo, head.Target())
}

// refreshRemoteHead points refs/remotes/origin/HEAD at the branch the remote
// currently advertises as HEAD, so a renamed default branch is followed.
func refreshRemoteHead(ctx context.Context, repo *git.Repository) error {
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return err
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
			return setRemoteHead(repo, ref.Target())
		}
	}
	return nil
}

func setRemoteHead(repo *git.Repository, branch plumbing.ReferenceName) error {
	target := plumbing.NewRemoteReferenceName(remoteName, branch.Short())
	return repo.Storer.SetReference(plumbing.NewSymbolicReference(remoteHeadRef, target))
}

var remoteHeadRef = plumbing.ReferenceName("refs/remotes/" + remoteName + "/HEAD")

// resolveRemoteHead finds the remote default branch tip, trying origin/HEAD,
// then origin/main, then origin/master.
func resolveRemoteHead(repo *git.Repository) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		remoteHeadRef,
		plumbing.NewRemoteReferenceName(remoteName, "main"),
		plumbing.NewRemoteReferenceName(remoteName, "master"),
	}
	for _, name := range candidates {
		ref, err := repo.Reference(name, true)
		if err == nil && !ref.Hash().IsZero() {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, domain.ErrNoDefaultBranch
}

// detachHead sets HEAD to hash directly rather than through a branch.
func detachHead(repo *git.Repository, hash plumbing.Hash) error {
	return repo.Storer.SetReference(plumbing.NewHashReference(plumbing.HEAD, hash))
}
