// Package domain defines the core business entities and interfaces for schematic-mirror.
// This package holds no adapter code and represents the innermost layer
// of the CLEAN architecture.
package domain

import (
	"context"

	"github.com/google/uuid"
)

// MirrorRegistry owns the local mirrors, one per repository identity.
type MirrorRegistry interface {
	// Acquire returns a mirror that has been cloned or fetched during this call.
	// When forceFresh is true the existing mirror directory is discarded first.
	Acquire(ctx context.Context, identity string, forceFresh bool) (Mirror, error)

	// Resolve validates identity and returns its reference without touching disk.
	Resolve(identity string) (RepositoryRef, error)

	// Remove deletes the local mirror for identity. Missing mirrors are not an error.
	Remove(ctx context.Context, identity string) error
}

// Mirror answers commit and tree queries against one local mirror.
type Mirror interface {
	// Ref returns the repository reference the mirror belongs to.
	Ref() RepositoryRef

	// ListCommits returns every commit reachable from the mirror head,
	// parents before children, ties broken by committer time (oldest first).
	ListCommits(ctx context.Context) ([]CommitRecord, error)

	// ListMatchingCommits returns the subsequence of ListCommits that touches target files.
	ListMatchingCommits(ctx context.Context) ([]CommitRecord, error)

	// CommitInfo resolves a hash or ref expression to its CommitRecord.
	// Returns ErrCommitNotFound if the expression does not resolve.
	CommitInfo(ctx context.Context, rev string) (*CommitRecord, error)

	// LatestCommit returns the hash at the mirror head.
	LatestCommit(ctx context.Context) (string, error)

	// FilesAt returns every target file in the tree at rev.
	FilesAt(ctx context.Context, rev string) ([]FileSnapshot, error)

	// ChangedFilesAt returns the target paths changed by rev relative to its first parent,
	// or every target path for a root commit.
	ChangedFilesAt(ctx context.Context, rev string) ([]string, error)
}

// Distiller transforms a file set into a structured document.
type Distiller interface {
	// Distill materializes files in a workspace keyed by identity and commit,
	// runs the transformation tool on it and parses its output.
	Distill(ctx context.Context, identity, commit string, files []FileSnapshot) (Document, error)

	// Reachable reports whether the transformation tool can currently be executed.
	Reachable() error
}

// WorkspaceReaper removes stale distillation workspaces.
type WorkspaceReaper interface {
	// Reap deletes workspaces beyond the configured age or count bounds
	// and returns the number removed.
	Reap(ctx context.Context) (int, error)
}

// ResultStore is the persistent result cache keyed by repository URL and commit hash.
type ResultStore interface {
	// Get returns the distilled document for the key. The boolean is false
	// when no row exists or the row holds no document.
	Get(ctx context.Context, repoURL, commitHash string) (Document, bool, error)

	// Put upserts the distilled document, leaving other stored fields intact.
	Put(ctx context.Context, repoURL, commitHash string, doc Document) error

	// Invalidate deletes the row for commitHash, or every row for repoURL when
	// commitHash is empty, and returns the number of rows removed.
	Invalidate(ctx context.Context, repoURL, commitHash string) (int64, error)

	// StoreRecord upserts the supplied fields of a row and its parts.
	StoreRecord(ctx context.Context, repoURL, commitHash string, update RecordUpdate) error

	// Record returns the full row with its parts, or nil when absent.
	Record(ctx context.Context, repoURL, commitHash string) (*SchematicRecord, error)

	// FindByPart lists the keys whose rows contain the given part.
	FindByPart(ctx context.Context, part uuid.UUID) ([]CacheKey, error)

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// OutputWriter writes command results to an output destination.
type OutputWriter interface {
	// WriteJSON writes v as an indented JSON document.
	WriteJSON(v any) error
}
