package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Domain errors for mirror, scan, pipeline and cache operations.
var (
	// ErrInvalidIdentity indicates a repository identity that is not in owner/name form.
	ErrInvalidIdentity = errors.New("repository identity must be in owner/name form")

	// ErrMissingCommit indicates a request that needs a commit hash or ref did not carry one.
	ErrMissingCommit = errors.New("commit hash or ref is required")

	// ErrInvalidPart indicates a part identifier that is not a UUID.
	ErrInvalidPart = errors.New("part identifier must be a UUID")

	// ErrInvalidRecord indicates a record update that cannot be stored as given.
	ErrInvalidRecord = errors.New("invalid record update")

	// ErrCloneFailed indicates the remote could not be cloned.
	ErrCloneFailed = errors.New("failed to clone repository")

	// ErrFetchFailed indicates the remote could not be fetched into an existing mirror.
	ErrFetchFailed = errors.New("failed to fetch repository")

	// ErrNoDefaultBranch indicates none of origin/HEAD, origin/main or origin/master resolved.
	ErrNoDefaultBranch = errors.New("no default branch found on remote")

	// ErrCommitNotFound indicates a hash or ref expression did not resolve in the mirror.
	ErrCommitNotFound = errors.New("commit not found")

	// ErrTreeWalk indicates the object store could not be read while walking a tree.
	ErrTreeWalk = errors.New("failed to walk commit tree")

	// ErrNoInputFiles indicates distillation was requested for an empty file set.
	ErrNoInputFiles = errors.New("no input files to distill")

	// ErrTransformFailed indicates the distillation tool exited with a non-zero status.
	ErrTransformFailed = errors.New("distillation tool failed")

	// ErrTransformTimeout indicates the distillation tool exceeded its time limit.
	ErrTransformTimeout = errors.New("distillation tool timed out")

	// ErrMalformedOutput indicates the distillation tool did not print a JSON document.
	ErrMalformedOutput = errors.New("distillation tool produced malformed output")

	// ErrToolNotFound indicates the distillation tool is not configured or not executable.
	ErrToolNotFound = errors.New("distillation tool not found")

	// ErrStorage indicates a result cache transport or storage fault.
	ErrStorage = errors.New("result cache storage error")
)

// Kind is a stable, machine-facing classification of an error.
type Kind string

// Error kinds surfaced to callers.
const (
	KindUnknown          Kind = "unknown"
	KindInvalidArgument  Kind = "invalid_argument"
	KindMirror           Kind = "mirror"
	KindNotFound         Kind = "not_found"
	KindTreeWalk         Kind = "tree_walk"
	KindNoInputFiles     Kind = "no_input_files"
	KindTransformFailed  Kind = "transform_failed"
	KindTransformTimeout Kind = "transform_timeout"
	KindMalformedOutput  Kind = "malformed_output"
	KindStorage          Kind = "storage"
	KindCanceled         Kind = "canceled"
)

var kindTable = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInvalidIdentity, KindInvalidArgument},
	{ErrMissingCommit, KindInvalidArgument},
	{ErrInvalidPart, KindInvalidArgument},
	{ErrInvalidRecord, KindInvalidArgument},
	{ErrCloneFailed, KindMirror},
	{ErrFetchFailed, KindMirror},
	{ErrNoDefaultBranch, KindMirror},
	{ErrCommitNotFound, KindNotFound},
	{ErrTreeWalk, KindTreeWalk},
	{ErrNoInputFiles, KindNoInputFiles},
	{ErrTransformTimeout, KindTransformTimeout},
	{ErrTransformFailed, KindTransformFailed},
	{ErrToolNotFound, KindTransformFailed},
	{ErrMalformedOutput, KindMalformedOutput},
	{ErrStorage, KindStorage},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf classifies any error chain. Nil maps to the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kindTable {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether repeating the failed operation may succeed.
// Mirror failures are retryable; not-found, corruption and malformed output are not.
// Transform failures are retryable only after confirming the tool is reachable,
// which is the caller's responsibility.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindMirror, KindTransformFailed, KindStorage:
		return !errors.Is(err, ErrToolNotFound)
	default:
		return false
	}
}

// OpError attaches the operation name, repository and commit to a failure.
type OpError struct {
	Op         string
	Repository string
	Commit     string
	Err        error
}

// NewOpError wraps err with diagnostic context. It returns nil when err is nil.
func NewOpError(op, repository, commit string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Repository: repository, Commit: commit, Err: err}
}

// Error implements the error interface.
func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Repository != "" {
		b.WriteString(" ")
		b.WriteString(e.Repository)
		if e.Commit != "" {
			b.WriteString("@")
			b.WriteString(e.Commit)
		}
	}
	return fmt.Sprintf("%s: %v", b.String(), e.Err)
}

// Unwrap returns the wrapped error.
func (e *OpError) Unwrap() error { return e.Err }
