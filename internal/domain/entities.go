// Package domain defines the core business entities and interfaces for schematic-mirror.
package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultTargetSuffix is the file suffix that identifies schematic sources.
const DefaultTargetSuffix = ".kicad_sch"

// RepositoryRef identifies a remote repository and the local mirror that tracks it.
type RepositoryRef struct {
	// Identity is the canonical owner/name form of the repository.
	Identity string

	// Owner is the first segment of Identity.
	Owner string

	// Name is the second segment of Identity.
	Name string

	// URL is the remote clone URL derived from Identity.
	// It is also the repository key used by the result cache.
	URL string

	// MirrorPath is the local directory holding the mirror.
	MirrorPath string
}

// CommitRecord describes a single commit as seen from a mirror.
type CommitRecord struct {
	// Hash is the full 40-character object name.
	Hash string `json:"commit_hash"`

	// Date is the committer time, nil when the stored clock cannot be represented.
	Date *time.Time `json:"commit_date"`

	// Message is the first line of the commit message, nil when empty.
	Message *string `json:"message"`

	// TouchesTarget reports whether the commit changes any target-suffix file.
	TouchesTarget bool `json:"has_schematic_changes"`
}

// FileSnapshot is the content of one target file at a commit.
type FileSnapshot struct {
	// Path is repository-root relative and forward-slash separated.
	Path string `json:"path"`

	// Content is the blob decoded as UTF-8 with invalid sequences replaced.
	Content string `json:"content"`
}

// Document is the opaque structured output of the distillation tool.
type Document json.RawMessage

// MarshalJSON emits the document verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores a copy of the raw document.
func (d *Document) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// DocumentSummary counts the top-level entries of a distilled document.
type DocumentSummary struct {
	Components int `json:"components"`
	Nets       int `json:"nets"`
}

// Summary counts entries of the "components" and "nets" fields.
// Either field may be an object or an array; anything else counts as zero.
func (d Document) Summary() DocumentSummary {
	var top struct {
		Components json.RawMessage `json:"components"`
		Nets       json.RawMessage `json:"nets"`
	}
	if err := json.Unmarshal(d, &top); err != nil {
		return DocumentSummary{}
	}
	return DocumentSummary{
		Components: countEntries(top.Components),
		Nets:       countEntries(top.Nets),
	}
}

func countEntries(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	switch raw[0] {
	case '{':
		var m map[string]json.RawMessage
		if json.Unmarshal(raw, &m) == nil {
			return len(m)
		}
	case '[':
		var s []json.RawMessage
		if json.Unmarshal(raw, &s) == nil {
			return len(s)
		}
	}
	return 0
}

// CacheKey identifies a cached result.
type CacheKey struct {
	RepoURL    string `json:"repo_url"`
	CommitHash string `json:"commit_hash"`
}

// Part is an auxiliary per-component record attached to a cache entry.
type Part struct {
	UUID       uuid.UUID       `json:"part_uuid"`
	Blurb      *string         `json:"blurb"`
	Properties json.RawMessage `json:"properties"`
}

// SchematicRecord is the full cache row for a repository/commit pair.
type SchematicRecord struct {
	RepoURL         string             `json:"repo_url"`
	CommitHash      string             `json:"commit_hash"`
	CommitDate      *time.Time         `json:"commit_date"`
	GitMessage      *string            `json:"git_message"`
	Image           []byte             `json:"schematic_image,omitempty"`
	ChangeSummary   *string            `json:"change_summary"`
	ProjectOverview *string            `json:"project_overview"`
	Blurb           *string            `json:"blurb"`
	Description     *string            `json:"description"`
	Distilled       Document           `json:"distilled_json,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	Parts           map[uuid.UUID]Part `json:"parts"`
}

// RecordUpdate is a partial write to a cache row.
// Nil fields leave the stored value untouched.
type RecordUpdate struct {
	CommitDate      *time.Time `json:"commit_date,omitempty"`
	GitMessage      *string    `json:"git_message,omitempty"`
	Image           []byte     `json:"schematic_image,omitempty"`
	ChangeSummary   *string    `json:"change_summary,omitempty"`
	ProjectOverview *string    `json:"project_overview,omitempty"`
	Blurb           *string    `json:"blurb,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Distilled       Document   `json:"distilled_json,omitempty"`
	Parts           []Part     `json:"parts,omitempty"`
}

// DistillOutput is the result of a distillation request.
type DistillOutput struct {
	Repository string          `json:"repo"`
	Commit     string          `json:"commit"`
	Cached     bool            `json:"cached"`
	Summary    DocumentSummary `json:"summary"`
	Distilled  Document        `json:"distilled"`
}

// CommitView is a commit record enriched with cached derived text.
type CommitView struct {
	CommitRecord
	Blurb       *string `json:"blurb,omitempty"`
	Description *string `json:"description,omitempty"`
}

// CommitDetail is the expanded view of one commit.
type CommitDetail struct {
	Repository   string     `json:"repo"`
	Commit       string     `json:"commit"`
	CommitDate   *time.Time `json:"commit_date"`
	Message      *string    `json:"message"`
	Blurb        *string    `json:"blurb"`
	Description  *string    `json:"description"`
	ChangedFiles []string   `json:"changed_files"`
}

// RefreshResult reports the outcome of a refresh pass over a repository.
type RefreshResult struct {
	Repository string   `json:"repo"`
	Processed  int      `json:"processed"`
	Errors     []string `json:"errors"`
}

// DistillInput requests the distilled document for a repository at a commit.
type DistillInput struct {
	// Repository is the owner/name identity.
	Repository string

	// Commit is a full hash or any ref expression the mirror can resolve.
	Commit string

	// Refresh skips the cache lookup and recomputes the document.
	Refresh bool
}

// ListCommitsInput selects which commits to list and how.
type ListCommitsInput struct {
	Repository string

	// MatchingOnly limits the result to commits touching target files.
	MatchingOnly bool

	// Enrich attaches cached blurb and description text to each commit.
	Enrich bool

	// Fresh discards the local mirror and clones again first.
	Fresh bool
}

// CommitFiles is the set of target files at a commit.
type CommitFiles struct {
	Repository string         `json:"repo"`
	Commit     string         `json:"commit"`
	Files      []FileSnapshot `json:"files"`
}

// ChangedFiles is the set of target paths a commit changed.
type ChangedFiles struct {
	Repository string   `json:"repo"`
	Commit     string   `json:"commit"`
	Paths      []string `json:"changed_files"`
}

// InvalidateResult reports what an invalidation removed.
type InvalidateResult struct {
	Repository    string `json:"repo"`
	Commit        string `json:"commit,omitempty"`
	Removed       int64  `json:"removed"`
	MirrorRemoved bool   `json:"mirror_removed"`
}

// LatestCommit is the hash at the mirror head.
type LatestCommit struct {
	Repository string `json:"repo"`
	Commit     string `json:"commit"`
}
