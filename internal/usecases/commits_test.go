package usecases

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

func TestCommitService_List(t *testing.T) {
	store := newMockStore()
	store.records[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashA}] = &domain.SchematicRecord{
		Blurb:       strPtr("Schematic changes in 1 file(s): Initial board"),
		Description: strPtr("Commit message: Initial board\nChanged files:\n  - board.kicad_sch\n"),
	}

	tests := []struct {
		name       string
		input      domain.ListCommitsInput
		wantHashes []string
		wantBlurb  bool
		wantFresh  int
	}{
		{
			name:       "all commits",
			input:      domain.ListCommitsInput{Repository: testRepo},
			wantHashes: []string{hashA, hashB},
		},
		{
			name:       "matching only",
			input:      domain.ListCommitsInput{Repository: testRepo, MatchingOnly: true},
			wantHashes: []string{hashA},
		},
		{
			name:       "enriched from cache",
			input:      domain.ListCommitsInput{Repository: testRepo, MatchingOnly: true, Enrich: true},
			wantHashes: []string{hashA},
			wantBlurb:  true,
		},
		{
			name:       "fresh mirror",
			input:      domain.ListCommitsInput{Repository: testRepo, Fresh: true},
			wantHashes: []string{hashA, hashB},
			wantFresh:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newMockRegistry(newTestMirror())
			svc := NewCommitService(reg, store, &mockLogger{})

			views, err := svc.List(context.Background(), tt.input)

			require.NoError(t, err)
			hashes := make([]string, 0, len(views))
			for _, v := range views {
				hashes = append(hashes, v.Hash)
			}
			assert.Equal(t, tt.wantHashes, hashes)
			assert.Equal(t, tt.wantFresh, reg.freshCalls)
			if tt.wantBlurb {
				require.NotNil(t, views[0].Blurb)
				assert.Equal(t, "Schematic changes in 1 file(s): Initial board", *views[0].Blurb)
				assert.NotNil(t, views[0].Description)
			} else {
				assert.Nil(t, views[0].Blurb)
			}
		})
	}
}

func TestCommitService_ListEnrichmentFaultIsSoft(t *testing.T) {
	store := newMockStore()
	store.recordErr = domain.ErrStorage
	svc := NewCommitService(newMockRegistry(newTestMirror()), store, &mockLogger{})

	views, err := svc.List(context.Background(), domain.ListCommitsInput{Repository: testRepo, Enrich: true})

	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Nil(t, views[0].Blurb)
}

func TestCommitService_ListErrors(t *testing.T) {
	reg := newMockRegistry(newTestMirror())
	reg.acquireErr = domain.NewOpError("fetch", testRepo, "", domain.ErrFetchFailed)
	svc := NewCommitService(reg, nil, &mockLogger{})

	_, err := svc.List(context.Background(), domain.ListCommitsInput{Repository: testRepo})

	require.Error(t, err)
	assert.Equal(t, domain.KindMirror, domain.KindOf(err))
	assert.True(t, domain.Retryable(err))
}

func TestCommitService_Info(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mirror := newTestMirror()
	mirror.commits[0].Date = &when
	store := newMockStore()
	store.records[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashA}] = &domain.SchematicRecord{
		Blurb: strPtr("stored blurb"),
	}
	svc := NewCommitService(newMockRegistry(mirror), store, &mockLogger{})

	detail, err := svc.Info(context.Background(), testRepo, "HEAD~1")

	require.NoError(t, err)
	assert.Equal(t, &domain.CommitDetail{
		Repository:   testRepo,
		Commit:       hashA,
		CommitDate:   &when,
		Message:      strPtr("Initial board"),
		Blurb:        strPtr("stored blurb"),
		ChangedFiles: []string{"board.kicad_sch"},
	}, detail)
}

func TestCommitService_InfoWithoutCache(t *testing.T) {
	svc := NewCommitService(newMockRegistry(newTestMirror()), nil, &mockLogger{})

	detail, err := svc.Info(context.Background(), testRepo, hashB)

	require.NoError(t, err)
	assert.Nil(t, detail.Blurb)
	assert.Nil(t, detail.Description)
	assert.NotNil(t, detail.ChangedFiles)
	assert.Empty(t, detail.ChangedFiles)
}

func TestCommitService_FilesAndChanged(t *testing.T) {
	svc := NewCommitService(newMockRegistry(newTestMirror()), nil, &mockLogger{})
	ctx := context.Background()

	files, err := svc.Files(ctx, testRepo, "main")
	require.NoError(t, err)
	assert.Equal(t, hashB, files.Commit)
	assert.Equal(t, []domain.FileSnapshot{{Path: "board.kicad_sch", Content: "(kicad_sch)"}}, files.Files)

	changed, err := svc.Changed(ctx, testRepo, hashA)
	require.NoError(t, err)
	assert.Equal(t, []string{"board.kicad_sch"}, changed.Paths)

	_, err = svc.Changed(ctx, testRepo, "")
	assert.ErrorIs(t, err, domain.ErrMissingCommit)

	_, err = svc.Files(ctx, testRepo, "deadbeef")
	assert.ErrorIs(t, err, domain.ErrCommitNotFound)
}

func TestCommitService_Latest(t *testing.T) {
	svc := NewCommitService(newMockRegistry(newTestMirror()), nil, &mockLogger{})

	latest, err := svc.Latest(context.Background(), testRepo)

	require.NoError(t, err)
	assert.Equal(t, &domain.LatestCommit{Repository: testRepo, Commit: hashB}, latest)
}

func TestCommitService_Refresh(t *testing.T) {
	const hashC = "3333333333333333333333333333333333333333"
	const hashD = "4444444444444444444444444444444444444444"
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mirror := newTestMirror()
	mirror.commits = []domain.CommitRecord{
		{Hash: hashA, Date: &when, Message: strPtr("Add power sheet with regulator and bulk caps"), TouchesTarget: true},
		{Hash: hashB, Message: strPtr("Already described"), TouchesTarget: true},
		{Hash: hashC, TouchesTarget: true},
		{Hash: hashD, Message: strPtr("Broken"), TouchesTarget: true},
		{Hash: "5555555555555555555555555555555555555555", Message: strPtr("docs"), TouchesTarget: false},
	}
	mirror.changed = map[string][]string{
		hashA: {"power.kicad_sch", "root.kicad_sch"},
		hashC: {"root.kicad_sch"},
	}
	mirror.changedErr = map[string]error{hashD: fmt.Errorf("%w: object missing", domain.ErrTreeWalk)}

	store := newMockStore()
	store.records[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashB}] = &domain.SchematicRecord{
		Blurb:       strPtr("b"),
		Description: strPtr("d"),
	}
	reg := newMockRegistry(mirror)
	svc := NewCommitService(reg, store, &mockLogger{})

	result, err := svc.Refresh(context.Background(), testRepo, true)

	require.NoError(t, err)
	assert.Equal(t, testRepo, result.Repository)
	assert.Equal(t, 2, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Commit "+hashD+": ")
	assert.Equal(t, 1, reg.freshCalls)

	a := store.updates[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashA}]
	assert.Equal(t, "Schematic changes in 2 file(s): Add power sheet with regulator", *a.Blurb)
	assert.Equal(t,
		"Commit message: Add power sheet with regulator and bulk caps\nChanged files:\n"+
			"  - power.kicad_sch\n  - root.kicad_sch\n",
		*a.Description)
	assert.Equal(t, &when, a.CommitDate)
	assert.Equal(t, "Add power sheet with regulator and bulk caps", *a.GitMessage)

	c := store.updates[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashC}]
	assert.Equal(t, "Schematic changes in 1 file(s): Update", *c.Blurb)
	assert.Equal(t, "Commit message: (no message)\nChanged files:\n  - root.kicad_sch\n", *c.Description)
	assert.Nil(t, c.GitMessage)

	_, touched := store.updates[domain.CacheKey{RepoURL: testRepoURL, CommitHash: hashB}]
	assert.False(t, touched, "commits with both fields stored are skipped")
}

func TestCommitService_RefreshStoreFailures(t *testing.T) {
	store := newMockStore()
	store.storeErr = domain.ErrStorage
	svc := NewCommitService(newMockRegistry(newTestMirror()), store, &mockLogger{})

	result, err := svc.Refresh(context.Background(), testRepo, false)

	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Commit "+hashA+": "+domain.ErrStorage.Error(), result.Errors[0])
}

func TestCommitService_RefreshCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewCommitService(newMockRegistry(newTestMirror()), newMockStore(), &mockLogger{})

	_, err := svc.Refresh(ctx, testRepo, false)

	require.Error(t, err)
	assert.Equal(t, domain.KindCanceled, domain.KindOf(err))
}

func TestBlurb(t *testing.T) {
	tests := []struct {
		name    string
		message string
		files   int
		want    string
	}{
		{name: "no files", message: "Anything", files: 0, want: "Initial schematic commit"},
		{name: "short message", message: "Fix net", files: 1, want: "Schematic changes in 1 file(s): Fix net"},
		{name: "long message", message: "one two  three\tfour five six", files: 3, want: "Schematic changes in 3 file(s): one two three four five"},
		{name: "empty message", message: "", files: 2, want: "Schematic changes in 2 file(s): Update"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Blurb(tt.message, tt.files))
		})
	}
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "Commit message: Fix\nChanged files:\n", Description("Fix", nil))
	assert.Equal(t,
		"Commit message: (no message)\nChanged files:\n  - a.kicad_sch\n",
		Description("", []string{"a.kicad_sch"}))
}
