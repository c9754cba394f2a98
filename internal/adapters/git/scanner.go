package git

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/lock"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// mirror implements domain.Mirror over an acquired go-git repository.
// Queries hold the shared side of the identity lock so they never observe
// a concurrent fetch half-way through.
type mirror struct {
	ref    domain.RepositoryRef
	repo   *git.Repository
	suffix string
	locks  *lock.Keyed
	logger Logger
}

// Ref returns the repository reference for this mirror.
func (m *mirror) Ref() domain.RepositoryRef {
	return m.ref
}

// ListCommits returns every commit reachable from HEAD, parents first.
func (m *mirror) ListCommits(ctx context.Context) ([]domain.CommitRecord, error) {
	unlock := m.locks.RLock(m.ref.Identity)
	defer unlock()

	commits, err := m.topoCommits(ctx)
	if err != nil {
		return nil, domain.NewOpError("list commits", m.ref.Identity, "", err)
	}

	records := make([]domain.CommitRecord, 0, len(commits))
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		touches, err := m.touchesTarget(ctx, c)
		if err != nil {
			return nil, domain.NewOpError("list commits", m.ref.Identity, c.Hash.String(), err)
		}
		records = append(records, newCommitRecord(c, touches))
	}

	m.logger.Debug(ctx, "listed commits", map[string]interface{}{
		"repository": m.ref.Identity,
		"count":      len(records),
	})
	return records, nil
}

// ListMatchingCommits returns the commits from ListCommits that touch target files.
func (m *mirror) ListMatchingCommits(ctx context.Context) ([]domain.CommitRecord, error) {
	all, err := m.ListCommits(ctx)
	if err != nil {
		return nil, err
	}
	matching := make([]domain.CommitRecord, 0, len(all))
	for _, c := range all {
		if c.TouchesTarget {
			matching = append(matching, c)
		}
	}
	return matching, nil
}

// CommitInfo resolves rev and describes the commit it names.
func (m *mirror) CommitInfo(ctx context.Context, rev string) (*domain.CommitRecord, error) {
	unlock := m.locks.RLock(m.ref.Identity)
	defer unlock()

	c, err := m.resolveCommit(rev)
	if err != nil {
		return nil, domain.NewOpError("commit info", m.ref.Identity, rev, err)
	}
	touches, err := m.touchesTarget(ctx, c)
	if err != nil {
		return nil, domain.NewOpError("commit info", m.ref.Identity, rev, err)
	}
	record := newCommitRecord(c, touches)
	return &record, nil
}

// LatestCommit returns the hash HEAD points at.
func (m *mirror) LatestCommit(_ context.Context) (string, error) {
	unlock := m.locks.RLock(m.ref.Identity)
	defer unlock()

	head, err := m.repo.Head()
	if err != nil {
		return "", domain.NewOpError("latest commit", m.ref.Identity, "",
			fmt.Errorf("%w: HEAD: %w", domain.ErrCommitNotFound, err))
	}
	return head.Hash().String(), nil
}

// resolveCommit maps a hash, abbreviated hash or ref expression to a commit.
func (m *mirror) resolveCommit(rev string) (*object.Commit, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return nil, fmt.Errorf("%w: empty revision", domain.ErrCommitNotFound)
	}
	hash, err := m.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitNotFound, rev)
	}
	c, err := m.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCommitNotFound, rev, err)
	}
	return c, nil
}

// topoCommits loads every commit reachable from HEAD and orders them so each
// parent precedes its children. Among commits whose parents are all emitted,
// the oldest committer time goes first, then the lowest hash.
func (m *mirror) topoCommits(ctx context.Context) ([]*object.Commit, error) {
	head, err := m.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: HEAD: %w", domain.ErrCommitNotFound, err)
	}

	nodes := make(map[plumbing.Hash]*object.Commit)
	children := make(map[plumbing.Hash][]plumbing.Hash)
	pending := make(map[plumbing.Hash]int)

	stack := []plumbing.Hash{head.Hash()}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := nodes[h]; seen {
			continue
		}
		c, err := m.repo.CommitObject(h)
		if err != nil {
			return nil, fmt.Errorf("%w: commit %s: %w", domain.ErrTreeWalk, h, err)
		}
		nodes[h] = c
		pending[h] = len(c.ParentHashes)
		for _, p := range c.ParentHashes {
			children[p] = append(children[p], h)
			stack = append(stack, p)
		}
	}

	ready := &commitQueue{}
	for h, n := range pending {
		if n == 0 {
			heap.Push(ready, nodes[h])
		}
	}

	ordered := make([]*object.Commit, 0, len(nodes))
	for ready.Len() > 0 {
		c := heap.Pop(ready).(*object.Commit)
		ordered = append(ordered, c)
		for _, child := range children[c.Hash] {
			pending[child]--
			if pending[child] == 0 {
				heap.Push(ready, nodes[child])
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, fmt.Errorf("%w: commit graph has a cycle", domain.ErrTreeWalk)
	}
	return ordered, nil
}

// touchesTarget reports whether c changes a target file relative to its first
// parent. A root commit touches targets when its tree holds any.
func (m *mirror) touchesTarget(ctx context.Context, c *object.Commit) (bool, error) {
	paths, err := m.changedPaths(ctx, c)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// changedPaths lists the target paths c changes relative to its first parent,
// old and new names both included, without duplicates and in diff order.
func (m *mirror) changedPaths(ctx context.Context, c *object.Commit) ([]string, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: tree of %s: %w", domain.ErrTreeWalk, c.Hash, err)
	}

	if c.NumParents() == 0 {
		return m.targetPaths(tree)
	}

	parent, err := c.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("%w: parent of %s: %w", domain.ErrTreeWalk, c.Hash, err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: tree of %s: %w", domain.ErrTreeWalk, parent.Hash, err)
	}

	changes, err := object.DiffTreeContext(ctx, parentTree, tree)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: diff of %s: %w", domain.ErrTreeWalk, c.Hash, err)
	}

	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if p == "" || !strings.HasSuffix(p, m.suffix) {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, ch := range changes {
		add(ch.From.Name)
		add(ch.To.Name)
	}
	return paths, nil
}

// newCommitRecord converts a go-git commit into the domain record.
func newCommitRecord(c *object.Commit, touches bool) domain.CommitRecord {
	record := domain.CommitRecord{
		Hash:          c.Hash.String(),
		TouchesTarget: touches,
	}
	if when := c.Committer.When; !when.IsZero() {
		utc := when.UTC()
		record.Date = &utc
	}
	if summary := messageSummary(c.Message); summary != "" {
		record.Message = &summary
	}
	return record
}

// messageSummary returns the first paragraph of msg with its lines trimmed
// and joined by single spaces.
func messageSummary(msg string) string {
	var parts []string
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(parts) > 0 {
				break
			}
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

// commitQueue is a min-heap of commits ordered by committer time, then hash.
type commitQueue []*object.Commit

func (q commitQueue) Len() int { return len(q) }

func (q commitQueue) Less(i, j int) bool {
	ti, tj := q[i].Committer.When, q[j].Committer.When
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return q[i].Hash.String() < q[j].Hash.String()
}

func (q commitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commitQueue) Push(x any) { *q = append(*q, x.(*object.Commit)) }

func (q *commitQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return c
}
