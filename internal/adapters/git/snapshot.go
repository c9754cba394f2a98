package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/text/encoding/unicode"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// FilesAt returns every target file in the tree at rev with its decoded content.
// A blob that cannot be read is logged and skipped.
func (m *mirror) FilesAt(ctx context.Context, rev string) ([]domain.FileSnapshot, error) {
	unlock := m.locks.RLock(m.ref.Identity)
	defer unlock()

	c, err := m.resolveCommit(rev)
	if err != nil {
		return nil, domain.NewOpError("files at", m.ref.Identity, rev, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, domain.NewOpError("files at", m.ref.Identity, rev,
			fmt.Errorf("%w: %w", domain.ErrTreeWalk, err))
	}

	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	var files []domain.FileSnapshot
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.NewOpError("files at", m.ref.Identity, rev,
				fmt.Errorf("%w: %w", domain.ErrTreeWalk, err))
		}
		if !entry.Mode.IsFile() || !strings.HasSuffix(name, m.suffix) {
			continue
		}

		content, err := m.readBlob(entry)
		if err != nil {
			m.logger.Warn(ctx, "skipping unreadable file", map[string]interface{}{
				"repository": m.ref.Identity,
				"commit":     c.Hash.String(),
				"path":       name,
				"error":      err.Error(),
			})
			continue
		}
		files = append(files, domain.FileSnapshot{Path: name, Content: content})
	}

	m.logger.Debug(ctx, "extracted files", map[string]interface{}{
		"repository": m.ref.Identity,
		"commit":     c.Hash.String(),
		"count":      len(files),
	})
	return files, nil
}

// ChangedFilesAt returns the target paths rev changes relative to its first parent.
func (m *mirror) ChangedFilesAt(ctx context.Context, rev string) ([]string, error) {
	unlock := m.locks.RLock(m.ref.Identity)
	defer unlock()

	c, err := m.resolveCommit(rev)
	if err != nil {
		return nil, domain.NewOpError("changed files", m.ref.Identity, rev, err)
	}
	paths, err := m.changedPaths(ctx, c)
	if err != nil {
		return nil, domain.NewOpError("changed files", m.ref.Identity, rev, err)
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}

// targetPaths lists every target file path in tree in sorted order.
func (m *mirror) targetPaths(tree *object.Tree) ([]string, error) {
	var paths []string
	err := tree.Files().ForEach(func(f *object.File) error {
		if f.Mode.IsFile() && strings.HasSuffix(f.Name, m.suffix) {
			paths = append(paths, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTreeWalk, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *mirror) readBlob(entry object.TreeEntry) (string, error) {
	blob, err := m.repo.BlobObject(entry.Hash)
	if err != nil {
		return "", err
	}
	r, err := blob.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return decodeLossy(raw), nil
}

// decodeLossy interprets raw as UTF-8, replacing invalid sequences with U+FFFD.
func decodeLossy(raw []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(decoded)
}
