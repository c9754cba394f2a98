package distiller

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/lock"
)

// ReaperOptions bounds the workspaces kept on disk. A zero bound is disabled.
type ReaperOptions struct {
	MaxAge   time.Duration
	MaxCount int
}

// Reaper deletes stale workspaces under a pipeline's workspace root.
// Workspaces that are in use, by this process or another, are left alone.
type Reaper struct {
	root   string
	opts   ReaperOptions
	locks  *lock.Keyed
	logger Logger
	now    func() time.Time
}

// NewReaper creates a Reaper for the workspaces produced by p.
func (p *Pipeline) NewReaper(opts ReaperOptions) *Reaper {
	return &Reaper{
		root:   p.opts.WorkspaceRoot,
		opts:   opts,
		locks:  p.locks,
		logger: p.logger,
		now:    time.Now,
	}
}

type workspace struct {
	key     string
	path    string
	modTime time.Time
}

// Reap removes workspaces older than MaxAge, then the oldest ones beyond MaxCount.
// It returns the number of workspaces removed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	all, err := r.list()
	if err != nil {
		return 0, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].modTime.Equal(all[j].modTime) {
			return all[i].modTime.Before(all[j].modTime)
		}
		return all[i].key < all[j].key
	})

	var victims []workspace
	kept := all[:0:0]
	cutoff := r.now().Add(-r.opts.MaxAge)
	for _, ws := range all {
		if r.opts.MaxAge > 0 && ws.modTime.Before(cutoff) {
			victims = append(victims, ws)
			continue
		}
		kept = append(kept, ws)
	}
	if r.opts.MaxCount > 0 && len(kept) > r.opts.MaxCount {
		victims = append(victims, kept[:len(kept)-r.opts.MaxCount]...)
	}

	removed := 0
	for _, ws := range victims {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := r.remove(ws)
		if err != nil {
			r.logger.Warn(ctx, "failed to remove workspace", map[string]interface{}{
				"workspace": ws.path,
				"error":     err.Error(),
			})
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info(ctx, "reaped workspaces", map[string]interface{}{
			"removed":   removed,
			"remaining": len(all) - removed,
		})
	}
	return removed, nil
}

// remove deletes ws unless someone holds it.
func (r *Reaper) remove(ws workspace) (bool, error) {
	unlock, ok := r.locks.TryLock(ws.key)
	if !ok {
		return false, nil
	}
	defer unlock()

	lockPath := ws.path + ".lock"
	release, ok, err := lock.TryFile(lockPath)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer release()

	// The lock file stays. Unlinking a held lock lets two processes lock
	// different inodes under the same path.
	if err := os.RemoveAll(ws.path); err != nil {
		return false, err
	}
	return true, nil
}

// list finds every <owner>/<name>/<commit> directory under the root.
func (r *Reaper) list() ([]workspace, error) {
	var out []workspace
	owners, err := readDirs(r.root)
	if err != nil {
		return nil, err
	}
	for _, owner := range owners {
		names, err := readDirs(filepath.Join(r.root, owner))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			parent := filepath.Join(r.root, owner, name)
			commits, err := os.ReadDir(parent)
			if err != nil {
				return nil, err
			}
			for _, c := range commits {
				if !c.IsDir() {
					continue
				}
				info, err := c.Info()
				if err != nil {
					continue
				}
				out = append(out, workspace{
					key:     owner + "/" + name + "/" + c.Name(),
					path:    filepath.Join(parent, c.Name()),
					modTime: info.ModTime(),
				})
			}
		}
	}
	return out, nil
}

// readDirs lists the subdirectory names of dir. A missing dir has none.
func readDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
