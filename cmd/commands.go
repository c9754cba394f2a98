package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/usecases"
)

// withRuntime runs fn with an initialized runtime and releases it afterwards.
func withRuntime(cmd *cobra.Command, deps *Dependencies, fn func(rt *runtime) error) error {
	rt, err := newRuntime(cmd, deps)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := fn(rt); err != nil {
		rt.log.Error(rt.ctx, cmd.Name()+" failed", err, map[string]interface{}{
			"kind": string(domain.KindOf(err)),
		})
		return err
	}
	return nil
}

// commitService builds a CommitService. The cache is opened only when withCache is set.
func (r *runtime) commitService(withCache bool) (*usecases.CommitService, error) {
	reg, err := r.mirrors()
	if err != nil {
		return nil, err
	}
	var cache domain.ResultStore
	if withCache {
		if cache, err = r.store(false); err != nil {
			return nil, err
		}
	}
	return usecases.NewCommitService(reg, cache, r.log), nil
}

func newCommitsCmd(deps *Dependencies) *cobra.Command {
	var input domain.ListCommitsInput
	c := &cobra.Command{
		Use:   "commits <owner/name>",
		Short: "List commits, parents before children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.commitService(input.Enrich)
				if err != nil {
					return err
				}
				input.Repository = args[0]
				views, err := svc.List(rt.ctx, input)
				if err != nil {
					return err
				}
				return rt.write(views)
			})
		},
	}
	c.Flags().BoolVarP(&input.MatchingOnly, "matching", "m", false, "Only list commits that change schematic files")
	c.Flags().BoolVarP(&input.Enrich, "enrich", "e", false, "Attach stored blurb and description to each commit")
	c.Flags().BoolVar(&input.Fresh, "fresh", false, "Discard the local mirror and clone again")
	return c
}

func newFilesCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "files <owner/name> <commit>",
		Short: "Print every schematic file at a commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.commitService(false)
				if err != nil {
					return err
				}
				files, err := svc.Files(rt.ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return rt.write(files)
			})
		},
	}
}

func newChangedCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "changed <owner/name> <commit>",
		Short: "List schematic files a commit changed relative to its first parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.commitService(false)
				if err != nil {
					return err
				}
				changed, err := svc.Changed(rt.ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return rt.write(changed)
			})
		},
	}
}

func newInfoCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "info <owner/name> <commit>",
		Short: "Show a commit with its changed schematic files and stored text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.commitService(true)
				if err != nil {
					return err
				}
				detail, err := svc.Info(rt.ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return rt.write(detail)
			})
		},
	}
}

func newLatestCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <owner/name>",
		Short: "Fetch the repository and print the commit at its default branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.commitService(false)
				if err != nil {
					return err
				}
				latest, err := svc.Latest(rt.ctx, args[0])
				if err != nil {
					return err
				}
				return rt.write(latest)
			})
		},
	}
}

func newDistillCmd(deps *Dependencies) *cobra.Command {
	var refresh bool
	c := &cobra.Command{
		Use:   "distill <owner/name> <commit>",
		Short: "Print the distilled schematic document for a commit",
		Long: `Print the distilled schematic document for a commit.

The result cache is consulted first. On a miss the schematic files at the
commit are written to a workspace, the distillation tool is run over it and
its output is stored before it is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				reg, err := rt.mirrors()
				if err != nil {
					return err
				}
				cache, err := rt.store(false)
				if err != nil {
					return err
				}
				distiller, reaper, err := rt.distiller()
				if err != nil {
					return err
				}
				svc := usecases.NewDistillService(reg, distiller, cache, reaper, rt.log)
				out, err := svc.Distill(rt.ctx, domain.DistillInput{
					Repository: args[0],
					Commit:     args[1],
					Refresh:    refresh,
				})
				if err != nil {
					return err
				}
				return rt.write(out)
			})
		},
	}
	c.Flags().BoolVar(&refresh, "refresh", false, "Ignore any cached result and distill again")
	return c
}

func newInvalidateCmd(deps *Dependencies) *cobra.Command {
	var removeMirror bool
	c := &cobra.Command{
		Use:   "invalidate <owner/name> [commit]",
		Short: "Delete cached results for a commit, or for the whole repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.cacheService()
				if err != nil {
					return err
				}
				commit := ""
				if len(args) == 2 {
					commit = args[1]
				}
				result, err := svc.Invalidate(rt.ctx, args[0], commit, removeMirror)
				if err != nil {
					return err
				}
				return rt.write(result)
			})
		},
	}
	c.Flags().BoolVar(&removeMirror, "mirror", false, "Also delete the local mirror")
	return c
}

func newRefreshCmd(deps *Dependencies) *cobra.Command {
	var fresh bool
	c := &cobra.Command{
		Use:   "refresh <owner/name>",
		Short: "Store a generated blurb and description for each schematic commit lacking one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				reg, err := rt.mirrors()
				if err != nil {
					return err
				}
				cache, err := rt.store(true)
				if err != nil {
					return err
				}
				svc := usecases.NewCommitService(reg, cache, rt.log)
				result, err := svc.Refresh(rt.ctx, args[0], fresh)
				if err != nil {
					return err
				}
				return rt.write(result)
			})
		},
	}
	c.Flags().BoolVar(&fresh, "fresh", false, "Discard the local mirror and clone again")
	return c
}

func newRecordCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "record <owner/name> <commit>",
		Short: "Print the full cached record for a commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.cacheService()
				if err != nil {
					return err
				}
				rec, err := svc.Record(rt.ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return rt.write(rec)
			})
		},
	}
}

func newStoreRecordCmd(deps *Dependencies) *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "store-record <owner/name> <commit>",
		Short: "Write fields and parts of a cached record from a JSON document",
		Long: `Write fields and parts of a cached record from a JSON document.

The document uses the field names printed by record, with parts given as a
list. Only the fields present are written; parts are upserted by part_uuid.

  {"blurb": "Adds a regulator",
   "parts": [{"part_uuid": "6f1c...", "blurb": "LDO", "properties": {"value": "3V3"}}]}`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readRecordUpdate(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.cacheService()
				if err != nil {
					return err
				}
				rec, err := svc.StoreRecord(rt.ctx, args[0], args[1], update)
				if err != nil {
					return err
				}
				return rt.write(rec)
			})
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "-", "JSON document to read, - for standard input")
	return c
}

// readRecordUpdate decodes a single RecordUpdate from path, or from stdin when path is "-".
func readRecordUpdate(stdin io.Reader, path string) (domain.RecordUpdate, error) {
	var update domain.RecordUpdate
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return update, fmt.Errorf("%w: %w", domain.ErrInvalidRecord, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		return update, fmt.Errorf("%w: %w", domain.ErrInvalidRecord, err)
	}
	if dec.More() {
		return update, fmt.Errorf("%w: trailing data after document", domain.ErrInvalidRecord)
	}
	return update, nil
}

func newFindPartCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "find-part <uuid>",
		Short: "List cached commits whose records contain a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			part, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q", domain.ErrInvalidPart, args[0])
			}
			return withRuntime(cmd, deps, func(rt *runtime) error {
				svc, err := rt.cacheService()
				if err != nil {
					return err
				}
				keys, err := svc.FindByPart(rt.ctx, part)
				if err != nil {
					return err
				}
				return rt.write(keys)
			})
		},
	}
}

func newReapCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove distillation workspaces beyond the age and count bounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				_, reaper, err := rt.distiller()
				if err != nil {
					return err
				}
				removed, err := reaper.Reap(rt.ctx)
				if err != nil {
					return err
				}
				return rt.write(map[string]int{"removed": removed})
			})
		},
	}
}

func newMigrateCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the result cache schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, deps, func(rt *runtime) error {
				if _, err := rt.store(true); err != nil {
					return err
				}
				rt.log.Info(rt.ctx, "result cache schema is up to date", nil)
				return rt.write(map[string]bool{"migrated": true})
			})
		},
	}
}

func (r *runtime) cacheService() (*usecases.CacheService, error) {
	reg, err := r.mirrors()
	if err != nil {
		return nil, err
	}
	cache, err := r.store(true)
	if err != nil {
		return nil, err
	}
	return usecases.NewCacheService(reg, cache, r.log), nil
}

// unavailableStore stands in for a result cache that could not be opened.
type unavailableStore struct {
	err error
}

func (s unavailableStore) Get(context.Context, string, string) (domain.Document, bool, error) {
	return nil, false, s.err
}

func (s unavailableStore) Put(context.Context, string, string, domain.Document) error {
	return s.err
}

func (s unavailableStore) Invalidate(context.Context, string, string) (int64, error) {
	return 0, s.err
}

func (s unavailableStore) StoreRecord(context.Context, string, string, domain.RecordUpdate) error {
	return s.err
}

func (s unavailableStore) Record(context.Context, string, string) (*domain.SchematicRecord, error) {
	return nil, s.err
}

func (s unavailableStore) FindByPart(context.Context, uuid.UUID) ([]domain.CacheKey, error) {
	return nil, s.err
}

func (s unavailableStore) Migrate(context.Context) error { return s.err }
func (s unavailableStore) Close() error                  { return nil }
