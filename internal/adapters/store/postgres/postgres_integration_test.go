//go:build integration_pg
// +build integration_pg

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// startPostgres runs a disposable postgres container and returns its DSN.
func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn, stop := startPostgres(t)
	t.Cleanup(stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := Open(ctx, Config{URL: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx))
	return s
}

const repoURL = "https://github.com/acme/board.git"

func strPtr(s string) *string { return &s }

func TestStore_Integration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("get miss", func(t *testing.T) {
		doc, ok, err := s.Get(ctx, repoURL, "c0")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, doc)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, repoURL, "c1", domain.Document(`{"components":{"R1":{}},"nets":{}}`)))

		doc, ok, err := s.Get(ctx, repoURL, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"components":{"R1":{}},"nets":{}}`, string(doc))
	})

	t.Run("put overwrites document only", func(t *testing.T) {
		require.NoError(t, s.StoreRecord(ctx, repoURL, "c2", domain.RecordUpdate{Blurb: strPtr("blurb")}))
		require.NoError(t, s.Put(ctx, repoURL, "c2", domain.Document(`{"v":1}`)))
		require.NoError(t, s.Put(ctx, repoURL, "c2", domain.Document(`{"v":2}`)))

		rec, err := s.Record(ctx, repoURL, "c2")
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.NotNil(t, rec.Blurb)
		assert.Equal(t, "blurb", *rec.Blurb)
		assert.JSONEq(t, `{"v":2}`, string(rec.Distilled))
	})

	t.Run("record without document is a miss", func(t *testing.T) {
		require.NoError(t, s.StoreRecord(ctx, repoURL, "c3", domain.RecordUpdate{Description: strPtr("d")}))

		_, ok, err := s.Get(ctx, repoURL, "c3")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("store record merges fields and parts", func(t *testing.T) {
		when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		part := uuid.MustParse("6f1c2a8e-2d7a-4f1e-9d65-0c9a6c0f4a11")

		require.NoError(t, s.StoreRecord(ctx, repoURL, "c4", domain.RecordUpdate{
			CommitDate: &when,
			GitMessage: strPtr("Add power sheet"),
			Image:      []byte{0x89, 'P', 'N', 'G'},
			Parts: []domain.Part{
				{UUID: part, Blurb: strPtr("regulator"), Properties: []byte(`{"value":"LM7805"}`)},
			},
		}))
		require.NoError(t, s.StoreRecord(ctx, repoURL, "c4", domain.RecordUpdate{
			Blurb: strPtr("Schematic changes in 1 file(s): Add power sheet"),
		}))

		rec, err := s.Record(ctx, repoURL, "c4")
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.NotNil(t, rec.CommitDate)
		assert.True(t, when.Equal(*rec.CommitDate))
		assert.Equal(t, "Add power sheet", *rec.GitMessage)
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Image)
		assert.Equal(t, "Schematic changes in 1 file(s): Add power sheet", *rec.Blurb)
		assert.Nil(t, rec.Description)
		assert.False(t, rec.CreatedAt.IsZero())
		require.Contains(t, rec.Parts, part)
		assert.Equal(t, "regulator", *rec.Parts[part].Blurb)
		assert.JSONEq(t, `{"value":"LM7805"}`, string(rec.Parts[part].Properties))

		keys, err := s.FindByPart(ctx, part)
		require.NoError(t, err)
		assert.Equal(t, []domain.CacheKey{{RepoURL: repoURL, CommitHash: "c4"}}, keys)
	})

	t.Run("missing record", func(t *testing.T) {
		rec, err := s.Record(ctx, repoURL, "absent")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("invalidate one and all", func(t *testing.T) {
		other := "https://github.com/acme/other.git"
		require.NoError(t, s.Put(ctx, other, "x1", domain.Document(`{}`)))

		n, err := s.Invalidate(ctx, repoURL, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Invalidate(ctx, repoURL, "c1")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.Invalidate(ctx, repoURL, "")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		keys, err := s.FindByPart(ctx, uuid.MustParse("6f1c2a8e-2d7a-4f1e-9d65-0c9a6c0f4a11"))
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, ok, err := s.Get(ctx, other, "x1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
