package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "socialpulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func sampleAccount(id, platform string) *models.Account {
	return &models.Account{
		ID:          id,
		Platform:    platform,
		ExternalID:  "ext-" + id,
		URL:         "https://example.com/" + id,
		DisplayName: "Account " + id,
		Active:      true,
	}
}

func TestAccountCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acc := sampleAccount("a1", "YouTube")
		require.NoError(t, s.CreateAccount(ctx, acc))

		got, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "youtube", got.Platform)
		assert.Equal(t, "ext-a1", got.ExternalID)
		assert.True(t, got.Active)
		assert.Nil(t, got.Credential)
		assert.False(t, got.CreatedAt.IsZero())

		got.DisplayName = "Renamed"
		require.NoError(t, s.UpdateAccount(ctx, got))
		again, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", again.DisplayName)

		require.NoError(t, s.SetAccountActive(ctx, "a1", false))
		again, err = s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, again.Active)

		_, err = s.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SetAccountActive(ctx, "missing", true), ErrNotFound)
		assert.ErrorIs(t, s.UpdateAccount(ctx, sampleAccount("missing", "youtube")), ErrNotFound)

		require.NoError(t, s.DeleteAccount(ctx, "a1"))
		assert.ErrorIs(t, s.DeleteAccount(ctx, "a1"), ErrNotFound)
	})
}

func TestAccountConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, sampleAccount("a1", "bluesky")))
		assert.ErrorIs(t, s.CreateAccount(ctx, sampleAccount("a1", "bluesky")), ErrConflict)

		dup := sampleAccount("a2", "bluesky")
		dup.ExternalID = "ext-a1"
		assert.ErrorIs(t, s.CreateAccount(ctx, dup), ErrConflict)

		assert.Error(t, s.CreateAccount(ctx, &models.Account{ID: "bad"}))
	})
}

func TestListAccountsOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.CreateAccount(ctx, sampleAccount(id, "mastodon")))
		}
		list, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "c", list[2].ID)
	})
}

func TestUpdateCredentialSingleWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, sampleAccount("a1", "instagram")))

		expires := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		issued := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		cred := &models.Credential{AccessToken: "ct-access", RefreshToken: "ct-refresh", ExpiresAt: expires, IssuedAt: issued, Scope: "basic"}
		require.NoError(t, s.UpdateCredential(ctx, "a1", cred))

		got, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, got.Credential)
		assert.Equal(t, "ct-access", got.Credential.AccessToken)
		assert.Equal(t, "ct-refresh", got.Credential.RefreshToken)
		assert.True(t, expires.Equal(got.Credential.ExpiresAt))
		assert.True(t, issued.Equal(got.Credential.IssuedAt))
		assert.Equal(t, "basic", got.Credential.Scope)
		assert.True(t, got.HasCredential())

		got.DisplayName = "keep credential"
		require.NoError(t, s.UpdateAccount(ctx, got))
		again, err := s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, again.Credential)

		require.NoError(t, s.UpdateCredential(ctx, "a1", nil))
		again, err = s.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Nil(t, again.Credential)

		assert.ErrorIs(t, s.UpdateCredential(ctx, "missing", cred), ErrNotFound)
	})
}

func TestSnapshotsAppendAndBlockDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, sampleAccount("a1", "youtube")))
		run := &models.CollectionRun{ID: "r1", StartedAt: time.Now().UTC(), Status: models.RunRunning, Trigger: models.TriggerCLI}
		require.NoError(t, s.CreateRun(ctx, run))

		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			snap := &models.MetricsSnapshot{
				ID:          "s" + string(rune('0'+i)),
				AccountID:   "a1",
				RunID:       "r1",
				CollectedAt: base.Add(time.Duration(i) * time.Hour),
				Followers:   models.Int64(int64(100 + i)),
				Extra:       map[string]interface{}{"title": "chan"},
			}
			require.NoError(t, s.CreateSnapshot(ctx, snap))
		}

		list, err := s.ListSnapshots(ctx, "a1", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s2", list[0].ID)
		assert.Equal(t, int64(102), *list[0].Followers)
		assert.Nil(t, list[0].Likes)
		assert.Nil(t, list[0].EngagementRate)
		assert.Equal(t, "chan", list[0].Extra["title"])

		got, err := s.GetSnapshot(ctx, "s0")
		require.NoError(t, err)
		assert.Equal(t, "r1", got.RunID)
		_, err = s.GetSnapshot(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.CreateSnapshot(ctx, &models.MetricsSnapshot{ID: "orphan", AccountID: "ghost", CollectedAt: base}), ErrNotFound)
		assert.ErrorIs(t, s.DeleteAccount(ctx, "a1"), ErrAccountInUse)
	})
}

func TestRunLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		started := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
		run := &models.CollectionRun{ID: "r1", StartedAt: started, Status: models.RunRunning, PlatformFilter: "youtube", Trigger: models.TriggerAPI}
		require.NoError(t, s.CreateRun(ctx, run))

		got, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.RunRunning, got.Status)
		assert.Nil(t, got.FinishedAt)

		finished := started.Add(time.Minute)
		run.FinishedAt = &finished
		run.Status = models.RunPartial
		run.Processed = 2
		run.Failed = 1
		run.ErrorSummary = "youtube:UC1 — transient"
		require.NoError(t, s.FinishRun(ctx, run))

		got, err = s.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.RunPartial, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, finished.Equal(*got.FinishedAt))
		assert.Equal(t, 2, got.Processed)
		assert.Equal(t, 1, got.Failed)
		assert.Equal(t, "youtube", got.PlatformFilter)
		assert.Equal(t, models.TriggerAPI, got.Trigger)

		second := &models.CollectionRun{ID: "r2", StartedAt: started.Add(time.Hour), Status: models.RunRunning}
		require.NoError(t, s.CreateRun(ctx, second))
		runs, err := s.ListRuns(ctx, 0)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "r2", runs[0].ID)

		assert.ErrorIs(t, s.FinishRun(ctx, &models.CollectionRun{ID: "ghost"}), ErrNotFound)
		assert.ErrorIs(t, s.CreateRun(ctx, second), ErrConflict)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sampleAccount("a1", "tiktok")))

	got, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	got.Active = false

	again, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, again.Active)
}

func TestMigrationFilesEmbedded(t *testing.T) {
	for _, d := range []Dialect{DialectSQLite, DialectPostgres} {
		files, err := MigrationFiles(d)
		require.NoError(t, err)
		assert.NotEmpty(t, files)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	var openErr *errors.ErrDatabaseOpen
	assert.True(t, errors.As(err, &openErr))
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/app", redactDSN("postgres://user:secret@db:5432/app"))
	assert.Equal(t, "host=db dbname=app", redactDSN("host=db dbname=app"))
}
