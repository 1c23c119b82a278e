package postgres

import (
	"context"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/repository"
)

// newTestDB connects to BASTION_TEST_POSTGRES_DSN. The database is shared between
// runs, so tests use fresh ids, names and addresses.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("BASTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BASTION_TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()

	db, err := NewDBFromDSN(ctx, dsn, config.DatabaseConfig{MaxOpenConns: 4}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func uniqueName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func uniqueAddr() netip.Addr {
	id := uuid.New()
	return netip.AddrFrom4([4]byte{198, 18, id[0], id[1]})
}

func TestMigrate_SeedsConsole(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	console, err := db.Repositories().Identity.GetByID(ctx, domain.ConsoleID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindConsole, console.Kind())
}

func TestIdentityRepository_SavePlayer(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	id := uuid.New()
	name := uniqueName("p")
	p, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: name, At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	again, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: name, At: time.Now(), Reconciled: true})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID, "upsert must keep the surrogate id")

	byName, err := repo.GetPlayerByUsername(ctx, strings.ToUpper(name))
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	h, err := repo.GetUsernameHistory(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, name, h.Current())

	_, err = repo.GetPlayerByUUID(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestIdentityRepository_Addresses(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()
	addr := uniqueAddr()

	p, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: uniqueName("a"), At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	network, err := repo.RecordAddress(ctx, p.ID, addr, time.Now())
	require.NoError(t, err)
	again, err := repo.RecordAddress(ctx, p.ID, addr, time.Now())
	require.NoError(t, err)
	assert.Equal(t, network.ID, again.ID)

	players, err := repo.ListPlayersByAddress(ctx, addr)
	require.NoError(t, err)
	require.NotEmpty(t, players)
	assert.Contains(t, playerIDs(players), p.ID)

	_, err = repo.RecordAddress(ctx, -1, addr, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPunishmentRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repos := db.Repositories()
	ctx := context.Background()

	target, err := repos.Identity.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: uniqueName("t"), At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	reason := "griefing"
	ban := domain.RestorePunishment(0, domain.PunishmentBan, target, domain.Console, &reason, 1000, 5000, false, nil)
	require.NoError(t, repos.Punishment.Create(ctx, ban))

	list, err := repos.Punishment.ListByTarget(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "griefing", *list[0].Reason)

	changed, err := repos.Punishment.Lift(ctx, ban.ID, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repos.Punishment.Lift(ctx, ban.ID, nil)
	require.NoError(t, err)
	assert.False(t, changed, "second lift is a no-op")

	got, err := repos.Punishment.GetByID(ctx, ban.ID)
	require.NoError(t, err)
	assert.True(t, got.Lifted())
	assert.Nil(t, got.LiftedBy())

	_, err = repos.Punishment.GetByID(ctx, -1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func playerIDs(players []*domain.PlayerIdentity) []int64 {
	ids := make([]int64, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
	}
	return ids
}
