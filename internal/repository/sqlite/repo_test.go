package sqlite

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/repository"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := NewDB(ctx, DefaultConfig(MemoryPath), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))

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
	changed := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	history := []domain.UsernameEntry{
		{Username: "Steve_"},
		{Username: "Steve", ChangedAt: &changed},
	}

	p, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: "Steve", History: history, At: time.Now(), Reconciled: true})
	require.NoError(t, err)
	assert.Greater(t, p.ID, int64(0))

	again, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: "Steve", History: history, At: time.Now(), Reconciled: true})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID, "upsert must keep the surrogate id")

	byName, err := repo.GetPlayerByUsername(ctx, "sTeVe")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	byUUID, err := repo.GetPlayerByUUID(ctx, id)
	require.NoError(t, err)
	assert.True(t, domain.SameIdentity(byName, byUUID))

	h, err := repo.GetUsernameHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)
	assert.Equal(t, "Steve_", h.Entries[0].Username)
	assert.Nil(t, h.Entries[0].ChangedAt)
	assert.Equal(t, "Steve", h.Current())

	refreshed, err := repo.GetRefreshedAt(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), refreshed, time.Minute)

	_, err = repo.GetPlayerByUUID(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestIdentityRepository_RefreshTimeOnlyMovesForward(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()
	id := uuid.New()
	reconciled := time.UnixMilli(50_000).UTC()

	_, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: "Steve", At: reconciled, Reconciled: true})
	require.NoError(t, err)

	// A rename recorded without asking the directory keeps the old refresh time.
	_, err = repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: "Steve2", At: time.UnixMilli(90_000)})
	require.NoError(t, err)
	refreshed, err := repo.GetRefreshedAt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reconciled, refreshed)

	_, err = repo.SavePlayer(ctx, repository.PlayerSave{UUID: id, Username: "Steve2", At: time.UnixMilli(10_000), Reconciled: true})
	require.NoError(t, err)
	refreshed, err = repo.GetRefreshedAt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reconciled, refreshed)

	p, err := repo.GetPlayerByUUID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Steve2", p.Username)

	unchecked := uuid.New()
	_, err = repo.SavePlayer(ctx, repository.PlayerSave{UUID: unchecked, Username: "Alex", At: time.UnixMilli(90_000)})
	require.NoError(t, err)
	refreshed, err = repo.GetRefreshedAt(ctx, unchecked)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refreshed.UnixMilli(), "a new unchecked player is due for a refresh")
}

func TestIdentityRepository_SavePlayerWithoutHistory(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	p, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: "Alex", At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	h, err := repo.GetUsernameHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "Alex", h.Entries[0].Username)
}

func TestIdentityRepository_Addresses(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdentityRepository(db)
	ctx := context.Background()
	addr := netip.MustParseAddr("203.0.113.5")

	steve, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: "Steve", At: time.Now(), Reconciled: true})
	require.NoError(t, err)
	alex, err := repo.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: "Alex", At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	n1, err := repo.RecordAddress(ctx, steve.ID, addr, time.UnixMilli(1000))
	require.NoError(t, err)
	n2, err := repo.RecordAddress(ctx, alex.ID, addr, time.UnixMilli(2000))
	require.NoError(t, err)
	assert.Equal(t, n1.ID, n2.ID)
	assert.Equal(t, domain.KindIPv4, n1.Kind())

	network, err := repo.GetNetworkByAddress(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, n1.ID, network.ID)

	players, err := repo.ListPlayersByAddress(ctx, addr)
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, "Alex", players[0].Username)
	assert.Equal(t, "Steve", players[1].Username)

	_, err = repo.RecordAddress(ctx, 9999, addr, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.GetNetworkByAddress(ctx, netip.MustParseAddr("2001:db8::1"))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPunishmentRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repos := db.Repositories()
	ctx := context.Background()

	steve, err := repos.Identity.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: "Steve", At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	reason := "griefing"
	ban := domain.RestorePunishment(0, domain.PunishmentBan, steve, domain.Console, &reason, 1000, 5000, false, nil)
	require.NoError(t, repos.Punishment.Create(ctx, ban))
	assert.Greater(t, ban.ID, int64(0))

	warn := domain.RestorePunishment(0, domain.PunishmentWarning, steve, domain.Console, nil, 500, 0, false, nil)
	require.NoError(t, repos.Punishment.Create(ctx, warn))

	list, err := repos.Punishment.ListByTarget(ctx, steve.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, warn.ID, list[0].ID, "history is ordered by creation time")
	assert.Equal(t, ban.ID, list[1].ID)
	assert.Equal(t, "griefing", *list[1].Reason)
	assert.Equal(t, domain.KindConsole, list[1].Punisher.Kind())
	assert.True(t, domain.SameIdentity(steve, list[1].Target))

	by := steve.ID
	changed, err := repos.Punishment.Lift(ctx, ban.ID, &by)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repos.Punishment.Lift(ctx, ban.ID, nil)
	require.NoError(t, err)
	assert.False(t, changed, "second lift is a no-op")

	got, err := repos.Punishment.GetByID(ctx, ban.ID)
	require.NoError(t, err)
	assert.True(t, got.Lifted())
	require.NotNil(t, got.LiftedBy())
	assert.Equal(t, steve.ID, *got.LiftedBy())

	_, err = repos.Punishment.Lift(ctx, 4242, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repos.Punishment.GetByID(ctx, 4242)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPunishmentRepository_ExpireElapsed(t *testing.T) {
	db := newTestDB(t)
	repos := db.Repositories()
	ctx := context.Background()

	steve, err := repos.Identity.SavePlayer(ctx, repository.PlayerSave{UUID: uuid.New(), Username: "Steve", At: time.Now(), Reconciled: true})
	require.NoError(t, err)

	elapsed := domain.RestorePunishment(0, domain.PunishmentMute, steve, domain.Console, nil, 1000, 5000, false, nil)
	running := domain.RestorePunishment(0, domain.PunishmentBan, steve, domain.Console, nil, 1000, 50000, false, nil)
	permanent := domain.RestorePunishment(0, domain.PunishmentBan, steve, domain.Console, nil, 1000, 0, false, nil)
	for _, p := range []*domain.Punishment{elapsed, running, permanent} {
		require.NoError(t, repos.Punishment.Create(ctx, p))
	}

	n, err := repos.Punishment.ExpireElapsed(ctx, 6000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repos.Punishment.GetByID(ctx, elapsed.ID)
	require.NoError(t, err)
	assert.True(t, got.Lifted())
	assert.Nil(t, got.LiftedBy())

	var seen []int64
	require.NoError(t, repos.Punishment.ForEach(ctx, func(p *domain.Punishment) error {
		seen = append(seen, p.ID)
		return nil
	}))
	assert.Equal(t, []int64{elapsed.ID, running.ID, permanent.ID}, seen)
}

func TestPunishmentRepository_CreateUnknownTarget(t *testing.T) {
	db := newTestDB(t)
	repo := NewPunishmentRepository(db)

	ghost := &domain.PlayerIdentity{ID: 777, UUID: uuid.New(), Username: "ghost"}
	p := domain.RestorePunishment(0, domain.PunishmentBan, ghost, domain.Console, nil, 0, 0, false, nil)
	err := repo.Create(context.Background(), p)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
