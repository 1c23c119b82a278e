// Package integration runs several bastion servers against one database and
// one redis, the way a game network deploys them.
package integration

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/prn-tf/bastion/internal/cache/redis"
	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/lock"
	"github.com/prn-tf/bastion/internal/repository/sqlite"
	"github.com/prn-tf/bastion/internal/service"
	"github.com/prn-tf/bastion/internal/session"
)

const channel = "bastion:punishments"

var (
	steveUUID = uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")
	address   = netip.MustParseAddr("203.0.113.5")
)

// offlineDirectory knows nobody; every player in these tests logs in first.
type offlineDirectory struct{}

func (offlineDirectory) Lookup(_ context.Context, key string) (*directory.Profile, error) {
	return nil, domain.NewDomainError(domain.ErrIdentityNotFound, "offline", key)
}

type server struct {
	core  *service.Core
	redis *rediscache.Client
}

func startServer(t *testing.T, ctx context.Context, name, dbPath string, mini *miniredis.Miniredis) *server {
	t.Helper()
	logger := zerolog.Nop()

	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(dbPath), logger)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })

	client := rediscache.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	t.Cleanup(func() { client.Close() })

	bus := events.NewRedisBus(client, channel, name, logger)
	core := service.NewCore(&config.Config{
		Cache: config.CacheConfig{
			IdentityTTL:        2 * time.Minute,
			IdentityCapacity:   128,
			PunishmentTTL:      5 * time.Minute,
			PunishmentCapacity: 128,
		},
		Punishment: config.PunishmentConfig{WriteBackTimeout: 5 * time.Second, SweepLockTTL: 30 * time.Second},
	}, service.Dependencies{
		Repositories: db.Repositories(),
		Directory:    offlineDirectory{},
		Registry:     session.NewRegistry(events.NewEnforcer(bus), nil, logger),
		Publisher:    bus,
		Locker:       rediscache.NewLock(client),
		Logger:       logger,
	})
	t.Cleanup(core.Close)

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(subCtx, core.Lifecycle.HandleEvent) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &server{core: core, redis: client}
}

func TestNetwork_PunishmentsPropagate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	mini := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "bastion.db")

	lobby := startServer(t, ctx, "lobby-1", dbPath, mini)
	survival := startServer(t, ctx, "survival-1", dbPath, mini)
	require.Eventually(t, func() bool {
		return mini.PubSubNumSub(channel)[channel] == 2
	}, time.Second, 5*time.Millisecond)

	joined, err := survival.core.Sessions.Join(ctx, service.JoinInput{UUID: steveUUID, Username: "Steve", Address: address})
	require.NoError(t, err)
	require.True(t, joined.Allowed())
	steveID := joined.Player.ID
	require.True(t, survival.core.PunishmentCache.Resident(steveID))

	// The lobby finds the player the survival server stored.
	target, err := lobby.core.Resolver.Resolve(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, steveID, target.StoreID())

	reason := "spam"
	mute, err := lobby.core.Lifecycle.Create(ctx, service.CreateInput{
		Type:     domain.PunishmentMute,
		Target:   target,
		Punisher: domain.Console,
		Reason:   &reason,
		Duration: time.Hour,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !survival.core.PunishmentCache.Resident(steveID)
	}, time.Second, 5*time.Millisecond, "the survival server drops its stale list")

	chat, err := survival.core.Sessions.Chat(ctx, steveUUID)
	require.NoError(t, err)
	require.NotNil(t, chat.Mute)
	assert.Equal(t, mute.ID, chat.Mute.ID)

	_, err = lobby.core.Lifecycle.LiftByID(ctx, mute.ID, domain.Console)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !survival.core.PunishmentCache.Resident(steveID)
	}, time.Second, 5*time.Millisecond)

	chat, err = survival.core.Sessions.Chat(ctx, steveUUID)
	require.NoError(t, err)
	assert.Nil(t, chat.Mute)
}

func TestNetwork_AddressBanDeniesEveryServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	mini := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "bastion.db")

	lobby := startServer(t, ctx, "lobby-1", dbPath, mini)
	survival := startServer(t, ctx, "survival-1", dbPath, mini)

	first, err := lobby.core.Sessions.Join(ctx, service.JoinInput{UUID: steveUUID, Username: "Steve", Address: address})
	require.NoError(t, err)
	require.True(t, first.Allowed())

	network, err := survival.core.Resolver.Resolve(ctx, address.String())
	require.NoError(t, err)
	ban, err := survival.core.Lifecycle.Create(ctx, service.CreateInput{Type: domain.PunishmentBan, Target: network, Punisher: domain.Console})
	require.NoError(t, err)

	// Steve is still on the lobby; enforcing there drops the session.
	applied, err := lobby.core.Lifecycle.Apply(ctx, ban)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	_, err = lobby.core.Sessions.Chat(ctx, steveUUID)
	assert.ErrorIs(t, err, service.ErrSessionNotFound)

	result, err := survival.core.Sessions.Join(ctx, service.JoinInput{UUID: steveUUID, Username: "Steve", Address: address})
	require.NoError(t, err)
	assert.False(t, result.Allowed())
	require.NotNil(t, result.Ban)
	assert.Equal(t, ban.ID, result.Ban.ID)
}

func TestNetwork_OneSweepAtATime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	mini := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "bastion.db")

	lobby := startServer(t, ctx, "lobby-1", dbPath, mini)
	survival := startServer(t, ctx, "survival-1", dbPath, mini)

	held := rediscache.NewLock(lobby.redis)
	ok, err := held.Acquire(ctx, lock.Keys.ExpirySweep(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, survival.core.Sweeper.RunOnce(ctx).Skipped)

	_, err = held.Release(ctx, lock.Keys.ExpirySweep())
	require.NoError(t, err)
	result := survival.core.Sweeper.RunOnce(ctx)
	require.NoError(t, result.Err)
	assert.False(t, result.Skipped)
}
