package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/repository"
)

const tracerName = "github.com/prn-tf/bastion/internal/service"

// Resolution sources reported to metrics.
const (
	sourceConsole   = "console"
	sourceStore     = "store"
	sourceCache     = "cache"
	sourceDirectory = "directory"
	sourcePending   = "pending"
	sourceNetwork   = "network"
)

// ResolverConfig configures an IdentityResolver.
type ResolverConfig struct {
	// RefreshAfter is how old a stored player may get before RefreshIfStale
	// reconciles it with the directory. 0 disables refreshing.
	RefreshAfter time.Duration
}

// IdentityResolver turns lookup keys into canonical identities.
//
// Players are looked up in the store, then in the identity cache, then in the
// directory. Only stored players enter the cache. A directory answer whose
// store write failed is kept aside and written on the next resolution of the
// same player instead of asking the directory again.
type IdentityResolver struct {
	identities repository.IdentityRepository
	cache      *IdentityCache
	pending    pendingProfiles
	inflight   singleflight.Group
	directory  directory.Client
	clock      clock.Clock
	config     ResolverConfig
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewIdentityResolver creates a new identity resolver.
func NewIdentityResolver(
	identities repository.IdentityRepository,
	cache *IdentityCache,
	dir directory.Client,
	clk clock.Clock,
	config ResolverConfig,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *IdentityResolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &IdentityResolver{
		identities: identities,
		cache:      cache,
		directory:  dir,
		clock:      clk,
		config:     config,
		pending:    pendingProfiles{byID: make(map[uuid.UUID]*directory.Profile)},
		tracer:     otel.Tracer(tracerName),
		metrics:    m,
		logger:     logger.With().Str("service", "resolver").Logger(),
	}
}

// Resolve classifies raw and returns the identity it denotes.
// Addresses resolve to their NetworkIdentity; use Audience for the players behind it.
func (r *IdentityResolver) Resolve(ctx context.Context, raw string) (domain.Identity, error) {
	id, err := domain.ParseIdentifier(raw)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "IdentityResolver.Resolve",
		trace.WithAttributes(attribute.String("identifier.kind", identifierKindName(id.Kind))))
	defer span.End()

	identity, err := r.resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return identity, nil
}

func (r *IdentityResolver) resolve(ctx context.Context, id domain.Identifier) (domain.Identity, error) {
	switch id.Kind {
	case domain.IdentifierConsole:
		r.metrics.ObserveResolution(sourceConsole)
		return domain.Console, nil
	case domain.IdentifierAddress:
		return r.ResolveNetwork(ctx, id.Address)
	default:
		return r.ResolvePlayer(ctx, id)
	}
}

// ResolvePlayer resolves a username or stable id identifier.
func (r *IdentityResolver) ResolvePlayer(ctx context.Context, id domain.Identifier) (*domain.PlayerIdentity, error) {
	if id.Kind != domain.IdentifierUsername && id.Kind != domain.IdentifierStableID {
		return nil, domain.NewDomainError(ErrNotAPlayer, "expected a username or stable id", id.Raw)
	}

	p, err := r.lookupStore(ctx, id)
	if err == nil {
		r.cache.Put(p)
		r.metrics.ObserveResolution(sourceStore)
		return p, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeError(err, nil)
	}

	if cached, ok := r.cache.Lookup(id); ok {
		r.metrics.ObserveResolution(sourceCache)
		return cached, nil
	}

	return r.resolveRemote(ctx, id)
}

func (r *IdentityResolver) lookupStore(ctx context.Context, id domain.Identifier) (*domain.PlayerIdentity, error) {
	if id.Kind == domain.IdentifierUsername {
		return r.identities.GetPlayerByUsername(ctx, id.Username)
	}
	return r.identities.GetPlayerByUUID(ctx, id.UUID)
}

// resolveRemote asks the directory and persists the answer with a single write.
// Concurrent resolutions of the same key share one lookup and one write; a
// caller whose context ends stops waiting without abandoning the write.
func (r *IdentityResolver) resolveRemote(ctx context.Context, id domain.Identifier) (*domain.PlayerIdentity, error) {
	key := id.Username
	if id.Kind == domain.IdentifierStableID {
		key = id.UUID.String()
	}

	ch := r.inflight.DoChan(strings.ToLower(key), func() (any, error) {
		return r.fetchAndSave(context.WithoutCancel(ctx), id, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p := *res.Val.(*domain.PlayerIdentity)
		return &p, nil
	}
}

func (r *IdentityResolver) fetchAndSave(ctx context.Context, id domain.Identifier, key string) (*domain.PlayerIdentity, error) {
	source := sourcePending
	profile, ok := r.pending.lookup(id)
	if !ok {
		source = sourceDirectory
		var err error
		profile, err = r.directory.Lookup(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrIdentityNotFound) || errors.Is(err, domain.ErrDirectoryUnavailable) {
				return nil, err
			}
			return nil, domain.NewDomainError(domain.ErrDirectoryUnavailable, err.Error(), key)
		}
	}

	saved, err := r.identities.SavePlayer(ctx, repository.PlayerSave{
		UUID:       profile.UUID,
		Username:   profile.Username,
		History:    profile.UsernameHistory().Entries,
		At:         r.clock.Now(),
		Reconciled: true,
	})
	if err != nil {
		r.pending.put(profile)
		return nil, storeError(err, nil)
	}
	r.pending.drop(profile.UUID)
	r.cache.Put(saved)
	r.metrics.ObserveResolution(source)

	r.logger.Debug().
		Str("uuid", saved.UUID.String()).
		Str("username", saved.Username).
		Int64("id", saved.ID).
		Str("source", source).
		Msg("player resolved from directory")

	return saved, nil
}

// pendingProfiles holds directory answers that never reached the store.
type pendingProfiles struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*directory.Profile
}

func (p *pendingProfiles) lookup(id domain.Identifier) (*directory.Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id.Kind == domain.IdentifierStableID {
		profile, ok := p.byID[id.UUID]
		return profile, ok
	}
	for _, profile := range p.byID {
		if strings.EqualFold(profile.Username, id.Username) {
			return profile, true
		}
	}
	return nil, false
}

func (p *pendingProfiles) put(profile *directory.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[profile.UUID] = profile
}

func (p *pendingProfiles) drop(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
}

// ResolveNetwork returns the stored network identity of addr.
// Addresses are never looked up in the directory.
func (r *IdentityResolver) ResolveNetwork(ctx context.Context, addr netip.Addr) (*domain.NetworkIdentity, error) {
	network, err := r.identities.GetNetworkByAddress(ctx, addr.Unmap())
	if err != nil {
		return nil, storeError(err, domain.NewDomainError(domain.ErrIdentityNotFound, "address never seen", addr.String()))
	}
	r.metrics.ObserveResolution(sourceNetwork)
	return network, nil
}

// Audience returns the players last recorded under a network identity.
func (r *IdentityResolver) Audience(ctx context.Context, network *domain.NetworkIdentity) ([]*domain.PlayerIdentity, error) {
	players, err := r.identities.ListPlayersByAddress(ctx, network.Address)
	if err != nil {
		return nil, storeError(err, nil)
	}
	return players, nil
}

// ResolveByID returns the identity with a store id.
func (r *IdentityResolver) ResolveByID(ctx context.Context, id int64) (domain.Identity, error) {
	if id == domain.ConsoleID {
		return domain.Console, nil
	}
	identity, err := r.identities.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, domain.NewDomainError(domain.ErrIdentityNotFound, "unknown store id", fmt.Sprint(id)))
	}
	return identity, nil
}

// RecordLogin makes sure the connecting player is stored and links it to addr.
// A known player whose name changed is reconciled with the directory.
func (r *IdentityResolver) RecordLogin(ctx context.Context, id uuid.UUID, username string, addr netip.Addr) (*domain.PlayerIdentity, *domain.NetworkIdentity, error) {
	player, err := r.identities.GetPlayerByUUID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// The game server authenticated the name against the directory.
		player, err = r.identities.SavePlayer(ctx, repository.PlayerSave{
			UUID:       id,
			Username:   username,
			At:         r.clock.Now(),
			Reconciled: true,
		})
		if err != nil {
			return nil, nil, storeError(err, nil)
		}
	case err != nil:
		return nil, nil, storeError(err, nil)
	case !strings.EqualFold(player.Username, username):
		r.cache.Forget(player)
		refreshed, rerr := r.refresh(ctx, player)
		if rerr != nil {
			r.logger.Warn().Err(rerr).Str("uuid", id.String()).Msg("rename reconciliation failed")
			// The history is left for the next refresh to fill in.
			refreshed, rerr = r.identities.SavePlayer(ctx, repository.PlayerSave{
				UUID:     id,
				Username: username,
				At:       r.clock.Now(),
			})
			if rerr != nil {
				return nil, nil, storeError(rerr, nil)
			}
		}
		player = refreshed
	}
	r.cache.Put(player)

	network, err := r.identities.RecordAddress(ctx, player.ID, addr.Unmap(), r.clock.Now())
	if err != nil {
		return nil, nil, storeError(err, nil)
	}
	return player, network, nil
}

// RefreshIfStale reconciles p with the directory when its stored record is older
// than the configured window. It returns the current record.
func (r *IdentityResolver) RefreshIfStale(ctx context.Context, p *domain.PlayerIdentity) (*domain.PlayerIdentity, error) {
	if r.config.RefreshAfter <= 0 {
		return p, nil
	}
	refreshedAt, err := r.identities.GetRefreshedAt(ctx, p.UUID)
	if err != nil {
		return nil, storeError(err, domain.ErrIdentityNotFound)
	}
	if r.clock.Now().Sub(refreshedAt) < r.config.RefreshAfter {
		return p, nil
	}
	return r.refresh(ctx, p)
}

// refresh appends the directory's unseen username history and updates the current name.
func (r *IdentityResolver) refresh(ctx context.Context, p *domain.PlayerIdentity) (*domain.PlayerIdentity, error) {
	profile, err := r.directory.Lookup(ctx, p.UUID.String())
	if err != nil {
		return nil, err
	}

	var missing []domain.UsernameEntry
	if p.Persisted() {
		stored, err := r.identities.GetUsernameHistory(ctx, p.ID)
		if err != nil {
			return nil, storeError(err, nil)
		}
		missing = stored.Missing(profile.UsernameHistory().Entries)
	} else {
		missing = profile.UsernameHistory().Entries
	}

	saved, err := r.identities.SavePlayer(ctx, repository.PlayerSave{
		UUID:       p.UUID,
		Username:   profile.Username,
		History:    missing,
		At:         r.clock.Now(),
		Reconciled: true,
	})
	if err != nil {
		return nil, storeError(err, nil)
	}
	if !strings.EqualFold(saved.Username, p.Username) {
		r.cache.Forget(p)
	}
	r.cache.Put(saved)

	r.logger.Debug().
		Str("uuid", saved.UUID.String()).
		Str("username", saved.Username).
		Int("new_history_entries", len(missing)).
		Msg("player refreshed")

	return saved, nil
}

// UsernameHistory returns the stored username history of a player.
func (r *IdentityResolver) UsernameHistory(ctx context.Context, p *domain.PlayerIdentity) (*domain.UsernameHistory, error) {
	h, err := r.identities.GetUsernameHistory(ctx, p.ID)
	if err != nil {
		return nil, storeError(err, domain.ErrIdentityNotFound)
	}
	return h, nil
}

func identifierKindName(k domain.IdentifierKind) string {
	switch k {
	case domain.IdentifierUsername:
		return "username"
	case domain.IdentifierStableID:
		return "stable_id"
	case domain.IdentifierAddress:
		return "address"
	case domain.IdentifierConsole:
		return "console"
	default:
		return "unknown"
	}
}
