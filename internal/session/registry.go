// Package session tracks the players connected to this server and delivers
// enforcement actions to them.
package session

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
)

// Session is one connected player.
type Session struct {
	PlayerID    int64      `json:"player_id"`
	NetworkID   int64      `json:"network_id"`
	UUID        uuid.UUID  `json:"uuid"`
	Username    string     `json:"username"`
	Address     netip.Addr `json:"address"`
	Permissions []string   `json:"permissions,omitempty"`
	JoinedAt    time.Time  `json:"joined_at"`
}

// HasPermission reports whether the session was granted perm. The empty permission is never granted.
func (s *Session) HasPermission(perm string) bool {
	return perm != "" && slices.Contains(s.Permissions, perm)
}

// Enforcer delivers enforcement actions to the host runtime.
type Enforcer interface {
	// Disconnect removes the player from the network with reason as the kick message.
	Disconnect(ctx context.Context, s *Session, reason string) error

	// Suppress tells the player their message was not delivered.
	Suppress(ctx context.Context, s *Session, message string) error
}

// Registry is the set of sessions on this server. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byPlayer   map[int64]*Session
	byUUID     map[uuid.UUID]*Session
	byUsername map[string]*Session
	byNetwork  map[int64]map[int64]struct{}

	onLeave []func(*Session)

	enforcer Enforcer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry delivering actions through enforcer.
func NewRegistry(enforcer Enforcer, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		byPlayer:   make(map[int64]*Session),
		byUUID:     make(map[uuid.UUID]*Session),
		byUsername: make(map[string]*Session),
		byNetwork:  make(map[int64]map[int64]struct{}),
		enforcer:   enforcer,
		metrics:    m,
		logger:     logger.With().Str("component", "sessions").Logger(),
	}
}

// OnLeave registers fn to run after a session is removed, outside the registry lock.
// Hooks must be registered before the registry is shared.
func (r *Registry) OnLeave(fn func(*Session)) {
	r.onLeave = append(r.onLeave, fn)
}

// Join registers s, replacing an earlier session of the same player.
func (r *Registry) Join(s *Session) {
	r.mu.Lock()
	if old, ok := r.byPlayer[s.PlayerID]; ok {
		r.removeLocked(old)
	}
	r.byPlayer[s.PlayerID] = s
	r.byUUID[s.UUID] = s
	r.byUsername[strings.ToLower(s.Username)] = s
	if s.NetworkID != 0 {
		set, ok := r.byNetwork[s.NetworkID]
		if !ok {
			set = make(map[int64]struct{})
			r.byNetwork[s.NetworkID] = set
		}
		set[s.PlayerID] = struct{}{}
	}
	n := len(r.byPlayer)
	r.mu.Unlock()

	r.metrics.SetOnlineSessions(n)
}

// Leave unregisters the session of playerID and returns it.
func (r *Registry) Leave(playerID int64) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byPlayer[playerID]
	if ok {
		r.removeLocked(s)
	}
	n := len(r.byPlayer)
	r.mu.Unlock()

	r.metrics.SetOnlineSessions(n)
	if ok {
		for _, fn := range r.onLeave {
			fn(s)
		}
	}
	return s, ok
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byPlayer, s.PlayerID)
	if cur, ok := r.byUUID[s.UUID]; ok && cur == s {
		delete(r.byUUID, s.UUID)
	}
	name := strings.ToLower(s.Username)
	if cur, ok := r.byUsername[name]; ok && cur == s {
		delete(r.byUsername, name)
	}
	if set, ok := r.byNetwork[s.NetworkID]; ok {
		delete(set, s.PlayerID)
		if len(set) == 0 {
			delete(r.byNetwork, s.NetworkID)
		}
	}
}

// Get returns the session of a player.
func (r *Registry) Get(playerID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPlayer[playerID]
	return s, ok
}

// GetByUUID returns the session of a player by stable id.
func (r *Registry) GetByUUID(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUUID[id]
	return s, ok
}

// IsOnline reports whether a store identity has a session: a player that is
// connected, or a network identity with at least one connected player.
func (r *Registry) IsOnline(identityID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byPlayer[identityID]; ok {
		return true
	}
	return len(r.byNetwork[identityID]) > 0
}

// IsOnlineUUID reports whether the player with stable id is connected.
func (r *Registry) IsOnlineUUID(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUUID[id]
	return ok
}

// IsOnlineUsername reports whether a player currently using name is connected.
func (r *Registry) IsOnlineUsername(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUsername[strings.ToLower(name)]
	return ok
}

// SessionsOf returns the sessions an identity covers: the player's own session,
// or every session connected from a network identity. The console has none.
func (r *Registry) SessionsOf(identity domain.Identity) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch identity.Kind() {
	case domain.KindPlayer:
		if s, ok := r.byPlayer[identity.StoreID()]; ok {
			return []*Session{s}
		}
	case domain.KindIPv4, domain.KindIPv6:
		set := r.byNetwork[identity.StoreID()]
		out := make([]*Session, 0, len(set))
		for playerID := range set {
			out = append(out, r.byPlayer[playerID])
		}
		slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.PlayerID, b.PlayerID) })
		return out
	}
	return nil
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPlayer)
}

// Disconnect removes the player's session and asks the host to drop the connection.
func (r *Registry) Disconnect(ctx context.Context, playerID int64, reason string) error {
	s, ok := r.Leave(playerID)
	if !ok {
		return nil
	}
	r.logger.Info().Int64("player_id", playerID).Str("username", s.Username).Msg("disconnecting player")
	return r.enforcer.Disconnect(ctx, s, reason)
}

// SendSuppressed tells a connected player their chat message was withheld.
func (r *Registry) SendSuppressed(ctx context.Context, playerID int64, message string) error {
	s, ok := r.Get(playerID)
	if !ok {
		return nil
	}
	return r.enforcer.Suppress(ctx, s, message)
}

// LogEnforcer only logs actions. It serves hosts that poll the API instead of
// listening for events.
type LogEnforcer struct {
	Logger zerolog.Logger
}

// Disconnect logs the disconnect.
func (e LogEnforcer) Disconnect(_ context.Context, s *Session, reason string) error {
	e.Logger.Info().Str("uuid", s.UUID.String()).Str("reason", reason).Msg("disconnect requested")
	return nil
}

// Suppress logs the suppression.
func (e LogEnforcer) Suppress(_ context.Context, s *Session, message string) error {
	e.Logger.Debug().Str("uuid", s.UUID.String()).Str("message", message).Msg("chat suppressed")
	return nil
}

var _ Enforcer = LogEnforcer{}
