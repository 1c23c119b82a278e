package service

import (
	"context"
	"errors"
	"net/netip"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/session"
)

// JoinInput describes a player connecting to the server.
type JoinInput struct {
	UUID        uuid.UUID  `json:"uuid"`
	Username    string     `json:"username"`
	Address     netip.Addr `json:"address"`
	Permissions []string   `json:"permissions,omitempty"`
}

// JoinResult is the outcome of a login check.
type JoinResult struct {
	Player  *domain.PlayerIdentity  `json:"player"`
	Network *domain.NetworkIdentity `json:"network"`

	// Ban is the punishment denying the login, nil when the player may join.
	Ban *domain.Punishment `json:"ban,omitempty"`

	// Message is the disconnect text when Ban is set.
	Message string `json:"message,omitempty"`
}

// Allowed reports whether the login may proceed.
func (r *JoinResult) Allowed() bool {
	return r.Ban == nil
}

// ChatResult is the outcome of a chat check.
type ChatResult struct {
	// Mute is the punishment suppressing the message, nil when it may be delivered.
	Mute    *domain.Punishment `json:"mute,omitempty"`
	Message string             `json:"message,omitempty"`
}

// SessionService implements the login, chat and disconnect hooks of the host.
type SessionService struct {
	resolver    *IdentityResolver
	lifecycle   *PunishmentLifecycle
	punishments *PunishmentCache
	registry    *session.Registry
	writeBack   *WriteBack
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewSessionService creates the hooks and subscribes them to session ends.
func NewSessionService(
	resolver *IdentityResolver,
	lifecycle *PunishmentLifecycle,
	punishments *PunishmentCache,
	registry *session.Registry,
	writeBack *WriteBack,
	clk clock.Clock,
	logger zerolog.Logger,
) *SessionService {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &SessionService{
		resolver:    resolver,
		lifecycle:   lifecycle,
		punishments: punishments,
		registry:    registry,
		writeBack:   writeBack,
		clock:       clk,
		logger:      logger.With().Str("service", "sessions").Logger(),
	}
	registry.OnLeave(s.release)
	return s
}

// Join records the player and its address, then checks for an active ban on
// either. An allowed player is registered as online; a banned one is not.
func (s *SessionService) Join(ctx context.Context, input JoinInput) (*JoinResult, error) {
	if input.UUID == uuid.Nil {
		return nil, domain.NewDomainError(domain.ErrMalformedIdentifier, "missing stable id", input.Username)
	}
	if !input.Address.IsValid() {
		return nil, domain.NewDomainError(domain.ErrMalformedIdentifier, "missing address", input.UUID.String())
	}

	player, network, err := s.resolver.RecordLogin(ctx, input.UUID, input.Username, input.Address)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		PlayerID:    player.ID,
		NetworkID:   network.ID,
		UUID:        player.UUID,
		Username:    player.Username,
		Address:     network.Address,
		Permissions: input.Permissions,
		JoinedAt:    s.clock.Now(),
	}
	result := &JoinResult{Player: player, Network: network}

	if !sess.HasPermission(domain.PermissionBypassBan) {
		ban, err := s.activeOn(ctx, domain.PunishmentBan, player.ID, network.ID)
		if err != nil {
			return nil, err
		}
		if ban != nil {
			result.Ban = ban
			result.Message = FormatMessage(ban, s.clock.Now())
			s.logger.Info().
				Str("uuid", player.UUID.String()).
				Str("username", player.Username).
				Int64("punishment_id", ban.ID).
				Msg("login denied")
			return result, nil
		}
	}

	s.registry.Join(sess)

	// Warm the mute lookups the first chat message will need.
	if _, err := s.punishments.Get(ctx, player.ID); err != nil {
		s.logger.Warn().Err(err).Int64("player_id", player.ID).Msg("failed to warm punishment cache")
	}

	s.writeBack.Go(ctx, "refresh_player", func(ctx context.Context) error {
		_, err := s.resolver.RefreshIfStale(ctx, player)
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return nil
		}
		return err
	})

	s.logger.Debug().
		Str("uuid", player.UUID.String()).
		Str("username", player.Username).
		Str("address", network.Address.String()).
		Msg("player joined")

	return result, nil
}

// Chat checks whether a connected player is muted. A muted player is told
// their message was withheld.
func (s *SessionService) Chat(ctx context.Context, id uuid.UUID) (*ChatResult, error) {
	sess, ok := s.registry.GetByUUID(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.HasPermission(domain.PermissionBypassMute) {
		return &ChatResult{}, nil
	}

	mute, err := s.activeOn(ctx, domain.PunishmentMute, sess.PlayerID, sess.NetworkID)
	if err != nil {
		return nil, err
	}
	if mute == nil {
		return &ChatResult{}, nil
	}

	message := FormatMessage(mute, s.clock.Now())
	if err := s.registry.SendSuppressed(ctx, sess.PlayerID, message); err != nil {
		s.logger.Warn().Err(err).Int64("player_id", sess.PlayerID).Msg("failed to deliver suppression notice")
	}
	return &ChatResult{Mute: mute, Message: message}, nil
}

// Leave ends the session of a player. Cache cleanup runs from the registry hook.
func (s *SessionService) Leave(_ context.Context, id uuid.UUID) error {
	sess, ok := s.registry.GetByUUID(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.registry.Leave(sess.PlayerID)
	return nil
}

// release drops the cached punishments of an ended session. The address list is
// kept while other players are still connected from it.
func (s *SessionService) release(sess *session.Session) {
	s.punishments.Invalidate(sess.PlayerID)
	if sess.NetworkID != 0 && !s.registry.IsOnline(sess.NetworkID) {
		s.punishments.Invalidate(sess.NetworkID)
	}
	s.logger.Debug().
		Str("uuid", sess.UUID.String()).
		Dur("online", s.clock.Now().Sub(sess.JoinedAt)).
		Msg("player left")
}

// activeOn returns the active punishment of type t on the player or, failing
// that, on its network identity.
func (s *SessionService) activeOn(ctx context.Context, t domain.PunishmentType, playerID, networkID int64) (*domain.Punishment, error) {
	for _, targetID := range []int64{playerID, networkID} {
		if targetID == 0 {
			continue
		}
		p, err := s.lifecycle.GetActive(ctx, targetID, t)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrPunishmentNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
