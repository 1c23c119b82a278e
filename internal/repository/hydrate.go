package repository

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/prn-tf/bastion/internal/domain"
)

// HydrateIdentity rebuilds an identity variant from its stored columns.
// Drivers scan nullable columns into *string.
func HydrateIdentity(id int64, kind int64, stableID, username, address *string) (domain.Identity, error) {
	switch domain.IdentityKind(kind) {
	case domain.KindConsole:
		return domain.Console, nil
	case domain.KindPlayer:
		if stableID == nil {
			return nil, fmt.Errorf("player identity %d has no uuid", id)
		}
		u, err := uuid.Parse(*stableID)
		if err != nil {
			return nil, fmt.Errorf("player identity %d: %w", id, err)
		}
		p := &domain.PlayerIdentity{ID: id, UUID: u}
		if username != nil {
			p.Username = *username
		}
		return p, nil
	case domain.KindIPv4, domain.KindIPv6:
		if address == nil {
			return nil, fmt.Errorf("network identity %d has no address", id)
		}
		addr, err := netip.ParseAddr(*address)
		if err != nil {
			return nil, fmt.Errorf("network identity %d: %w", id, err)
		}
		return &domain.NetworkIdentity{ID: id, Address: addr}, nil
	default:
		return nil, fmt.Errorf("identity %d has unknown kind %d", id, kind)
	}
}

// KindOfAddress returns the stored kind for a network address.
func KindOfAddress(addr netip.Addr) domain.IdentityKind {
	return domain.NewNetworkIdentity(addr).Kind()
}

// LiftableTypeList renders the ids of liftable punishment types for an SQL IN clause.
func LiftableTypeList() string {
	var ids []string
	for _, t := range domain.PunishmentTypes() {
		if t.CanBeLifted() {
			ids = append(ids, fmt.Sprintf("%d", t))
		}
	}
	return strings.Join(ids, ", ")
}

// ChangedAtMillis encodes an optional change time; 0 marks the original username.
func ChangedAtMillis(e domain.UsernameEntry) int64 {
	if e.ChangedAt == nil {
		return 0
	}
	return e.ChangedAt.UnixMilli()
}
