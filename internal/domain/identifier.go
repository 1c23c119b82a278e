package domain

import (
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// Identifier length rules. Anything between MaxUsernameLength and CompactUUIDLength
// exclusive cannot be a username or a stable id.
const (
	MinUsernameLength   = 3
	MaxUsernameLength   = 16
	CompactUUIDLength   = 32
	CanonicalUUIDLength = 36
)

// IdentifierKind classifies a raw lookup key.
type IdentifierKind uint8

const (
	IdentifierUsername IdentifierKind = iota
	IdentifierStableID
	IdentifierAddress
	IdentifierConsole
)

// Identifier is a lexically validated lookup key.
type Identifier struct {
	Kind IdentifierKind

	// Raw is the key as supplied.
	Raw string

	// Username is set for IdentifierUsername.
	Username string

	// UUID is set for IdentifierStableID and IdentifierConsole.
	UUID uuid.UUID

	// Address is set for IdentifierAddress.
	Address netip.Addr
}

// ParseIdentifier classifies raw without performing any I/O.
// Keys containing '.' or ':' are addresses; otherwise the length decides between
// a username and a stable id. A 32 character id is normalised to its hyphenated form.
func ParseIdentifier(raw string) (Identifier, error) {
	key := strings.TrimSpace(raw)
	id := Identifier{Raw: key}

	if strings.ContainsAny(key, ".:") {
		addr, err := netip.ParseAddr(key)
		if err != nil {
			return id, NewDomainError(ErrMalformedIdentifier, "not a valid address", raw)
		}
		id.Kind = IdentifierAddress
		id.Address = addr.Unmap()
		return id, nil
	}

	switch n := len(key); {
	case n < MinUsernameLength:
		return id, NewDomainError(ErrMalformedIdentifier, "too short", raw)
	case n <= MaxUsernameLength:
		if !validUsername(key) {
			return id, NewDomainError(ErrMalformedIdentifier, "invalid username characters", raw)
		}
		id.Kind = IdentifierUsername
		id.Username = key
		return id, nil
	case n == CompactUUIDLength, n == CanonicalUUIDLength:
		u, err := uuid.Parse(key)
		if err != nil {
			return id, NewDomainError(ErrMalformedIdentifier, "not a valid stable id", raw)
		}
		id.UUID = u
		if u == ConsoleUUID {
			id.Kind = IdentifierConsole
		} else {
			id.Kind = IdentifierStableID
		}
		return id, nil
	default:
		return id, NewDomainError(ErrMalformedIdentifier, "length matches no identifier form", raw)
	}
}

// Key returns the normalised key: lowercase username, canonical stable id or address.
func (i Identifier) Key() string {
	switch i.Kind {
	case IdentifierUsername:
		return strings.ToLower(i.Username)
	case IdentifierAddress:
		return i.Address.String()
	default:
		return i.UUID.String()
	}
}

func validUsername(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
