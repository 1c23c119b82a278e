package domain

import (
	"net/netip"

	"github.com/google/uuid"
)

// IdentityKind discriminates the Identity variants. The numeric values are persisted.
type IdentityKind uint8

const (
	// KindPlayer is a player keyed by its stable directory id.
	KindPlayer IdentityKind = 0

	// KindIPv4 is a network identity for an IPv4 address.
	KindIPv4 IdentityKind = 1

	// KindIPv6 is a network identity for an IPv6 address.
	KindIPv6 IdentityKind = 2

	// KindConsole is the operator/system actor.
	KindConsole IdentityKind = 3
)

// String returns the lowercase kind name.
func (k IdentityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindConsole:
		return "console"
	default:
		return "unknown"
	}
}

// ConsoleID is the surrogate id of the console identity. It is seeded by migrations.
const ConsoleID int64 = 0

// ConsoleUUID is the sentinel stable id of the console identity.
var ConsoleUUID = uuid.Nil

// Identity is the unified target/punisher type of the ledger.
// The variants are PlayerIdentity, NetworkIdentity and ConsoleIdentity; the set is closed.
type Identity interface {
	// StoreID returns the surrogate id assigned by the durable store.
	// It is 0 for unpersisted identities and for the console.
	StoreID() int64

	// Persisted reports whether StoreID is meaningful.
	Persisted() bool

	// Kind returns the variant discriminator.
	Kind() IdentityKind

	// Key returns the canonical lookup key: stable id, address or console sentinel.
	Key() string

	// Name returns a human readable name.
	Name() string

	identity()
}

// SameIdentity reports whether a and b denote the same persisted identity.
// Unpersisted identities never compare equal to anything.
func SameIdentity(a, b Identity) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Kind() == KindConsole || b.Kind() == KindConsole {
		return a.Kind() == b.Kind()
	}
	if !a.Persisted() || !b.Persisted() {
		return false
	}
	return a.StoreID() == b.StoreID()
}

// PlayerIdentity is a player known to the directory.
type PlayerIdentity struct {
	// ID is the store surrogate id, 0 until persisted.
	ID int64 `json:"id"`

	// UUID is the stable directory id.
	UUID uuid.UUID `json:"uuid"`

	// Username is the current username. It changes over time; see UsernameHistory.
	Username string `json:"username"`
}

// NewPlayerIdentity creates an unpersisted player identity.
func NewPlayerIdentity(id uuid.UUID, username string) *PlayerIdentity {
	return &PlayerIdentity{UUID: id, Username: username}
}

func (p *PlayerIdentity) StoreID() int64     { return p.ID }
func (p *PlayerIdentity) Persisted() bool    { return p.ID > 0 }
func (p *PlayerIdentity) Kind() IdentityKind { return KindPlayer }
func (p *PlayerIdentity) Key() string        { return p.UUID.String() }
func (p *PlayerIdentity) Name() string       { return p.Username }
func (p *PlayerIdentity) identity()          {}

// WithID returns a copy carrying the given store id.
func (p *PlayerIdentity) WithID(id int64) *PlayerIdentity {
	c := *p
	c.ID = id
	return &c
}

// AddressFamily is the IP family of a NetworkIdentity.
type AddressFamily uint8

const (
	FamilyV4 AddressFamily = 4
	FamilyV6 AddressFamily = 6
)

// NetworkIdentity stands for the set of players that have connected from one address.
// Its audience is resolved through the store, never from the identity itself.
type NetworkIdentity struct {
	// ID is the store surrogate id, 0 until persisted.
	ID int64 `json:"id"`

	// Address is the raw address, unmapped to IPv4 when possible.
	Address netip.Addr `json:"address"`
}

// NewNetworkIdentity creates an unpersisted network identity.
func NewNetworkIdentity(addr netip.Addr) *NetworkIdentity {
	return &NetworkIdentity{Address: addr.Unmap()}
}

func (n *NetworkIdentity) StoreID() int64  { return n.ID }
func (n *NetworkIdentity) Persisted() bool { return n.ID > 0 }
func (n *NetworkIdentity) Key() string     { return n.Address.String() }
func (n *NetworkIdentity) Name() string    { return n.Address.String() }
func (n *NetworkIdentity) identity()       {}

// Kind returns KindIPv4 or KindIPv6 depending on the address family.
func (n *NetworkIdentity) Kind() IdentityKind {
	if n.Family() == FamilyV4 {
		return KindIPv4
	}
	return KindIPv6
}

// Family returns the address family.
func (n *NetworkIdentity) Family() AddressFamily {
	if n.Address.Unmap().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// ConsoleIdentity is the process-wide operator identity.
type ConsoleIdentity struct{}

// Console is the console singleton.
var Console Identity = ConsoleIdentity{}

func (ConsoleIdentity) StoreID() int64     { return ConsoleID }
func (ConsoleIdentity) Persisted() bool    { return true }
func (ConsoleIdentity) Kind() IdentityKind { return KindConsole }
func (ConsoleIdentity) Key() string        { return ConsoleUUID.String() }
func (ConsoleIdentity) Name() string       { return "CONSOLE" }
func (ConsoleIdentity) identity()          {}

// IdentityRef is the serialisable projection of an Identity.
type IdentityRef struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// RefOf projects an identity for output. A nil identity yields the zero ref.
func RefOf(i Identity) IdentityRef {
	if i == nil {
		return IdentityRef{}
	}
	return IdentityRef{
		ID:   i.StoreID(),
		Kind: i.Kind().String(),
		Key:  i.Key(),
		Name: i.Name(),
	}
}
