package domain

import (
	"strings"
)

// PunishmentType is the kind of a punishment. The numeric value is persisted.
type PunishmentType uint8

const (
	PunishmentWarning PunishmentType = 0
	PunishmentMute    PunishmentType = 1
	PunishmentKick    PunishmentType = 2
	PunishmentBan     PunishmentType = 3
	PunishmentNote    PunishmentType = 4
)

type punishmentTypeInfo struct {
	name     string
	liftable bool

	// applicable types affect an active session as soon as they are created.
	applicable bool
	notify     string
	bypass     string
}

var punishmentTypes = [...]punishmentTypeInfo{
	PunishmentWarning: {name: "warning", notify: PermissionNotifyWarn},
	PunishmentMute:    {name: "mute", liftable: true, applicable: true, notify: PermissionNotifyMute, bypass: PermissionBypassMute},
	PunishmentKick:    {name: "kick", applicable: true, notify: PermissionNotifyKick, bypass: PermissionBypassKick},
	PunishmentBan:     {name: "ban", liftable: true, applicable: true, notify: PermissionNotifyBan, bypass: PermissionBypassBan},
	PunishmentNote:    {name: "note"},
}

// PunishmentTypes lists every type in id order.
func PunishmentTypes() []PunishmentType {
	return []PunishmentType{PunishmentWarning, PunishmentMute, PunishmentKick, PunishmentBan, PunishmentNote}
}

// Valid reports whether t is a known type.
func (t PunishmentType) Valid() bool {
	return int(t) < len(punishmentTypes)
}

func (t PunishmentType) info() punishmentTypeInfo {
	if !t.Valid() {
		return punishmentTypeInfo{name: "unknown"}
	}
	return punishmentTypes[t]
}

// String returns the lowercase type name.
func (t PunishmentType) String() string { return t.info().name }

// CanBeLifted reports whether the type is a standing state rather than a point-in-time event.
func (t PunishmentType) CanBeLifted() bool { return t.info().liftable }

// IsApplicable reports whether the type has an enforcement side effect on an active session.
func (t PunishmentType) IsApplicable() bool { return t.info().applicable }

// NotifyPermission returns the permission that receives notifications, or "".
func (t PunishmentType) NotifyPermission() string { return t.info().notify }

// BypassPermission returns the permission that exempts a session, or "".
func (t PunishmentType) BypassPermission() string { return t.info().bypass }

// MarshalText implements encoding.TextMarshaler.
func (t PunishmentType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownPunishmentType
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PunishmentType) UnmarshalText(b []byte) error {
	parsed, err := ParsePunishmentType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParsePunishmentType parses a case-insensitive type name. "warn" is accepted for warning.
func ParsePunishmentType(s string) (PunishmentType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warn" {
		return PunishmentWarning, nil
	}
	for _, t := range PunishmentTypes() {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, NewDomainError(ErrUnknownPunishmentType, "no such type", s)
}

// PunishmentTypeByID maps a persisted id back to its type.
func PunishmentTypeByID(id int) (PunishmentType, error) {
	t := PunishmentType(id)
	if id < 0 || !t.Valid() {
		return 0, ErrUnknownPunishmentType
	}
	return t, nil
}
