package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/prn-tf/bastion/internal/domain"
)

// FormatMessage renders the text shown to a punished player.
func FormatMessage(p *domain.Punishment, now time.Time) string {
	var b strings.Builder

	switch p.Type {
	case domain.PunishmentBan:
		b.WriteString("You are banned from this server")
	case domain.PunishmentMute:
		b.WriteString("You are muted")
	case domain.PunishmentKick:
		b.WriteString("You were kicked from this server")
	case domain.PunishmentWarning:
		b.WriteString("You have been warned")
	default:
		b.WriteString("A note was recorded on your account")
	}

	if p.Reason != nil && *p.Reason != "" {
		fmt.Fprintf(&b, ": %s", *p.Reason)
	}

	if p.Type.CanBeLifted() {
		if exp, ok := p.ExpiresAt(); ok {
			remaining := time.UnixMilli(exp).Sub(now).Round(time.Second)
			if remaining < time.Second {
				remaining = time.Second
			}
			fmt.Fprintf(&b, " (expires in %s)", remaining)
		} else {
			b.WriteString(" (permanent)")
		}
	}

	return b.String()
}
