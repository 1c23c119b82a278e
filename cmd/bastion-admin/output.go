package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/prn-tf/bastion/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func describeIdentity(i domain.Identity) string {
	ref := domain.RefOf(i)
	if ref.Name != "" && ref.Name != ref.Key {
		return fmt.Sprintf("%s %s (%s)", ref.Kind, ref.Name, ref.Key)
	}
	return fmt.Sprintf("%s %s", ref.Kind, ref.Key)
}

type punishmentRow struct {
	p      *domain.Punishment
	active bool
}

func printPunishments(w io.Writer, rows []punishmentRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tPUNISHER\tCREATED\tEXPIRES\tSTATE\tREASON")
	for _, row := range rows {
		p := row.p
		expires := "never"
		if ms, ok := p.ExpiresAt(); ok {
			expires = formatMillis(ms)
		}
		state := "inactive"
		switch {
		case row.active:
			state = "active"
		case p.Lifted():
			state = "lifted"
		}
		reason := ""
		if p.Reason != nil {
			reason = *p.Reason
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Type, domain.RefOf(p.Target).Name, domain.RefOf(p.Punisher).Name,
			formatMillis(p.CreatedAt), expires, state, reason)
	}
	return tw.Flush()
}
