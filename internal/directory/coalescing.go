package directory

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Coalescing merges concurrent lookups of the same key into one call to the wrapped client.
// Keys are case-folded, so "Steve" and "steve" share a call.
type Coalescing struct {
	next  Client
	group singleflight.Group
}

// NewCoalescing wraps next.
func NewCoalescing(next Client) *Coalescing {
	return &Coalescing{next: next}
}

// Lookup returns the shared result of the in-flight lookup of key, starting one if needed.
// Callers share the returned *Profile and must not modify it.
//
// A caller whose context ends stops waiting; the shared lookup runs on for the others.
func (c *Coalescing) Lookup(ctx context.Context, key string) (*Profile, error) {
	ch := c.group.DoChan(strings.ToLower(key), func() (any, error) {
		return c.next.Lookup(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Profile), nil
	}
}

var _ Client = (*Coalescing)(nil)
