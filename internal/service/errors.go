// Package service provides the identity resolution and punishment lifecycle services.
package service

import (
	"errors"
	"fmt"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/repository"
)

// Common service errors.
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAPlayer      = errors.New("identifier does not denote a player")
)

// storeError translates a repository failure into the service error taxonomy.
// A missing row keeps its own meaning; anything else is a durable store failure.
func storeError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) && notFound != nil {
		return notFound
	}
	return fmt.Errorf("%w: %v", domain.ErrDurableStore, err)
}
