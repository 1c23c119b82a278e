package directory

import (
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/repository"
)

// New assembles the configured client stack: the HTTP client, then the shared
// cache when one is given and its TTL is positive, then lookup coalescing.
func New(cfg config.DirectoryConfig, shared repository.Cache, m *metrics.Metrics, logger zerolog.Logger) Client {
	var client Client = NewHTTPClient(cfg, logger, WithMetrics(m))
	if shared != nil && cfg.SharedCacheTTL > 0 {
		client = NewCaching(client, shared, cfg.SharedCacheTTL, logger)
	}
	if cfg.CoalesceLookups {
		client = NewCoalescing(client)
	}
	return client
}
