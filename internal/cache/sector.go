package cache

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"watchlist-analyzer/internal/upstream"
)

// SectorTTL bounds how long sector metadata is reused.
const SectorTTL = time.Hour

// UnknownSector is returned when the sector cannot be resolved.
const UnknownSector = ""

// TickerInfoFetcher is the upstream source behind SectorCache.
type TickerInfoFetcher interface {
	FetchTickerInfo(ctx context.Context, ticker string) (*upstream.TickerInfoResponse, error)
}

// SectorCache lazily caches per-ticker sector names.
type SectorCache struct {
	cache  *TTL[string]
	source TickerInfoFetcher
	logger zerolog.Logger
}

// NewSectorCache builds a sector cache over the ticker-info endpoint.
func NewSectorCache(source TickerInfoFetcher, clock Clock, logger zerolog.Logger) *SectorCache {
	return &SectorCache{
		cache:  NewTTL[string](SectorTTL, clock),
		source: source,
		logger: logger.With().Str("component", "sector_cache").Logger(),
	}
}

// GetSector returns the ticker's sector. On a failed lookup it returns
// UnknownSector together with the cause; callers treat that as enrichment loss,
// not a ticker failure. Empty sectors are never cached.
func (s *SectorCache) GetSector(ctx context.Context, ticker string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(ticker))
	sector, err := s.cache.GetOrLoad(key, func() (string, bool, error) {
		info, err := s.source.FetchTickerInfo(ctx, key)
		if err != nil {
			return UnknownSector, false, err
		}
		sector := strings.TrimSpace(info.Data.Sector)
		return sector, sector != "", nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("ticker", key).Msg("sector lookup failed")
		return UnknownSector, err
	}
	return sector, nil
}
