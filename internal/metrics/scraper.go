package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/store"
)

const (
	scrapeInterval   = 15 * time.Second
	scrapeTimeout    = 5 * time.Second
	consecutiveLimit = 4
)

// EngineRegistry is the subset of engine.Registry the scraper depends on.
type EngineRegistry interface {
	Lookup(e domain.Engine) (engine.Adapter, error)
}

// Scraper runs one ticking collection loop per running instance, computes
// rates between consecutive snapshots, persists the result, and publishes
// it to the broadcaster — spec.md §4.H's two cooperative loops, combined
// here since the scraper is the only producer the broadcaster has.
type Scraper struct {
	store       *store.Store
	engines     EngineRegistry
	vault       *crypto.Vault
	broadcaster *Broadcaster

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	prev    map[string]counterState
}

type counterState struct {
	at       time.Time
	queries  int64
	commands int64
}

// New builds a scraper over its collaborators.
func New(st *store.Store, engines EngineRegistry, vault *crypto.Vault, broadcaster *Broadcaster) *Scraper {
	return &Scraper{
		store:       st,
		engines:     engines,
		vault:       vault,
		broadcaster: broadcaster,
		cancels:     make(map[string]context.CancelFunc),
		prev:        make(map[string]counterState),
	}
}

// StartAll begins scraping every currently-running instance, for daemon
// startup recovery.
func (s *Scraper) StartAll(ctx context.Context) error {
	running, err := s.store.ListRunningDatabases(ctx)
	if err != nil {
		return err
	}
	for _, d := range running {
		s.Start(d.ID)
	}
	return nil
}

// Start begins (or, if already running, is a no-op for) instance id's
// scrape loop.
func (s *Scraper) Start(id string) {
	s.mu.Lock()
	if _, ok := s.cancels[id]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[id] = cancel
	s.mu.Unlock()

	go s.run(ctx, id)
}

// Stop ends instance id's scrape loop, used when a lifecycle transition
// takes it out of running (stop, delete, or a failed scrape already did).
func (s *Scraper) Stop(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	delete(s.prev, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scraper) run(ctx context.Context, id string) {
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.scrapeOnce(ctx, id); err != nil {
			failures++
			log.WithDatabase(id).Warn().Err(err).Int("consecutive_failures", failures).Msg("metrics scrape failed")
			if failures >= consecutiveLimit {
				s.handleScrapeExhausted(ctx, id)
				return
			}
			continue
		}
		failures = 0
	}
}

// handleScrapeExhausted marks the instance as error after N consecutive
// scrape failures and stops scraping it until a lifecycle transition
// revives it, per spec.md §4.H.
func (s *Scraper) handleScrapeExhausted(ctx context.Context, id string) {
	d, err := s.store.GetDatabase(ctx, id)
	if err == nil {
		ScrapesStoppedTotal.WithLabelValues(string(d.Engine)).Inc()
	}
	if err := s.store.UpdateDatabaseStatus(ctx, id, domain.StatusError, "metrics scrape failed too many times"); err != nil {
		log.WithDatabase(id).Error().Err(err).Msg("failed to mark instance error after scrape exhaustion")
	}
	s.Stop(id)
}

func (s *Scraper) scrapeOnce(parent context.Context, id string) error {
	start := time.Now()

	d, err := s.store.GetDatabase(parent, id)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusRunning || d.Port == nil || d.PasswordEnc == nil {
		return nil // raced with a stop; next tick (or Stop) will settle this
	}

	adapter, err := s.engines.Lookup(d.Engine)
	if err != nil {
		return err
	}

	password, err := s.vault.Decrypt(*d.PasswordEnc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, scrapeTimeout)
	defer cancel()

	target := engine.Target{Host: "127.0.0.1", Port: *d.Port, Username: d.Username, Password: password, Database: d.Name}
	snap, err := adapter.CollectMetrics(ctx, target)
	ScrapeLatencySeconds.WithLabelValues(string(d.Engine)).Observe(time.Since(start).Seconds())
	if err != nil {
		ScrapeFailuresTotal.WithLabelValues(string(d.Engine)).Inc()
		return err
	}

	snap.ID = uuid.NewString()
	snap.DatabaseID = id
	s.applyRates(id, snap)

	if err := s.store.InsertMetricsSnapshot(parent, snap); err != nil {
		return err
	}
	s.broadcaster.Publish(id, snap)
	return nil
}

// applyRates computes queries_per_sec / ops_per_sec as the delta of the
// adapter-reported cumulative counters over wall-clock elapsed time between
// this scrape and the previous one, per spec.md §4.H.
func (s *Scraper) applyRates(id string, snap *domain.MetricsSnapshot) {
	s.mu.Lock()
	prev, ok := s.prev[id]
	s.prev[id] = counterState{at: snap.Timestamp, queries: snap.TotalQueries, commands: snap.TotalCommands}
	s.mu.Unlock()

	if !ok {
		return
	}
	elapsed := snap.Timestamp.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return
	}
	if snap.TotalQueries >= prev.queries {
		snap.QueriesPerSec = float64(snap.TotalQueries-prev.queries) / elapsed
	}
	if snap.TotalCommands >= prev.commands {
		snap.OpsPerSec = float64(snap.TotalCommands-prev.commands) / elapsed
	}
}
