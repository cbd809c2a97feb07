package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"modelhub/internal/backend"
	"modelhub/internal/ledger"
	"modelhub/internal/registry"
	"modelhub/internal/statsdb"
)

type Manager struct {
	reg       *registry.Registry
	ledger    *ledger.Ledger
	adapters  backend.Set
	stats     *statsdb.Store
	log       zerolog.Logger
	publisher EventPublisher
	metrics   *metrics

	modes       map[string][]string
	defaultMode string
	modeGrace   time.Duration
	busyGrace   time.Duration

	healthInterval    time.Duration
	healthConcurrency int

	// loads collapses concurrent loads of the same model into one call.
	loads singleflight.Group

	// switchMu serializes mode switches; modeMu guards mode.
	switchMu sync.Mutex
	modeMu   sync.RWMutex
	mode     modeState

	healthMu sync.RWMutex
	health   map[string]backend.Health

	loadsTotal     atomic.Int64
	evictionsTotal atomic.Int64
	startTime      time.Time
}

// New constructs a Manager. Every catalog model is tracked by the ledger;
// container models are pinned as loaded until a health probe says otherwise.
func New(cfg ManagerConfig) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.Registry == nil {
		return nil, fmt.Errorf("manager: registry is required")
	}
	if err := cfg.Registry.ValidateModes(cfg.Modes, cfg.Capacity, cfg.Headroom); err != nil {
		return nil, err
	}
	if cfg.DefaultMode != "" {
		if _, ok := cfg.Modes[cfg.DefaultMode]; !ok {
			return nil, fmt.Errorf("manager: default mode %q is not defined", cfg.DefaultMode)
		}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "manager").Logger()
	}
	m := &Manager{
		reg:               cfg.Registry,
		ledger:            ledger.New(cfg.Capacity, cfg.Headroom),
		adapters:          cfg.Adapters,
		stats:             cfg.Stats,
		log:               log,
		publisher:         cfg.Publisher,
		modes:             cfg.Modes,
		defaultMode:       cfg.DefaultMode,
		modeGrace:         cfg.ModeGrace,
		busyGrace:         cfg.BusyGrace,
		healthInterval:    cfg.HealthInterval,
		healthConcurrency: cfg.HealthConcurrency,
		mode:              modeState{status: ModeNone},
		health:            make(map[string]backend.Health),
		startTime:         time.Now(),
	}
	for _, d := range m.reg.List() {
		if _, err := m.adapters.For(d); err != nil {
			return nil, err
		}
		m.ledger.Track(d.ID, d.Kind, d.FootprintBytes)
		m.health[d.ID] = backend.Unknown
	}
	for _, d := range m.reg.Containers() {
		if err := m.ledger.Pin(d.ID, d.FootprintBytes, true); err != nil {
			return nil, err
		}
	}
	m.metrics = newMetrics(m)
	if cfg.Registerer != nil {
		if err := m.metrics.register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("manager: register metrics: %w", err)
		}
	}
	return m, nil
}

// SetEventPublisher replaces the event publisher. Passing nil restores the no-op one.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

// Warm seeds the ledger with persisted usage statistics.
func (m *Manager) Warm(ctx context.Context) error {
	recs, err := m.stats.List(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	for _, r := range recs {
		m.ledger.Seed(r.ModelID, r.LastUsed, r.TokensPerSec)
	}
	m.log.Debug().Int("models", len(recs)).Msg("manager event=stats_seeded")
	return nil
}

// Ready reports whether the manager can serve requests: the ledger holds its
// invariant and no mode switch is in progress.
func (m *Manager) Ready() bool {
	if err := m.ledger.Verify(); err != nil {
		return false
	}
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	return m.mode.status != ModeSwitching
}

// ListModels returns the catalog.
func (m *Manager) ListModels() []registry.Descriptor { return m.reg.List() }

// DefaultMode is the preset applied at startup, if any.
func (m *Manager) DefaultMode() string { return m.defaultMode }

// persistUsage writes the model's current usage stats; failures are logged.
func (m *Manager) persistUsage(id string) {
	if m.stats == nil {
		return
	}
	st, ok := m.ledger.Get(id)
	if !ok {
		return
	}
	if err := m.stats.Touch(context.Background(), id, st.LastUsed, st.TokensPerSec); err != nil {
		m.log.Warn().Err(err).Str("model", id).Msg("manager event=stats_write_failed")
	}
}
