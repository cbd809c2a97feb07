package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"modelhub/internal/backend"
	"modelhub/internal/registry"
	"modelhub/internal/statsdb"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultModeGrace         = 5 * time.Second
	defaultBusyGrace         = 5 * time.Second
	defaultHealthInterval    = 15 * time.Second
	defaultHealthConcurrency = 4
	busyPollInterval         = 10 * time.Millisecond
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry *registry.Registry
	Adapters backend.Set
	Capacity int64
	Headroom int64
	// Modes maps preset names to ordered model ids.
	Modes       map[string][]string
	DefaultMode string
	// ModeGrace bounds how long a mode switch waits for victims to go idle.
	ModeGrace time.Duration
	// BusyGrace bounds how long an explicit unload waits for in-flight requests.
	BusyGrace         time.Duration
	HealthInterval    time.Duration
	HealthConcurrency int
	// Stats persists usage statistics; nil disables persistence.
	Stats     *statsdb.Store
	Publisher EventPublisher
	Logger    *zerolog.Logger
	// Registerer receives the manager's collectors; nil skips registration.
	Registerer prometheus.Registerer
}

func (c *ManagerConfig) applyDefaults() {
	if c.ModeGrace <= 0 {
		c.ModeGrace = defaultModeGrace
	}
	if c.BusyGrace <= 0 {
		c.BusyGrace = defaultBusyGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.HealthConcurrency <= 0 {
		c.HealthConcurrency = defaultHealthConcurrency
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
}
