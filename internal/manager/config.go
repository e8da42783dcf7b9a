package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/filter"
	"inferd/internal/keys"
	"inferd/internal/metering"
	"inferd/internal/queue"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultSaveTimeout = 5 * time.Second
)

// KeyLedger owns caller balances. Debit checks and takes amount from the
// balance of k atomically and returns the remainder; Save persists the record
// after each turn.
type KeyLedger interface {
	Debit(k *keys.APIKey, amount float64) (float64, error)
	Save(ctx context.Context, k *keys.APIKey) error
}

// Retriever fetches web content for scrape_website.
type Retriever interface {
	Scrape(ctx context.Context, urls []string) (string, error)
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Logger   zerolog.Logger
	Services map[string]config.ServiceConfig
	Models   map[string]config.ModelConfig
	Filters  config.Filters

	Backends *backend.Registry
	// Queues defaults to a fresh registry.
	Queues *queue.Registry
	// Keys defaults to an in-memory ledger that never persists.
	Keys KeyLedger
	// Pricer defaults to metering.NewPricer(nil, nil).
	Pricer    *metering.Pricer
	Retriever Retriever
	Publisher EventPublisher

	SaveTimeout time.Duration
}

// memoryLedger debits records in place under one lock and drops saves.
type memoryLedger struct{ mu sync.Mutex }

func (l *memoryLedger) Debit(k *keys.APIKey, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := metering.Debit(k.Tokens, amount)
	if err != nil {
		return bal, err
	}
	k.Tokens = bal
	return bal, nil
}

func (*memoryLedger) Save(context.Context, *keys.APIKey) error { return nil }

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		services:  cfg.Services,
		models:    cfg.Models,
		backends:  cfg.Backends,
		queues:    cfg.Queues,
		keys:      cfg.Keys,
		pricer:    cfg.Pricer,
		retriever: cfg.Retriever,
		events:    cfg.Publisher,
		saveTO:    cfg.SaveTimeout,
		loaded:    make(map[string]bool),
		loadErr:   make(map[string]string),
		startTime: time.Now(),
	}
	// Apply defaults if unset
	if m.services == nil {
		m.services = map[string]config.ServiceConfig{}
	}
	if m.models == nil {
		m.models = map[string]config.ModelConfig{}
	}
	if m.backends == nil {
		m.backends = backend.NewRegistry()
	}
	if m.queues == nil {
		m.queues = queue.NewRegistry()
	}
	if m.keys == nil {
		m.keys = &memoryLedger{}
	}
	if m.pricer == nil {
		m.pricer = metering.NewPricer(nil, nil)
	}
	if m.events == nil {
		m.events = noopPublisher{}
	}
	if m.saveTO <= 0 {
		m.saveTO = defaultSaveTimeout
	}
	m.filters = filter.New(cfg.Logger, m.queues, m, cfg.Filters)
	return m
}
