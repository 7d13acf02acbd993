// Package memory is the public operation surface of the knowledge engine.
//
// A Memory owns every store under one root directory: record files, the
// index, the episodic log, the target registry and the lock file. Writes
// run in transactions serialized across processes; decay and reflection
// run as passes that take the lock only for their final write.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sl4m3/ledgermind-sub000/internal/audit"
	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/conflict"
	"github.com/sl4m3/ledgermind-sub000/internal/decay"
	"github.com/sl4m3/ledgermind-sub000/internal/embed"
	"github.com/sl4m3/ledgermind-sub000/internal/episodic"
	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/lifecycle"
	"github.com/sl4m3/ledgermind-sub000/internal/lock"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/names"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
	"github.com/sl4m3/ledgermind-sub000/internal/reflection"
	"github.com/sl4m3/ledgermind-sub000/internal/search"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
	"github.com/sl4m3/ledgermind-sub000/internal/vectorsearch"
)

// Files and directories under the storage root.
const (
	SemanticDir  = "semantic"
	IndexFile    = "semantic_meta.db"
	EpisodicFile = "episodic.db"
	LockFile     = ".lock"
	TargetsFile  = "targets.yaml"
)

// Memory is an open knowledge store.
type Memory struct {
	cfg       *config.Config
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	validate  *validator.Validate
	now       func() time.Time

	locks     *lock.Manager
	index     *index.Index
	events    *episodic.Store
	records   *records.Store
	names     *names.Registry
	txns      *txn.Manager
	audit     audit.Backend
	embedder  embed.Embedder
	vectors   *vectorsearch.Embedder
	conflicts *conflict.Engine
	lifecycle *lifecycle.Engine
	decay     *decay.Engine
	reflect   *reflection.Engine
	search    *search.Engine

	embedderSet bool

	// passMu serializes decay and reflection passes in this process.
	passMu       sync.Mutex
	decayPlanned map[string]time.Time
}

// Option customizes Open.
type Option func(*Memory)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// WithEmbedder replaces the embedder built from the configuration. A nil
// embedder disables vector search.
func WithEmbedder(e embed.Embedder) Option {
	return func(m *Memory) {
		m.embedder = e
		m.embedderSet = true
	}
}

// WithAudit replaces the audit backend built from the configuration.
func WithAudit(b audit.Backend) Option {
	return func(m *Memory) { m.audit = b }
}

// WithClock sets the time source for new events, records and passes.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Open opens or creates the store rooted at cfg.Root. The index is
// verified against the record files and rebuilt if it drifted before the
// first query is served.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Memory, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	}

	root := cfg.Root
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}

	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.decisions = logging.NewDecisionLogger(root, cfg.Logging.Level)
	m.validate = newValidator()

	m.locks, err = lock.New(lock.Config{
		Path:            filepath.Join(root, LockFile),
		Timeout:         cfg.Lock.Timeout,
		StaleAfter:      cfg.Lock.StaleAfter,
		InitialInterval: cfg.Lock.InitialBackoff,
		MaxInterval:     cfg.Lock.MaxBackoff,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	if m.records, err = records.New(filepath.Join(root, SemanticDir), m.logger); err != nil {
		return nil, err
	}
	m.records.SetClock(m.now)
	if m.index, err = index.Open(ctx, filepath.Join(root, IndexFile), m.logger); err != nil {
		return nil, err
	}
	if m.events, err = episodic.Open(ctx, filepath.Join(root, EpisodicFile), m.logger); err != nil {
		return nil, err
	}
	if m.names, err = names.Load(filepath.Join(root, TargetsFile)); err != nil {
		return nil, err
	}

	if m.audit == nil {
		if cfg.Audit.Git {
			m.audit, err = audit.NewGit(ctx, m.records.Root(), cfg.Audit.Timeout, m.logger)
			if err != nil {
				return nil, err
			}
		} else {
			m.audit = audit.Nop{}
		}
	}
	m.txns = txn.NewManager(m.locks, m.index, m.audit, m.records.Root(), m.logger)

	if !m.embedderSet {
		if m.embedder, err = embed.New(cfg.Embedding, m.logger); err != nil {
			return nil, err
		}
	}
	m.vectors = vectorsearch.NewEmbedder(m.embedder)

	m.conflicts = conflict.NewEngine(m.names, m.decisions, m.logger)
	m.lifecycle = lifecycle.NewEngine(lifecycleConfig(cfg))
	m.decay = decay.NewEngine(decayConfig(cfg), m.lifecycle, m.events, semanticStore{m}, m.logger, m.decisions)
	m.decay.SetClock(m.now)
	m.reflect = reflection.NewEngine(reflectionConfig(cfg), m.events, proposalStore{m}, uuid.NewString, m.logger, m.decisions)
	m.reflect.SetClock(m.now)
	m.search = search.NewEngine(search.Config{
		K:            cfg.Search.RRFK,
		Overfetch:    cfg.Search.Overfetch,
		MaxDepth:     cfg.Search.MaxDepth,
		DefaultLimit: cfg.Search.DefaultLimit,
	}, m.index, m.records, m.vectors, m.events, m.logger)

	if _, err := m.VerifyIndex(ctx); err != nil {
		return nil, fmt.Errorf("verifying index: %w", err)
	}
	m.logger.Debug("memory opened", "root", root, "vectors", m.vectors.Available())
	return m, nil
}

func lifecycleConfig(cfg *config.Config) lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.DecayingAfter = cfg.Lifecycle.DecayingAfter
	lc.DormantAfter = cfg.Lifecycle.DormantAfter
	return lc
}

func decayConfig(cfg *config.Config) decay.Config {
	return decay.Config{
		EpisodicTTL:        cfg.Decay.EpisodicTTL,
		RatePerWeek:        cfg.Decay.RatePerWeek,
		DormantRatePerWeek: cfg.Decay.DormantRatePerWeek,
		ForgetThreshold:    cfg.Decay.ForgetThreshold,
		DeprecateThreshold: cfg.Decay.DeprecateThreshold,
	}
}

func reflectionConfig(cfg *config.Config) reflection.Config {
	return reflection.Config{
		Namespace:           cfg.Namespace,
		Lookback:            cfg.Reflection.Lookback,
		MinErrors:           cfg.Reflection.MinErrors,
		ReviewThreshold:     cfg.Reflection.ReviewThreshold,
		AutoAcceptThreshold: cfg.Reflection.AutoAcceptThreshold,
		ObservationWindow:   cfg.Reflection.ObservationWindow,
		Blacklist:           cfg.Reflection.Blacklist,
	}
}

// Close releases every store. It is safe to call on a partially opened
// Memory.
func (m *Memory) Close() error {
	var errs []error
	if m.index != nil {
		errs = append(errs, m.index.Close())
	}
	if m.events != nil {
		errs = append(errs, m.events.Close())
	}
	if closer, ok := m.embedder.(embed.Closer); ok {
		errs = append(errs, closer.Close())
	}
	m.decisions.Close()
	return errors.Join(errs...)
}

// Ping checks that the index and the episodic log answer.
func (m *Memory) Ping(ctx context.Context) error {
	if err := m.index.Ping(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := m.events.Ping(ctx); err != nil {
		return fmt.Errorf("episodic log: %w", err)
	}
	return nil
}

// Config returns the configuration the store was opened with.
func (m *Memory) Config() *config.Config {
	return m.cfg
}

// Logger returns the operational logger.
func (m *Memory) Logger() *slog.Logger {
	return m.logger
}

// RecordsDir returns the directory holding the record files.
func (m *Memory) RecordsDir() string {
	return m.records.Root()
}

func (m *Memory) namespace(ns string) (string, error) {
	if ns == "" {
		return m.cfg.Namespace, nil
	}
	if !records.ValidSegment(ns) {
		return "", &ValidationError{Field: "namespace", Reason: fmt.Sprintf("%q is not a valid namespace", ns)}
	}
	return ns, nil
}
