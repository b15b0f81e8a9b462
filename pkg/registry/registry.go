// Package registry maps logical container ids to live embed instances and
// mirrors their bookkeeping into the session scope so that a restarted
// process knows which containers must be re-embedded.
//
// SDK handles cannot be serialized: after a restart the registry holds
// persisted entries but no live instances until each container is embedded
// again by its owner.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/txn2/embed-platform/internal/clock"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/persist"
)

const (
	// DefaultMaxAge is how long an unused instance survives cleanup.
	DefaultMaxAge = 30 * time.Minute

	// DefaultMaxEntries caps persisted entries per persistence key.
	DefaultMaxEntries = 10

	// DefaultConfigMaxAge is how old a durable config may be and still be
	// adopted on restore.
	DefaultConfigMaxAge = 24 * time.Hour

	// DefaultCleanupInterval is how often StartCleanupRoutine sweeps.
	DefaultCleanupInterval = 30 * time.Second

	// DefaultPersistenceKey namespaces storage keys when none is configured.
	DefaultPersistenceKey = "embed-platform"

	logKeyContainer = "container_id"
	logKeyError     = "error"
)

// PersistedEntry is the durable record backing a registry row.
type PersistedEntry struct {
	ContainerID string          `json:"containerId"`
	Kind        embed.Kind      `json:"kind"`
	EmbedConfig json.RawMessage `json:"embedConfig,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastUsedAt  time.Time       `json:"lastUsedAt"`
}

// Timestamp orders entries for capacity eviction.
func (e PersistedEntry) Timestamp() time.Time { return e.CreatedAt }

func lastUsed(e PersistedEntry) time.Time { return e.LastUsedAt }

// LiveInstance is an embedded instance owned by this process.
type LiveInstance struct {
	ContainerID string
	Kind        embed.Kind
	Handle      embed.Handle
	Container   embed.Container
	Config      embed.Config
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// GlobalConfig is the durable "{key}-config" record.
type GlobalConfig struct {
	Config    json.RawMessage `json:"config"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
}

// Snapshot is a diagnostic view of the registry.
type Snapshot struct {
	PersistenceKey string           `json:"persistence_key"`
	Initialized    bool             `json:"initialized"`
	Live           []string         `json:"live"`
	Persisted      []PersistedEntry `json:"persisted"`
}

// Registry is safe for concurrent use. Handle disposal happens outside the
// registry lock.
type Registry struct {
	mu        sync.RWMutex
	live      map[string]*LiveInstance
	persisted map[string]PersistedEntry

	store        *persist.Store
	key          string
	clock        clock.Clock
	maxAge       time.Duration
	maxEntries   int
	configMaxAge time.Duration

	initialized bool
	config      *GlobalConfig

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the persistence store. Without one the registry keeps its
// bookkeeping in a private in-memory store.
func WithStore(s *persist.Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithPersistenceKey namespaces storage keys, allowing independent
// registries to share a store.
func WithPersistenceKey(key string) Option {
	return func(r *Registry) {
		if key != "" {
			r.key = key
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithMaxAge sets the default age threshold for cleanup and restore.
func WithMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithMaxEntries caps the persisted entry map.
func WithMaxEntries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithConfigMaxAge bounds the age of an adoptable durable config.
func WithConfigMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.configMaxAge = d
		}
	}
}

// New creates a registry and restores any persisted state.
func New(opts ...Option) *Registry {
	r := &Registry{
		live:         make(map[string]*LiveInstance),
		persisted:    make(map[string]PersistedEntry),
		key:          DefaultPersistenceKey,
		clock:        clock.Real{},
		maxAge:       DefaultMaxAge,
		maxEntries:   DefaultMaxEntries,
		configMaxAge: DefaultConfigMaxAge,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = persist.New()
	}
	r.RestoreOnStartup()
	return r
}

// PersistenceKey returns the namespace of this registry.
func (r *Registry) PersistenceKey() string { return r.key }

func (r *Registry) configKey() string    { return r.key + "-config" }
func (r *Registry) instancesKey() string { return r.key + "-instances" }

// Register records a successfully embedded instance. Registering an id that
// is already live overwrites it; a replaced handle is disposed.
func (r *Registry) Register(containerID string, kind embed.Kind, handle embed.Handle, container embed.Container, cfg embed.Config) {
	now := r.clock.Now()

	r.mu.Lock()
	var replaced embed.Handle
	if prev, ok := r.live[containerID]; ok && prev.Handle != handle {
		replaced = prev.Handle
	}
	r.live[containerID] = &LiveInstance{
		ContainerID: containerID,
		Kind:        kind,
		Handle:      handle,
		Container:   container,
		Config:      cfg,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	r.mergeStoredLocked()
	r.persisted[containerID] = PersistedEntry{
		ContainerID: containerID,
		Kind:        kind,
		EmbedConfig: cfg.Marshal(),
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	r.writeEntriesLocked()
	r.mu.Unlock()

	if replaced != nil {
		disposeHandle(containerID, replaced)
	}
	slog.Debug("instance registered", logKeyContainer, containerID, "kind", string(kind))
}

// Lookup returns a copy of the live instance for containerID, or nil. It
// never materializes an instance from a persisted entry.
func (r *Registry) Lookup(containerID string) *LiveInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	li, ok := r.live[containerID]
	if !ok {
		return nil
	}
	out := *li
	return &out
}

// Persisted returns the persisted entry for containerID. An entry without a
// live instance means the container should be re-embedded by its owner.
func (r *Registry) Persisted(containerID string) (PersistedEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.persisted[containerID]
	return e, ok
}

// NeedsReembed reports whether containerID has persisted bookkeeping but no
// live instance.
func (r *Registry) NeedsReembed(containerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, live := r.live[containerID]
	_, persisted := r.persisted[containerID]
	return persisted && !live
}

// Touch marks containerID as used now.
func (r *Registry) Touch(containerID string) bool {
	return r.Reuse(containerID) != nil
}

// Reuse is Touch returning a copy of the touched instance, or nil when
// containerID has no live instance.
func (r *Registry) Reuse(containerID string) *LiveInstance {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	li, ok := r.live[containerID]
	if !ok {
		return nil
	}
	li.LastUsedAt = now
	if e, ok := r.persisted[containerID]; ok {
		e.LastUsedAt = now
		r.persisted[containerID] = e
		r.writeEntriesLocked()
	}
	out := *li
	return &out
}

// Remove clears the container, unsubscribes the handle's events, disposes
// the handle and deletes both the live instance and its persisted entry. It
// reports whether anything was removed.
func (r *Registry) Remove(containerID string) bool {
	r.mu.Lock()
	li, live := r.live[containerID]
	_, persisted := r.persisted[containerID]
	delete(r.live, containerID)
	if persisted {
		delete(r.persisted, containerID)
		r.writeEntriesLocked()
	}
	r.mu.Unlock()

	if live {
		dispose(li)
	}
	return live || persisted
}

// CleanupOldInstances removes every live instance unused for longer than
// maxAge (the registry default when maxAge <= 0) and drops aged persisted
// entries. It returns the removed container ids, sorted.
func (r *Registry) CleanupOldInstances(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = r.maxAge
	}
	now := r.clock.Now()

	r.mu.Lock()
	var stale []*LiveInstance
	for id, li := range r.live {
		if now.Sub(li.LastUsedAt) > maxAge {
			stale = append(stale, li)
			delete(r.live, id)
			delete(r.persisted, id)
		}
	}
	kept, evicted := persist.EvictStale(r.persisted, now, maxAge, lastUsed)
	changed := len(stale) > 0 || len(evicted) > 0
	r.persisted = kept
	if changed {
		r.writeEntriesLocked()
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(stale))
	for _, li := range stale {
		dispose(li)
		removed = append(removed, li.ContainerID)
	}
	sort.Strings(removed)
	if changed {
		slog.Info("aged instances cleaned up", "removed", len(removed), "evicted_entries", len(evicted))
	}
	return removed
}

// CleanupAll disposes every live instance, e.g. before the host tears down.
// Persisted entries are kept so the next process can restore them.
func (r *Registry) CleanupAll() int {
	r.mu.Lock()
	all := make([]*LiveInstance, 0, len(r.live))
	for _, li := range r.live {
		all = append(all, li)
	}
	r.live = make(map[string]*LiveInstance)
	r.mu.Unlock()

	for _, li := range all {
		dispose(li)
	}
	return len(all)
}

// RestoreOnStartup adopts a durable config younger than the config max age,
// marking the registry initialized, and loads the persisted entry map,
// evicting aged entries. New calls it; calling it again reloads storage.
func (r *Registry) RestoreOnStartup() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var cfg GlobalConfig
	if r.store.Get(persist.Durable, r.configKey(), &cfg) {
		if now.Sub(cfg.Timestamp) < r.configMaxAge {
			r.config = &cfg
			r.initialized = true
			slog.Info("restored persisted config", "persistence_key", r.key, "version", cfg.Version)
		} else {
			r.store.Remove(persist.Durable, r.configKey())
			slog.Info("discarded stale persisted config", "persistence_key", r.key, "age", now.Sub(cfg.Timestamp))
		}
	}

	var entries map[string]PersistedEntry
	if !r.store.Get(persist.Session, r.instancesKey(), &entries) {
		return
	}
	kept, evicted := persist.EvictStale(entries, now, r.maxAge, lastUsed)
	kept = persist.Cap(kept, r.maxEntries)
	r.persisted = kept
	if len(kept) != len(entries) {
		r.writeEntriesLocked()
	}
	slog.Info("restored persisted instances",
		"persistence_key", r.key, "entries", len(kept), "evicted", len(evicted))
}

// SaveConfig persists cfg as the durable global config and marks the
// registry initialized.
func (r *Registry) SaveConfig(cfg any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	version := 1
	if r.config != nil {
		version = r.config.Version + 1
	}
	r.config = &GlobalConfig{Config: data, Timestamp: r.clock.Now(), Version: version}
	r.initialized = true
	r.store.Set(persist.Durable, r.configKey(), r.config)
	return nil
}

// Config returns the adopted global config, or nil.
func (r *Registry) Config() *GlobalConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.config == nil {
		return nil
	}
	out := *r.config
	return &out
}

// Initialized reports whether a global config has been saved or restored.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Snapshot returns a sorted diagnostic view.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		PersistenceKey: r.key,
		Initialized:    r.initialized,
		Live:           make([]string, 0, len(r.live)),
		Persisted:      make([]PersistedEntry, 0, len(r.persisted)),
	}
	for id := range r.live {
		s.Live = append(s.Live, id)
	}
	for _, e := range r.persisted {
		s.Persisted = append(s.Persisted, e)
	}
	sort.Strings(s.Live)
	sort.Slice(s.Persisted, func(i, j int) bool {
		return s.Persisted[i].ContainerID < s.Persisted[j].ContainerID
	})
	return s
}

// StartCleanupRoutine runs CleanupOldInstances with the default max age
// every interval of the registry clock until Close is called.
func (r *Registry) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	r.mu.Lock()
	if r.cleanupCancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cleanupCancel = cancel
	r.cleanupDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for r.clock.Sleep(ctx, interval) == nil {
			r.CleanupOldInstances(0)
		}
	}()
}

// Close stops the cleanup routine and disposes all live instances.
// Persisted entries are left in place for the next process.
func (r *Registry) Close() error {
	r.mu.Lock()
	cancel, done := r.cleanupCancel, r.cleanupDone
	r.cleanupCancel, r.cleanupDone = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	r.CleanupAll()
	return nil
}

// mergeStoredLocked adopts entries another writer placed under the same
// persistence key so a subsequent write does not discard them.
func (r *Registry) mergeStoredLocked() {
	var stored map[string]PersistedEntry
	if !r.store.Get(persist.Session, r.instancesKey(), &stored) {
		return
	}
	for id, e := range stored {
		if _, ok := r.persisted[id]; !ok {
			r.persisted[id] = e
		}
	}
}

func (r *Registry) writeEntriesLocked() {
	r.persisted = persist.SetWithCap(r.store, persist.Session, r.instancesKey(), r.persisted, r.maxEntries)
}

func dispose(li *LiveInstance) {
	if li.Container != nil {
		li.Container.Clear()
	}
	if li.Handle != nil {
		disposeHandle(li.ContainerID, li.Handle)
	}
}

func disposeHandle(containerID string, h embed.Handle) {
	for _, ev := range embed.Events {
		h.Off(ev)
	}
	if err := h.Close(); err != nil && !errors.Is(err, embed.ErrClosed) {
		slog.Warn("closing embed handle", logKeyContainer, containerID, logKeyError, err)
	}
}
