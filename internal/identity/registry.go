package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store is the persistence interface the Registry needs.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
}

// Logger is the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// storeKey is the single record key the Registry owns in the store.
const storeKey = "identity"

// defaultDebounce collapses a burst of selection/alias writes into one
// invalidation callback.
const defaultDebounce = 500 * time.Millisecond

// persistedState is the single durable record for the registry.
type persistedState struct {
	StableToEntity map[string]string `json:"stable_to_entity"`
	EntityToStable map[string]string `json:"entity_to_stable"`
	Selection      map[string]bool   `json:"selection"`
	Aliases        map[string]string `json:"aliases"`
}

// Registry owns the durable mapping between volatile controller entity
// keys and stable external-facing device ids, plus per-entity selection
// flags and display aliases.
//
// Stable ids allocate lazily, persist immediately, and are never
// reassigned: orphaned entries are intentionally retained so a controller
// entity that temporarily disappears keeps its id.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	stableToEntity map[string]string
	entityToStable map[string]string
	selection      map[string]bool
	aliases        map[string]string

	store  Store
	logger Logger

	// onInvalidate fires (debounced) after any selection or alias change.
	onInvalidate func()
	debounce     time.Duration
	timer        *time.Timer
}

// NewRegistry creates a Registry, loading persisted state from the store.
// A load failure starts the registry empty and logs; it never fails the
// process.
func NewRegistry(ctx context.Context, store Store, debounce time.Duration, logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	r := &Registry{
		stableToEntity: make(map[string]string),
		entityToStable: make(map[string]string),
		selection:      make(map[string]bool),
		aliases:        make(map[string]string),
		store:          store,
		logger:         logger,
		debounce:       debounce,
	}
	r.load(ctx)
	return r
}

func (r *Registry) load(ctx context.Context) {
	data, ok, err := r.store.Load(ctx, storeKey)
	if err != nil {
		r.logger.Error("loading identity store failed, starting empty", "error", err)
		return
	}
	if !ok {
		r.logger.Info("no identity store record, starting fresh")
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Error("decoding identity store failed, starting empty", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state.StableToEntity != nil {
		r.stableToEntity = state.StableToEntity
	}
	if state.EntityToStable != nil {
		r.entityToStable = state.EntityToStable
	}
	if state.Selection != nil {
		r.selection = state.Selection
	}
	if state.Aliases != nil {
		r.aliases = state.Aliases
	}
	r.logger.Info("identity store loaded",
		"mappings", len(r.stableToEntity),
		"selected", len(r.selection),
	)
}

// SetOnInvalidate registers the debounced callback fired after selection
// or alias changes. Typically wired to the sync projection's cache
// invalidation.
func (r *Registry) SetOnInvalidate(fn func()) {
	r.mu.Lock()
	r.onInvalidate = fn
	r.mu.Unlock()
}

// StableID returns the stable id for an entity key, allocating one on
// first call. Allocation persists immediately.
//
// Allocation order dependence is accepted: the id depends on which
// entities were seen first, but ids allocate lazily on first selection
// (not on discovery) and are kept forever, so discovery-order instability
// before any selection exists is harmless.
func (r *Registry) StableID(ctx context.Context, entityKey string) string {
	r.mu.Lock()
	if id, ok := r.entityToStable[entityKey]; ok {
		r.mu.Unlock()
		return id
	}

	base := slugify(entityKey)
	id := base
	for n := 2; ; n++ {
		mapped, taken := r.stableToEntity[id]
		if !taken || mapped == entityKey {
			break
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
	r.stableToEntity[id] = entityKey
	r.entityToStable[entityKey] = id
	r.mu.Unlock()

	r.persist(ctx)
	r.logger.Debug("stable id allocated", "entity", entityKey, "stable_id", id)
	return id
}

// ResolveEntity returns the entity key for a stable id.
func (r *Registry) ResolveEntity(stableID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entityKey, ok := r.stableToEntity[stableID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotMapped, stableID)
	}
	return entityKey, nil
}

// SetSelected flags whether an entity is exposed to the voice assistant.
func (r *Registry) SetSelected(ctx context.Context, entityKey string, selected bool) {
	r.mu.Lock()
	r.selection[entityKey] = selected
	r.mu.Unlock()

	r.persist(ctx)
	r.scheduleInvalidate()
	r.logger.Info("device selection changed", "entity", entityKey, "selected", selected)
}

// BulkSetSelected applies a batch of selection changes with a single
// persist and one debounced invalidation.
func (r *Registry) BulkSetSelected(ctx context.Context, updates map[string]bool) {
	if len(updates) == 0 {
		return
	}
	r.mu.Lock()
	for entityKey, selected := range updates {
		r.selection[entityKey] = selected
	}
	r.mu.Unlock()

	r.persist(ctx)
	r.scheduleInvalidate()
	r.logger.Info("device selection bulk updated", "count", len(updates))
}

// Selected returns all entity keys currently flagged true, sorted for
// deterministic iteration.
func (r *Registry) Selected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.selection))
	for entityKey, selected := range r.selection {
		if selected {
			keys = append(keys, entityKey)
		}
	}
	sort.Strings(keys)
	return keys
}

// IsSelected reports whether an entity is exposed.
func (r *Registry) IsSelected(entityKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selection[entityKey]
}

// AutoSelectIfEmpty seeds the selection with up to limit of the given
// entities, but only when no selection exists at all. A no-op once any
// selection entry exists, even an all-false one.
func (r *Registry) AutoSelectIfEmpty(ctx context.Context, entityKeys []string, limit int) {
	r.mu.Lock()
	if len(r.selection) > 0 {
		r.mu.Unlock()
		return
	}
	for i, entityKey := range entityKeys {
		if i >= limit {
			break
		}
		r.selection[entityKey] = true
	}
	count := len(r.selection)
	r.mu.Unlock()

	if count == 0 {
		return
	}
	r.persist(ctx)
	r.scheduleInvalidate()
	r.logger.Info("auto-selected devices", "count", count, "limit", limit)
}

// SetAlias sets a display-name override for an entity. An empty name
// clears the alias.
func (r *Registry) SetAlias(ctx context.Context, entityKey, name string) {
	r.mu.Lock()
	if name == "" {
		delete(r.aliases, entityKey)
	} else {
		r.aliases[entityKey] = name
	}
	r.mu.Unlock()

	r.persist(ctx)
	r.scheduleInvalidate()
	r.logger.Info("device alias changed", "entity", entityKey)
}

// Alias returns the display-name override for an entity, if any.
func (r *Registry) Alias(entityKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.aliases[entityKey]
	return name, ok
}

// Snapshot returns copies of the selection and alias maps for the admin
// device list.
func (r *Registry) Snapshot() (selection map[string]bool, aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	selection = make(map[string]bool, len(r.selection))
	for k, v := range r.selection {
		selection[k] = v
	}
	aliases = make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		aliases[k] = v
	}
	return selection, aliases
}

// scheduleInvalidate arms (or re-arms) the debounce timer so N rapid
// writes trigger one invalidation.
func (r *Registry) scheduleInvalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onInvalidate == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	fn := r.onInvalidate
	r.timer = time.AfterFunc(r.debounce, fn)
}

// persist writes the whole registry state as one record. Failures are
// logged, never surfaced: a lost write costs re-allocation determinism,
// not correctness of the in-memory session.
func (r *Registry) persist(ctx context.Context) {
	r.mu.Lock()
	data, err := json.Marshal(persistedState{
		StableToEntity: r.stableToEntity,
		EntityToStable: r.entityToStable,
		Selection:      r.selection,
		Aliases:        r.aliases,
	})
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("encoding identity store failed", "error", err)
		return
	}
	if err := r.store.Save(ctx, storeKey, data); err != nil {
		r.logger.Error("persisting identity store failed", "error", err)
	}
}
