package projection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/controller"
)

// Controller is the slice of the controller client the builder needs.
type Controller interface {
	ListEntities(ctx context.Context) ([]controller.Entity, error)
	GetEntity(ctx context.Context, entityKey string) (controller.Entity, error)
}

// Identity is the registry surface the builder consumes.
type Identity interface {
	Selected() []string
	StableID(ctx context.Context, entityKey string) string
	ResolveEntity(stableID string) (string, error)
	Alias(entityKey string) (string, bool)
}

// Logger is the logging interface used by the builder.
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

// Config tunes the sync cache and payload size.
type Config struct {
	// CacheTTL bounds how long a built sync payload is served without
	// re-reading the controller.
	CacheTTL time.Duration

	// MaxDevices caps the sync payload. Devices beyond the cap are
	// dropped in reverse priority order.
	MaxDevices int
}

// SyncDevice is one device entry in the sync payload.
type SyncDevice struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Traits          []string       `json:"traits"`
	Name            map[string]any `json:"name"`
	WillReportState bool           `json:"willReportState"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

type snapshot struct {
	devices []SyncDevice
	builtAt time.Time
}

// Builder materializes the assistant-facing view of selected devices:
// the full device list for SYNC and per-device live state for QUERY.
//
// Sync payloads are cached behind an atomic pointer and rebuilt when the
// TTL lapses or a selection change invalidates them. Query always reads
// live.
type Builder struct {
	controller Controller
	identity   Identity
	cfg        Config
	logger     Logger
	cache      atomic.Pointer[snapshot]
	now        func() time.Time
}

// NewBuilder creates a projection builder.
func NewBuilder(ctrl Controller, identity Identity, cfg Config, logger Logger) *Builder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Builder{
		controller: ctrl,
		identity:   identity,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Invalidate drops the cached sync payload. Wired to the identity
// registry's debounced selection callback.
func (b *Builder) Invalidate() {
	b.cache.Store(nil)
	b.logger.Debug("sync cache invalidated")
}

// BuildSync returns the device list for the selected entities, serving
// the cached payload while fresh.
func (b *Builder) BuildSync(ctx context.Context) ([]SyncDevice, error) {
	if cached := b.cache.Load(); cached != nil && b.now().Sub(cached.builtAt) < b.cfg.CacheTTL {
		return cached.devices, nil
	}

	entities, err := b.controller.ListEntities(ctx)
	if err != nil {
		// Serve stale rather than failing the assistant's sync.
		if cached := b.cache.Load(); cached != nil {
			b.logger.Warn("controller unavailable, serving stale sync payload", "error", err)
			return cached.devices, nil
		}
		return nil, fmt.Errorf("listing entities: %w", err)
	}

	byKey := make(map[string]controller.Entity, len(entities))
	for _, ent := range entities {
		byKey[ent.Key] = ent
	}

	var devices []SyncDevice
	for _, entityKey := range b.identity.Selected() {
		ent, present := byKey[entityKey]
		if !present {
			b.logger.Debug("selected entity missing from controller", "entity", entityKey)
			continue
		}
		if ent.State == "unavailable" || ent.State == "unknown" {
			b.logger.Debug("selected entity unavailable, omitted from sync", "entity", entityKey)
			continue
		}
		deviceType, traits, attributes, ok := classify(ent)
		if !ok {
			continue
		}
		devices = append(devices, SyncDevice{
			ID:              b.identity.StableID(ctx, entityKey),
			Type:            deviceType,
			Traits:          traits,
			Name:            map[string]any{"name": b.displayName(ent)},
			WillReportState: false,
			Attributes:      attributes,
		})
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return priorityOf(devices[i]) < priorityOf(devices[j])
	})
	if b.cfg.MaxDevices > 0 && len(devices) > b.cfg.MaxDevices {
		b.logger.Warn("sync payload capped", "total", len(devices), "cap", b.cfg.MaxDevices)
		devices = devices[:b.cfg.MaxDevices]
	}

	b.cache.Store(&snapshot{devices: devices, builtAt: b.now()})
	b.logger.Info("sync payload built", "devices", len(devices))
	return devices, nil
}

// priorityOf orders the sync payload so climate devices lead, then
// lights and switches. When the device cap bites, the high-value
// controllables survive and sensors go first.
func priorityOf(d SyncDevice) int {
	switch d.Type {
	case TypeACUnit, TypeThermostat:
		return 0
	case TypeLight:
		return 1
	case TypeSwitch:
		return 2
	case TypeScene:
		return 3
	case TypeDoor:
		return 4
	default:
		return 5
	}
}

func (b *Builder) displayName(ent controller.Entity) string {
	if alias, ok := b.identity.Alias(ent.Key); ok {
		return alias
	}
	if friendly, ok := ent.Attributes["friendly_name"].(string); ok && friendly != "" {
		return friendly
	}
	// Fall back to a readable form of the key.
	name := ent.Key
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}

// BuildQuery returns live state for the requested device ids. Unknown
// or unreachable devices report online false instead of failing the
// whole query.
func (b *Builder) BuildQuery(ctx context.Context, deviceIDs []string) map[string]map[string]any {
	states := make(map[string]map[string]any, len(deviceIDs))
	for _, id := range deviceIDs {
		states[id] = b.queryDevice(ctx, id)
	}
	return states
}

func (b *Builder) queryDevice(ctx context.Context, deviceID string) map[string]any {
	offline := map[string]any{"online": false, "status": "OFFLINE"}

	entityKey, err := b.identity.ResolveEntity(deviceID)
	if err != nil {
		return offline
	}
	ent, err := b.controller.GetEntity(ctx, entityKey)
	if err != nil || ent.State == "unavailable" || ent.State == "unknown" {
		return offline
	}

	state := map[string]any{"online": true, "status": "SUCCESS"}
	switch ent.Domain() {
	case "light":
		state["on"] = ent.State == "on"
		if native, ok := asFloat(ent.Attributes["brightness"]); ok {
			state["brightness"] = int(math.Round(native * 100.0 / 255.0))
		}

	case "switch":
		state["on"] = ent.State == "on"

	case "climate":
		state["thermostatMode"] = assistantMode(ent.State)
		if target, ok := asFloat(ent.Attributes["temperature"]); ok {
			state["thermostatTemperatureSetpoint"] = target
		}
		if high, ok := asFloat(ent.Attributes["target_temp_high"]); ok {
			state["thermostatTemperatureSetpointHigh"] = high
		}
		if low, ok := asFloat(ent.Attributes["target_temp_low"]); ok {
			state["thermostatTemperatureSetpointLow"] = low
		}
		if ambient, ok := asFloat(ent.Attributes["current_temperature"]); ok {
			state["thermostatTemperatureAmbient"] = ambient
		}
		if fanMode, ok := ent.Attributes["fan_mode"].(string); ok {
			state["currentFanSpeedSetting"] = "speed_" + strings.ToLower(fanMode)
		}

	case "scene", "script":
		// Scenes report bare online status.

	case "binary_sensor":
		state["openPercent"] = 0
		if ent.State == "on" {
			state["openPercent"] = 100
		}

	case "sensor":
		if value, err := strconv.ParseFloat(ent.State, 64); err == nil {
			state["thermostatTemperatureAmbient"] = value
		}
	}
	return state
}

func assistantMode(hvac string) string {
	switch strings.ToLower(hvac) {
	case "heat_cool":
		return "heatcool"
	case "fan_only":
		return "fan-only"
	default:
		return strings.ToLower(hvac)
	}
}
