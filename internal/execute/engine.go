package execute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/controller"
	"github.com/voxbridge/voxbridge-core/internal/retry"
)

// Verification tolerances in controller-native units.
const (
	brightnessTolerance  = 5
	temperatureTolerance = 0.1
)

// Controller is the slice of the controller client the engine needs.
type Controller interface {
	GetEntity(ctx context.Context, entityKey string) (controller.Entity, error)
	CallService(ctx context.Context, domain, action, entityKey string, params map[string]any) error
}

// Resolver maps stable device ids back to controller entity keys.
type Resolver interface {
	ResolveEntity(stableID string) (string, error)
}

// Announcer publishes execution outcomes to local subscribers. Optional.
type Announcer interface {
	ExecutionResult(deviceID, command, status string)
}

// Recorder persists execution history for later analysis. Optional.
type Recorder interface {
	Record(deviceID, command, status string, latency time.Duration, attempts int)
}

// Logger is the logging interface used by the engine.
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

// Config tunes retry, settle and verification behavior.
type Config struct {
	Retries     int
	RetryDelay  time.Duration
	SettleDelay time.Duration
	VerifyDelay time.Duration

	// Strict fails a command whose post-call state check does not
	// converge. Lenient (the default) trusts the controller accepted
	// the call and reports the observed state.
	Strict bool

	// DefaultThermostatMode applies when the assistant requests a mode
	// the device's mapping table does not cover.
	DefaultThermostatMode string

	FanCacheTTL time.Duration
}

// Command is one assistant execution instruction: a set of target
// devices and the directives to apply to each.
type Command struct {
	DeviceIDs  []string
	Directives []Directive
}

// Outcome is the per-device execution result.
type Outcome struct {
	DeviceID string
	Status   string
	States   map[string]any
}

// Engine executes assistant commands against the controller.
//
// Directives for the same device run sequentially in submission order;
// distinct devices run concurrently. Execute blocks until every device
// has finished.
type Engine struct {
	controller Controller
	resolver   Resolver
	cfg        Config
	fanModes   *fanModeCache
	announcer  Announcer
	recorder   Recorder
	logger     Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

// NewEngine creates an execution engine. announcer and recorder may be
// nil.
func NewEngine(ctrl Controller, resolver Resolver, cfg Config, announcer Announcer, recorder Recorder, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.DefaultThermostatMode == "" {
		cfg.DefaultThermostatMode = "auto"
	}
	now := time.Now
	return &Engine{
		controller: ctrl,
		resolver:   resolver,
		cfg:        cfg,
		fanModes:   newFanModeCache(cfg.FanCacheTTL, now),
		announcer:  announcer,
		recorder:   recorder,
		logger:     logger,
		now:        now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Execute runs a batch of commands and returns one outcome per target
// device, in first-seen device order.
func (e *Engine) Execute(ctx context.Context, commands []Command) []Outcome {
	// Expand to per-device directive queues, preserving submission
	// order and dropping duplicate device ids within a command.
	var order []string
	queues := make(map[string][]Directive)
	for _, cmd := range commands {
		seen := make(map[string]bool, len(cmd.DeviceIDs))
		for _, id := range cmd.DeviceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, known := queues[id]; !known {
				order = append(order, id)
			}
			queues[id] = append(queues[id], cmd.Directives...)
		}
	}

	// Resolve ids before fanning out. An unknown id is dropped, not
	// failed: the device may have been deselected mid-flight.
	targets := make([]string, 0, len(order))
	entities := make(map[string]string, len(order))
	for _, id := range order {
		entityKey, err := e.resolver.ResolveEntity(id)
		if err != nil {
			e.logger.Warn("unknown device in command, skipping", "device", id)
			continue
		}
		targets = append(targets, id)
		entities[id] = entityKey
	}

	results := make(map[string]Outcome, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(deviceID, entityKey string, directives []Directive) {
			defer wg.Done()
			outcome := e.runDevice(ctx, deviceID, entityKey, directives)
			mu.Lock()
			results[deviceID] = outcome
			mu.Unlock()
		}(id, entities[id], queues[id])
	}
	wg.Wait()

	out := make([]Outcome, 0, len(targets))
	for _, id := range targets {
		out = append(out, results[id])
	}
	return out
}

// runDevice applies a device's directive queue sequentially, stopping at
// the first failure.
func (e *Engine) runDevice(ctx context.Context, deviceID, entityKey string, directives []Directive) Outcome {
	outcome := Outcome{DeviceID: deviceID, Status: StatusSuccess, States: map[string]any{"online": true}}

	// Pre-flight read retries like the dispatch path so a transient
	// controller hiccup does not fail the whole device.
	var ent controller.Entity
	err := retry.Do(ctx, e.cfg.Retries, e.cfg.RetryDelay, func() error {
		var readErr error
		ent, readErr = e.controller.GetEntity(ctx, entityKey)
		return readErr
	})
	if err != nil || offline(ent.State) {
		e.logger.Warn("device offline before execution", "device", deviceID, "entity", entityKey)
		return e.finish(deviceID, "", Outcome{DeviceID: deviceID, Status: StatusDeviceOffline}, 0, 0)
	}

	for _, d := range directives {
		start := e.now()
		attempts, err := e.applyDirective(ctx, entityKey, ent, d, outcome.States)
		latency := e.now().Sub(start)
		if err != nil {
			outcome.Status = statusFor(err)
			outcome.States = nil
			return e.finish(deviceID, d.Command, outcome, latency, attempts)
		}
		e.finish(deviceID, d.Command, Outcome{DeviceID: deviceID, Status: StatusSuccess}, latency, attempts)
	}
	return outcome
}

// finish fires the announcer and recorder hooks and passes the outcome
// through.
func (e *Engine) finish(deviceID, command string, outcome Outcome, latency time.Duration, attempts int) Outcome {
	if e.announcer != nil {
		e.announcer.ExecutionResult(deviceID, command, outcome.Status)
	}
	if e.recorder != nil {
		e.recorder.Record(deviceID, command, outcome.Status, latency, attempts)
	}
	return outcome
}

var errVerifyFailed = errors.New("state verification failed")

func statusFor(err error) string {
	switch {
	case errors.Is(err, ErrCommandNotSupported):
		return StatusCommandNotSupported
	case errors.Is(err, ErrProtocolError):
		return StatusProtocolError
	case errors.Is(err, controller.ErrEntityNotFound),
		errors.Is(err, controller.ErrControllerUnavailable):
		return StatusDeviceOffline
	default:
		return StatusDeviceNotResponding
	}
}

func offline(state string) bool {
	return state == "unavailable" || state == "unknown"
}

// applyDirective maps one directive onto a controller service call,
// retries the call, then runs the two-stage state check. On success it
// merges reported states into states.
func (e *Engine) applyDirective(ctx context.Context, entityKey string, ent controller.Entity, d Directive, states map[string]any) (int, error) {
	call, err := e.buildCall(ctx, entityKey, ent, d)
	if err != nil {
		return 0, err
	}

	attempts := 0
	err = retry.Do(ctx, e.cfg.Retries, e.cfg.RetryDelay, func() error {
		attempts++
		return e.controller.CallService(ctx, call.domain, call.action, entityKey, call.params)
	})
	if err != nil {
		e.logger.Error("service call failed", "entity", entityKey, "service", call.domain+"."+call.action, "error", err)
		return attempts, err
	}

	if call.verify == nil {
		call.report(states, ent)
		return attempts, nil
	}

	// Give the device time to settle, then check. One more short wait
	// before the final read covers slow actuators.
	e.sleep(ctx, e.cfg.SettleDelay)
	observed, err := e.controller.GetEntity(ctx, entityKey)
	if err == nil && call.verify(observed) {
		call.report(states, observed)
		return attempts, nil
	}

	e.sleep(ctx, e.cfg.VerifyDelay)
	observed, err = e.controller.GetEntity(ctx, entityKey)
	if err == nil && call.verify(observed) {
		call.report(states, observed)
		return attempts, nil
	}

	if e.cfg.Strict {
		e.logger.Warn("strict verification failed", "entity", entityKey, "command", d.Command)
		return attempts, errVerifyFailed
	}
	// Lenient: the controller accepted the call, report what the
	// device actually shows.
	if err == nil {
		call.report(states, observed)
	}
	e.logger.Debug("verification did not converge, reporting observed state",
		"entity", entityKey, "command", d.Command)
	return attempts, nil
}

// serviceCall carries one mapped controller call plus its verification
// predicate and state reporter.
type serviceCall struct {
	domain string
	action string
	params map[string]any

	// verify returns true when the observed entity reflects the
	// directive. Nil skips verification (fire-and-forget calls).
	verify func(controller.Entity) bool

	// report merges assistant-facing state fields from the observed
	// entity.
	report func(states map[string]any, ent controller.Entity)
}

func (e *Engine) buildCall(ctx context.Context, entityKey string, ent controller.Entity, d Directive) (serviceCall, error) {
	domain := ent.Domain()
	switch d.Kind {
	case KindOnOff:
		return onOffCall(domain, d.On)

	case KindBrightness:
		if domain != "light" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		native := brightnessToNative(d.BrightnessPct)
		return serviceCall{
			domain: "light",
			action: "turn_on",
			params: map[string]any{"brightness": native},
			verify: func(obs controller.Entity) bool {
				got, ok := attrInt(obs, "brightness")
				return obs.State == "on" && ok && abs(got-native) <= brightnessTolerance
			},
			report: func(states map[string]any, obs controller.Entity) {
				states["on"] = obs.State == "on"
				if got, ok := attrInt(obs, "brightness"); ok {
					states["brightness"] = int(math.Round(float64(got) * 100.0 / 255.0))
				}
			},
		}, nil

	case KindFanSpeed:
		if domain != "climate" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		mode, err := e.resolveFanMode(ctx, entityKey, ent, d.FanSpeed)
		if err != nil {
			return serviceCall{}, err
		}
		return serviceCall{
			domain: "climate",
			action: "set_fan_mode",
			params: map[string]any{"fan_mode": mode},
			verify: func(obs controller.Entity) bool {
				got, ok := attrString(obs, "fan_mode")
				return ok && strings.EqualFold(got, mode)
			},
			report: func(states map[string]any, obs controller.Entity) {
				if got, ok := attrString(obs, "fan_mode"); ok {
					states["currentFanSpeedSetting"] = "speed_" + strings.ToLower(got)
				}
			},
		}, nil

	case KindThermostatMode:
		if domain != "climate" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		hvac, ok := thermostatModes[strings.ToLower(d.Mode)]
		if !ok {
			hvac = e.cfg.DefaultThermostatMode
		}
		return serviceCall{
			domain: "climate",
			action: "set_hvac_mode",
			params: map[string]any{"hvac_mode": hvac},
			verify: func(obs controller.Entity) bool {
				return strings.EqualFold(obs.State, hvac)
			},
			report: func(states map[string]any, obs controller.Entity) {
				states["thermostatMode"] = assistantMode(obs.State)
			},
		}, nil

	case KindThermostatSetpoint:
		if domain != "climate" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		target := d.Setpoint
		return serviceCall{
			domain: "climate",
			action: "set_temperature",
			params: map[string]any{"temperature": target},
			verify: func(obs controller.Entity) bool {
				got, ok := attrFloat(obs, "temperature")
				return ok && math.Abs(got-target) <= temperatureTolerance
			},
			report: func(states map[string]any, obs controller.Entity) {
				if got, ok := attrFloat(obs, "temperature"); ok {
					states["thermostatTemperatureSetpoint"] = got
				}
			},
		}, nil

	case KindThermostatRange:
		if domain != "climate" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		high, low := d.RangeHigh, d.RangeLow
		return serviceCall{
			domain: "climate",
			action: "set_temperature",
			params: map[string]any{"target_temp_high": high, "target_temp_low": low},
			verify: func(obs controller.Entity) bool {
				gotH, okH := attrFloat(obs, "target_temp_high")
				gotL, okL := attrFloat(obs, "target_temp_low")
				return okH && okL &&
					math.Abs(gotH-high) <= temperatureTolerance &&
					math.Abs(gotL-low) <= temperatureTolerance
			},
			report: func(states map[string]any, obs controller.Entity) {
				if got, ok := attrFloat(obs, "target_temp_high"); ok {
					states["thermostatTemperatureSetpointHigh"] = got
				}
				if got, ok := attrFloat(obs, "target_temp_low"); ok {
					states["thermostatTemperatureSetpointLow"] = got
				}
			},
		}, nil

	case KindActivateScene:
		if domain != "scene" && domain != "script" {
			return serviceCall{}, errUnsupported(domain, d.Command)
		}
		action := "turn_on"
		if !d.On {
			if domain == "scene" {
				// Scenes are one-shot, there is nothing to deactivate.
				return serviceCall{}, errUnsupported(domain, d.Command)
			}
			action = "turn_off"
		}
		// Fire-and-forget: neither scenes nor scripts hold a state
		// worth verifying.
		return serviceCall{
			domain: domain,
			action: action,
			params: map[string]any{},
			report: func(states map[string]any, _ controller.Entity) {},
		}, nil
	}
	return serviceCall{}, errUnsupported(domain, d.Command)
}

func onOffCall(domain string, on bool) (serviceCall, error) {
	switch domain {
	case "light", "switch", "fan", "climate", "script":
	default:
		return serviceCall{}, errUnsupported(domain, CmdOnOff)
	}
	action := "turn_off"
	wantState := "off"
	if on {
		action = "turn_on"
		wantState = "on"
	}
	verify := func(obs controller.Entity) bool {
		if domain == "climate" {
			// Climate "on" means any active HVAC mode.
			if on {
				return obs.State != "off" && !offline(obs.State)
			}
			return obs.State == "off"
		}
		return obs.State == wantState
	}
	return serviceCall{
		domain: domain,
		action: action,
		params: map[string]any{},
		verify: verify,
		report: func(states map[string]any, obs controller.Entity) {
			states["on"] = obs.State != "off" && !offline(obs.State)
		},
	}, nil
}

// resolveFanMode matches the requested speed against the device's
// advertised fan modes, reading them through the per-entity cache.
func (e *Engine) resolveFanMode(ctx context.Context, entityKey string, ent controller.Entity, requested string) (string, error) {
	modes, ok := e.fanModes.get(entityKey)
	if !ok {
		modes = fanModesOf(ent)
		if len(modes) == 0 {
			// The prefetched entity may be stale, re-read once.
			if fresh, err := e.controller.GetEntity(ctx, entityKey); err == nil {
				modes = fanModesOf(fresh)
			}
		}
		e.fanModes.put(entityKey, modes)
	}
	mode, matched := matchFanMode(requested, modes)
	if !matched {
		return "", fmt.Errorf("%w: fan speed %s", ErrCommandNotSupported, requested)
	}
	return mode, nil
}

func fanModesOf(ent controller.Entity) []string {
	raw, ok := ent.Attributes["fan_modes"].([]any)
	if !ok {
		return nil
	}
	modes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			modes = append(modes, s)
		}
	}
	return modes
}

// assistantMode translates a controller HVAC state back into the
// assistant's mode vocabulary.
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

func errUnsupported(domain, command string) error {
	return fmt.Errorf("%w: %s on %s", ErrCommandNotSupported, command, domain)
}

func attrFloat(ent controller.Entity, key string) (float64, bool) {
	return asFloat(ent.Attributes[key])
}

func attrInt(ent controller.Entity, key string) (int, bool) {
	f, ok := asFloat(ent.Attributes[key])
	return int(math.Round(f)), ok
}

func attrString(ent controller.Entity, key string) (string, bool) {
	s, ok := ent.Attributes[key].(string)
	return s, ok
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
