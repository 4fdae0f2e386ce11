package execute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/controller"
)

type recordedCall struct {
	domain, action, entityKey string
	params                    map[string]any
}

// mockController applies service calls to its entity table so that
// post-call verification sees the effect.
type mockController struct {
	mu        sync.Mutex
	entities  map[string]controller.Entity
	calls       []recordedCall
	failNext    int
	getFailNext int
	inert       bool // accept calls without changing state
	getErrFor   map[string]error
}

func newMockController() *mockController {
	return &mockController{
		entities:  make(map[string]controller.Entity),
		getErrFor: make(map[string]error),
	}
}

func (m *mockController) set(key, state string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	m.mu.Lock()
	m.entities[key] = controller.Entity{Key: key, State: state, Attributes: attrs}
	m.mu.Unlock()
}

func (m *mockController) GetEntity(_ context.Context, key string) (controller.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFailNext > 0 {
		m.getFailNext--
		return controller.Entity{}, fmt.Errorf("%w: boom", controller.ErrControllerUnavailable)
	}
	if err := m.getErrFor[key]; err != nil {
		return controller.Entity{}, err
	}
	ent, ok := m.entities[key]
	if !ok {
		return controller.Entity{}, controller.ErrEntityNotFound
	}
	return ent, nil
}

func (m *mockController) CallService(_ context.Context, domain, action, key string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{domain, action, key, params})
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("%w: boom", controller.ErrControllerUnavailable)
	}
	if m.inert {
		return nil
	}

	ent := m.entities[key]
	switch action {
	case "turn_on":
		ent.State = "on"
		if b, ok := params["brightness"]; ok {
			ent.Attributes["brightness"] = b
		}
	case "turn_off":
		ent.State = "off"
	case "set_hvac_mode":
		ent.State = params["hvac_mode"].(string)
	case "set_fan_mode":
		ent.Attributes["fan_mode"] = params["fan_mode"]
	case "set_temperature":
		for k, v := range params {
			ent.Attributes[k] = v
		}
	}
	m.entities[key] = ent
	return nil
}

func (m *mockController) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockResolver struct {
	mapping map[string]string
}

func (r *mockResolver) ResolveEntity(stableID string) (string, error) {
	key, ok := r.mapping[stableID]
	if !ok {
		return "", errors.New("not mapped")
	}
	return key, nil
}

func testConfig() Config {
	return Config{
		Retries:               2,
		RetryDelay:            0,
		SettleDelay:           0,
		VerifyDelay:           0,
		DefaultThermostatMode: "auto",
		FanCacheTTL:           time.Minute,
	}
}

func newTestEngine(ctrl *mockController, resolver *mockResolver, cfg Config) *Engine {
	return NewEngine(ctrl, resolver, cfg, nil, nil, nil)
}

func mustParse(t *testing.T, command string, params map[string]any) Directive {
	t.Helper()
	d, err := ParseDirective(command, params)
	if err != nil {
		t.Fatalf("ParseDirective(%s): %v", command, err)
	}
	return d
}

func TestParseDirective(t *testing.T) {
	cases := []struct {
		name    string
		command string
		params  map[string]any
		wantErr error
	}{
		{"on", CmdOnOff, map[string]any{"on": true}, nil},
		{"on missing param", CmdOnOff, map[string]any{}, ErrProtocolError},
		{"brightness", CmdBrightnessAbsolute, map[string]any{"brightness": 70.0}, nil},
		{"brightness out of range", CmdBrightnessAbsolute, map[string]any{"brightness": 150.0}, ErrProtocolError},
		{"fan speed", CmdSetFanSpeed, map[string]any{"fanSpeed": "speed_high"}, nil},
		{"thermostat mode", CmdThermostatSetMode, map[string]any{"thermostatMode": "cool"}, nil},
		{"setpoint", CmdThermostatSetpoint, map[string]any{"thermostatTemperatureSetpoint": 21.5}, nil},
		{"range inverted", CmdThermostatSetRange, map[string]any{
			"thermostatTemperatureSetpointHigh": 18.0,
			"thermostatTemperatureSetpointLow":  24.0,
		}, ErrProtocolError},
		{"scene", CmdActivateScene, map[string]any{}, nil},
		{"unknown", "action.devices.commands.Dock", map[string]any{}, ErrCommandNotSupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDirective(tc.command, tc.params)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseDirective_StripsSpeedPrefix(t *testing.T) {
	d := mustParse(t, CmdSetFanSpeed, map[string]any{"fanSpeed": "speed_medium"})
	if d.FanSpeed != "medium" {
		t.Errorf("FanSpeed = %q, want medium", d.FanSpeed)
	}
}

func TestBrightnessToNative(t *testing.T) {
	cases := map[int]int{0: 0, 100: 255, 50: 128, 1: 3}
	for pct, want := range cases {
		if got := brightnessToNative(pct); got != want {
			t.Errorf("brightnessToNative(%d) = %d, want %d", pct, got, want)
		}
	}
}

func TestExecute_OnOff(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.kitchen", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_kitchen": "light.kitchen"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_kitchen"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})

	if len(out) != 1 {
		t.Fatalf("got %d outcomes", len(out))
	}
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if on, _ := out[0].States["on"].(bool); !on {
		t.Errorf("states = %v, want on=true", out[0].States)
	}
}

func TestExecute_BrightnessConvertsAndReports(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.desk", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_desk": "light.desk"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_desk"},
		Directives: []Directive{mustParse(t, CmdBrightnessAbsolute, map[string]any{"brightness": 50.0})},
	}})

	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.calls[0].params["brightness"] != 128 {
		t.Errorf("native brightness = %v, want 128", ctrl.calls[0].params["brightness"])
	}
	if out[0].States["brightness"] != 50 {
		t.Errorf("reported brightness = %v, want 50", out[0].States["brightness"])
	}
}

func TestExecute_UnknownDeviceSkipped(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.porch", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_porch": "light.porch"}}, testConfig())
	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"ghost", "light_porch"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if len(out) != 1 {
		t.Fatalf("got %d outcomes, want 1 (unresolvable id dropped)", len(out))
	}
	if out[0].DeviceID != "light_porch" || out[0].Status != StatusSuccess {
		t.Errorf("outcome = %+v", out[0])
	}
}

func TestExecute_PreFlightReadRetries(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.desk", "off", nil)
	ctrl.getFailNext = 1
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_desk": "light.desk"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_desk"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusSuccess {
		t.Errorf("status = %s, want success after transient read failure", out[0].Status)
	}
}

func TestExecute_UnavailableEntityOffline(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.porch", "unavailable", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_porch": "light.porch"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_porch"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusDeviceOffline {
		t.Errorf("status = %s, want %s", out[0].Status, StatusDeviceOffline)
	}
	if ctrl.callCount() != 0 {
		t.Error("service called despite offline pre-check")
	}
}

func TestExecute_DomainMismatchNotSupported(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("switch.pump", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"switch_pump": "switch.pump"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"switch_pump"},
		Directives: []Directive{mustParse(t, CmdBrightnessAbsolute, map[string]any{"brightness": 40.0})},
	}})
	if out[0].Status != StatusCommandNotSupported {
		t.Errorf("status = %s, want %s", out[0].Status, StatusCommandNotSupported)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.hall", "off", nil)
	ctrl.failNext = 2
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_hall": "light.hall"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_hall"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.callCount() != 3 {
		t.Errorf("call count = %d, want 3", ctrl.callCount())
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.hall", "off", nil)
	ctrl.failNext = 10
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_hall": "light.hall"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_hall"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusDeviceOffline {
		t.Errorf("status = %s, want %s", out[0].Status, StatusDeviceOffline)
	}
	if ctrl.callCount() != 3 {
		t.Errorf("call count = %d, want 3", ctrl.callCount())
	}
}

func TestExecute_LenientReportsObservedState(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.slow", "off", nil)
	ctrl.inert = true
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_slow": "light.slow"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_slow"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("lenient mode status = %s, want %s", out[0].Status, StatusSuccess)
	}
	if on, _ := out[0].States["on"].(bool); on {
		t.Error("expected observed state on=false")
	}
}

func TestExecute_StrictFailsUnverified(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.slow", "off", nil)
	ctrl.inert = true
	cfg := testConfig()
	cfg.Strict = true
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_slow": "light.slow"}}, cfg)

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_slow"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if out[0].Status != StatusDeviceNotResponding {
		t.Errorf("status = %s, want %s", out[0].Status, StatusDeviceNotResponding)
	}
}

func TestExecute_ThermostatModeFallsBackToDefault(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("climate.living", "heat", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"climate_living": "climate.living"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"climate_living"},
		Directives: []Directive{mustParse(t, CmdThermostatSetMode, map[string]any{"thermostatMode": "purify"})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.calls[0].params["hvac_mode"] != "auto" {
		t.Errorf("hvac_mode = %v, want auto", ctrl.calls[0].params["hvac_mode"])
	}
}

func TestExecute_FanSpeedUsesAdvertisedModes(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("climate.ac", "cool", map[string]any{
		"fan_modes": []any{"Auto", "Quiet", "Turbo"},
	})
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"climate_ac": "climate.ac"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"climate_ac"},
		Directives: []Directive{mustParse(t, CmdSetFanSpeed, map[string]any{"fanSpeed": "speed_turbo"})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.calls[0].params["fan_mode"] != "Turbo" {
		t.Errorf("fan_mode = %v, want Turbo", ctrl.calls[0].params["fan_mode"])
	}

	out = eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"climate_ac"},
		Directives: []Directive{mustParse(t, CmdSetFanSpeed, map[string]any{"fanSpeed": "speed_warp"})},
	}})
	if out[0].Status != StatusCommandNotSupported {
		t.Errorf("unsupported speed status = %s, want %s", out[0].Status, StatusCommandNotSupported)
	}
}

func TestExecute_FanSpeedFallbackModes(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("climate.basic", "cool", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"climate_basic": "climate.basic"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"climate_basic"},
		Directives: []Directive{mustParse(t, CmdSetFanSpeed, map[string]any{"fanSpeed": "speed_high"})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.calls[0].params["fan_mode"] != "high" {
		t.Errorf("fan_mode = %v, want high", ctrl.calls[0].params["fan_mode"])
	}
}

func TestExecute_ThermostatRange(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("climate.living", "heat_cool", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"climate_living": "climate.living"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs: []string{"climate_living"},
		Directives: []Directive{mustParse(t, CmdThermostatSetRange, map[string]any{
			"thermostatTemperatureSetpointHigh": 24.0,
			"thermostatTemperatureSetpointLow":  19.0,
		})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if out[0].States["thermostatTemperatureSetpointHigh"] != 24.0 {
		t.Errorf("states = %v", out[0].States)
	}
}

func TestExecute_SceneFireAndForget(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("scene.movie_night", "scening", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"scene_movie_night": "scene.movie_night"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"scene_movie_night"},
		Directives: []Directive{mustParse(t, CmdActivateScene, map[string]any{})},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if ctrl.calls[0].action != "turn_on" || ctrl.calls[0].domain != "scene" {
		t.Errorf("call = %+v", ctrl.calls[0])
	}
}

func TestExecute_SceneDeactivateNotSupported(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("scene.movie_night", "scening", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"scene_movie_night": "scene.movie_night"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"scene_movie_night"},
		Directives: []Directive{mustParse(t, CmdActivateScene, map[string]any{"deactivate": true})},
	}})
	if out[0].Status != StatusCommandNotSupported {
		t.Errorf("status = %s, want %s", out[0].Status, StatusCommandNotSupported)
	}
}

func TestExecute_DuplicateDeviceRunsOnce(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.kitchen", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_kitchen": "light.kitchen"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_kitchen", "light_kitchen"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if len(out) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(out))
	}
	if ctrl.callCount() != 1 {
		t.Errorf("call count = %d, want 1", ctrl.callCount())
	}
}

func TestExecute_SameDeviceDirectivesInOrder(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.kitchen", "off", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{"light_kitchen": "light.kitchen"}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs: []string{"light_kitchen"},
		Directives: []Directive{
			mustParse(t, CmdOnOff, map[string]any{"on": true}),
			mustParse(t, CmdBrightnessAbsolute, map[string]any{"brightness": 80.0}),
		},
	}})
	if out[0].Status != StatusSuccess {
		t.Fatalf("status = %s", out[0].Status)
	}
	if len(ctrl.calls) != 2 || ctrl.calls[0].action != "turn_on" || ctrl.calls[1].params["brightness"] == nil {
		t.Errorf("calls = %+v", ctrl.calls)
	}
}

func TestExecute_MultipleDevicesAllReported(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.a", "off", nil)
	ctrl.set("light.b", "off", nil)
	ctrl.set("light.c", "unavailable", nil)
	eng := newTestEngine(ctrl, &mockResolver{mapping: map[string]string{
		"light_a": "light.a", "light_b": "light.b", "light_c": "light.c",
	}}, testConfig())

	out := eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_a", "light_b", "light_c"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})
	if len(out) != 3 {
		t.Fatalf("got %d outcomes", len(out))
	}
	byID := make(map[string]string, 3)
	for _, o := range out {
		byID[o.DeviceID] = o.Status
	}
	if byID["light_a"] != StatusSuccess || byID["light_b"] != StatusSuccess {
		t.Errorf("statuses = %v", byID)
	}
	if byID["light_c"] != StatusDeviceOffline {
		t.Errorf("offline device status = %s", byID["light_c"])
	}
}

type captureAnnouncer struct {
	mu     sync.Mutex
	events []string
}

func (a *captureAnnouncer) ExecutionResult(deviceID, command, status string) {
	a.mu.Lock()
	a.events = append(a.events, deviceID+" "+status)
	a.mu.Unlock()
}

type captureRecorder struct {
	mu      sync.Mutex
	records int
}

func (r *captureRecorder) Record(_, _, _ string, _ time.Duration, _ int) {
	r.mu.Lock()
	r.records++
	r.mu.Unlock()
}

func TestExecute_HooksFired(t *testing.T) {
	ctrl := newMockController()
	ctrl.set("light.kitchen", "off", nil)
	ann := &captureAnnouncer{}
	rec := &captureRecorder{}
	eng := NewEngine(ctrl, &mockResolver{mapping: map[string]string{"light_kitchen": "light.kitchen"}},
		testConfig(), ann, rec, nil)

	eng.Execute(context.Background(), []Command{{
		DeviceIDs:  []string{"light_kitchen"},
		Directives: []Directive{mustParse(t, CmdOnOff, map[string]any{"on": true})},
	}})

	if len(ann.events) != 1 || ann.events[0] != "light_kitchen SUCCESS" {
		t.Errorf("announcer events = %v", ann.events)
	}
	if rec.records != 1 {
		t.Errorf("recorder records = %d, want 1", rec.records)
	}
}
