package execute

import (
	"fmt"
	"math"
	"strings"
)

// Assistant command names accepted by the engine.
const (
	CmdOnOff              = "action.devices.commands.OnOff"
	CmdBrightnessAbsolute = "action.devices.commands.BrightnessAbsolute"
	CmdSetFanSpeed        = "action.devices.commands.SetFanSpeed"
	CmdThermostatSetMode  = "action.devices.commands.ThermostatSetMode"
	CmdThermostatSetpoint = "action.devices.commands.ThermostatTemperatureSetpoint"
	CmdThermostatSetRange = "action.devices.commands.ThermostatTemperatureSetRange"
	CmdActivateScene      = "action.devices.commands.ActivateScene"
)

// Result status vocabulary returned to the assistant.
const (
	StatusSuccess             = "SUCCESS"
	StatusDeviceOffline       = "deviceOffline"
	StatusDeviceNotResponding = "deviceNotResponding"
	StatusCommandNotSupported = "commandNotSupported"
	StatusProtocolError       = "protocolError"
)

// Kind discriminates the directive union.
type Kind int

const (
	KindOnOff Kind = iota
	KindBrightness
	KindFanSpeed
	KindThermostatMode
	KindThermostatSetpoint
	KindThermostatRange
	KindActivateScene
)

// Directive is a parsed, validated device command.
type Directive struct {
	Kind    Kind
	Command string

	On            bool
	BrightnessPct int
	FanSpeed      string
	Mode          string
	Setpoint      float64
	RangeHigh     float64
	RangeLow      float64
}

// ParseDirective validates an assistant command and its parameters.
// Unknown commands map to ErrCommandNotSupported; known commands with
// malformed parameters map to ErrProtocolError.
func ParseDirective(command string, params map[string]any) (Directive, error) {
	d := Directive{Command: command}
	switch command {
	case CmdOnOff:
		on, ok := params["on"].(bool)
		if !ok {
			return d, fmt.Errorf("%w: OnOff missing bool 'on'", ErrProtocolError)
		}
		d.Kind = KindOnOff
		d.On = on

	case CmdBrightnessAbsolute:
		pct, ok := asFloat(params["brightness"])
		if !ok || pct < 0 || pct > 100 {
			return d, fmt.Errorf("%w: BrightnessAbsolute needs 'brightness' in 0..100", ErrProtocolError)
		}
		d.Kind = KindBrightness
		d.BrightnessPct = int(math.Round(pct))

	case CmdSetFanSpeed:
		speed, ok := params["fanSpeed"].(string)
		if !ok || speed == "" {
			return d, fmt.Errorf("%w: SetFanSpeed missing 'fanSpeed'", ErrProtocolError)
		}
		d.Kind = KindFanSpeed
		d.FanSpeed = strings.TrimPrefix(speed, "speed_")

	case CmdThermostatSetMode:
		mode, ok := params["thermostatMode"].(string)
		if !ok || mode == "" {
			return d, fmt.Errorf("%w: ThermostatSetMode missing 'thermostatMode'", ErrProtocolError)
		}
		d.Kind = KindThermostatMode
		d.Mode = mode

	case CmdThermostatSetpoint:
		temp, ok := asFloat(params["thermostatTemperatureSetpoint"])
		if !ok {
			return d, fmt.Errorf("%w: ThermostatTemperatureSetpoint missing setpoint", ErrProtocolError)
		}
		d.Kind = KindThermostatSetpoint
		d.Setpoint = temp

	case CmdThermostatSetRange:
		high, okH := asFloat(params["thermostatTemperatureSetpointHigh"])
		low, okL := asFloat(params["thermostatTemperatureSetpointLow"])
		if !okH || !okL || high < low {
			return d, fmt.Errorf("%w: ThermostatTemperatureSetRange needs high >= low", ErrProtocolError)
		}
		d.Kind = KindThermostatRange
		d.RangeHigh = high
		d.RangeLow = low

	case CmdActivateScene:
		// "deactivate" is accepted but scenes are fire-and-forget, so
		// a deactivate request is a supported no-op activation inverse
		// only for scripts that expose turn_off.
		d.Kind = KindActivateScene
		deactivate, _ := params["deactivate"].(bool)
		d.On = !deactivate

	default:
		return d, fmt.Errorf("%w: %s", ErrCommandNotSupported, command)
	}
	return d, nil
}

// brightnessToNative converts an assistant 0..100 percentage into the
// controller's 0..255 brightness scale.
func brightnessToNative(pct int) int {
	n := int(math.Round(float64(pct) * 255.0 / 100.0))
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return n
}

// asFloat widens JSON-decoded numbers, which arrive as float64 but can
// show up as int from hand-built test params.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// thermostatModes maps assistant mode names onto controller HVAC modes.
var thermostatModes = map[string]string{
	"off":      "off",
	"heat":     "heat",
	"cool":     "cool",
	"auto":     "auto",
	"heatcool": "heat_cool",
	"fan-only": "fan_only",
	"dry":      "dry",
	"eco":      "auto",
}
