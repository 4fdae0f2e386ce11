package projection

import (
	"math"
	"strings"

	"github.com/voxbridge/voxbridge-core/internal/controller"
)

// Assistant device type identifiers.
const (
	TypeLight      = "action.devices.types.LIGHT"
	TypeSwitch     = "action.devices.types.SWITCH"
	TypeThermostat = "action.devices.types.THERMOSTAT"
	TypeACUnit     = "action.devices.types.AC_UNIT"
	TypeScene      = "action.devices.types.SCENE"
	TypeSensor     = "action.devices.types.SENSOR"
	TypeDoor       = "action.devices.types.DOOR"
)

// Assistant trait identifiers.
const (
	TraitOnOff              = "action.devices.traits.OnOff"
	TraitBrightness         = "action.devices.traits.Brightness"
	TraitColorSetting       = "action.devices.traits.ColorSetting"
	TraitFanSpeed           = "action.devices.traits.FanSpeed"
	TraitTemperatureSetting = "action.devices.traits.TemperatureSetting"
	TraitScene              = "action.devices.traits.Scene"
	TraitOpenClose          = "action.devices.traits.OpenClose"
)

// classify maps a controller entity onto an assistant device shape.
// Entities in domains the bridge does not expose return ok=false.
func classify(ent controller.Entity) (deviceType string, traits []string, attributes map[string]any, ok bool) {
	attributes = map[string]any{}
	switch ent.Domain() {
	case "light":
		deviceType = TypeLight
		traits = []string{TraitOnOff}
		if supportsBrightness(ent) {
			traits = append(traits, TraitBrightness)
		}
		if minM, maxM, has := miredRange(ent); has {
			traits = append(traits, TraitColorSetting)
			attributes["colorTemperatureRange"] = map[string]any{
				// Mireds invert: the smallest mired value is the
				// warmest limit in Kelvin terms.
				"temperatureMinK": miredToKelvin(maxM),
				"temperatureMaxK": miredToKelvin(minM),
			}
		}

	case "switch":
		deviceType = TypeSwitch
		traits = []string{TraitOnOff}

	case "climate":
		fanModes := stringSlice(ent.Attributes["fan_modes"])
		if len(fanModes) > 0 {
			deviceType = TypeACUnit
			traits = []string{TraitTemperatureSetting, TraitOnOff, TraitFanSpeed}
			attributes["availableFanSpeeds"] = fanSpeedAttribute(fanModes)
			attributes["reversible"] = false
		} else {
			deviceType = TypeThermostat
			traits = []string{TraitTemperatureSetting}
		}
		attributes["availableThermostatModes"] = availableModes(ent)
		attributes["thermostatTemperatureUnit"] = "C"

	case "scene", "script":
		deviceType = TypeScene
		traits = []string{TraitScene}
		attributes["sceneReversible"] = ent.Domain() == "script"

	case "binary_sensor":
		if deviceClass(ent) != "door" && deviceClass(ent) != "window" {
			return "", nil, nil, false
		}
		deviceType = TypeDoor
		traits = []string{TraitOpenClose}
		attributes["queryOnlyOpenClose"] = true

	case "sensor":
		if deviceClass(ent) != "temperature" {
			return "", nil, nil, false
		}
		deviceType = TypeSensor
		traits = []string{TraitTemperatureSetting}
		attributes["availableThermostatModes"] = []string{"off"}
		attributes["thermostatTemperatureUnit"] = "C"
		attributes["queryOnlyTemperatureSetting"] = true

	default:
		return "", nil, nil, false
	}
	return deviceType, traits, attributes, true
}

func supportsBrightness(ent controller.Entity) bool {
	if _, ok := ent.Attributes["brightness"]; ok {
		return true
	}
	for _, mode := range stringSlice(ent.Attributes["supported_color_modes"]) {
		switch strings.ToLower(mode) {
		case "brightness", "color_temp", "hs", "rgb", "rgbw", "rgbww", "xy":
			return true
		}
	}
	return false
}

func miredRange(ent controller.Entity) (minM, maxM float64, ok bool) {
	minM, okMin := asFloat(ent.Attributes["min_mireds"])
	maxM, okMax := asFloat(ent.Attributes["max_mireds"])
	if !okMin || !okMax || minM <= 0 || maxM <= 0 {
		return 0, 0, false
	}
	return minM, maxM, true
}

func miredToKelvin(mireds float64) int {
	return int(math.Round(1e6 / mireds))
}

// availableModes translates a climate entity's HVAC modes into the
// assistant vocabulary, comma-joined as the platform expects.
func availableModes(ent controller.Entity) []string {
	hvac := stringSlice(ent.Attributes["hvac_modes"])
	if len(hvac) == 0 {
		return []string{"off", "heat", "cool", "auto"}
	}
	modes := make([]string, 0, len(hvac))
	for _, m := range hvac {
		switch strings.ToLower(m) {
		case "heat_cool":
			modes = append(modes, "heatcool")
		case "fan_only":
			modes = append(modes, "fan-only")
		default:
			modes = append(modes, strings.ToLower(m))
		}
	}
	return modes
}

func fanSpeedAttribute(modes []string) map[string]any {
	speeds := make([]map[string]any, 0, len(modes))
	for _, m := range modes {
		name := "speed_" + strings.ToLower(m)
		speeds = append(speeds, map[string]any{
			"speed_name": name,
			"speed_values": []map[string]any{{
				"speed_synonym": []string{strings.ToLower(m)},
				"lang":          "en",
			}},
		})
	}
	return map[string]any{
		"speeds":  speeds,
		"ordered": true,
	}
}

func deviceClass(ent controller.Entity) string {
	cls, _ := ent.Attributes["device_class"].(string)
	return strings.ToLower(cls)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

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
