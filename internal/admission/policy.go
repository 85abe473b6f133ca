package admission

import (
	"fmt"
	"time"

	"fractal/internal/config"
)

// Rule identifies which policy rule produced a decision.
type Rule string

const (
	RuleNone      Rule = "none"
	RuleOvernight Rule = "overnight"
	RuleIdle      Rule = "idle"
	RuleBattery   Rule = "battery"
	RuleCharger   Rule = "charger"
	RuleNetwork   Rule = "network"
	RuleThermal   Rule = "thermal"
	RuleStorage   Rule = "storage"
	RuleSensor    Rule = "sensor"
)

// Policy is the set of device conditions a session requires.
type Policy struct {
	OnWifi              bool
	OnData              bool
	Overnight           bool
	OvernightStartHour  int
	OvernightEndHour    int
	IdleOnly            bool
	MinCharge           int
	ChargingExclusive   bool
	MaxTemperatureC     float64 // 0 disables the thermal rule
	MinFreeStorageBytes uint64  // 0 disables the storage rule
}

// PolicyFromConfig maps the [admission] section onto a Policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	a := cfg.Admission
	return Policy{
		OnWifi:              a.OnWifi,
		OnData:              a.OnData,
		Overnight:           a.OvernightUtilization,
		OvernightStartHour:  a.OvernightStartHour,
		OvernightEndHour:    a.OvernightEndHour,
		IdleOnly:            a.IdleTimeUtilization,
		MinCharge:           a.MinChargeLimit,
		ChargingExclusive:   a.OnChargingExclusive,
		MaxTemperatureC:     float64(a.MaxTemperatureC),
		MinFreeStorageBytes: uint64(a.MinFreeStorageMB) * 1024 * 1024,
	}
}

// Network describes the links currently carrying traffic.
type Network struct {
	// Wifi is true for any unmetered link, wireless or wired.
	Wifi     bool `json:"wifi"`
	Cellular bool `json:"cellular"`
}

// Connected reports whether any link is up.
func (n Network) Connected() bool { return n.Wifi || n.Cellular }

// Conditions is a point-in-time reading of the device.
type Conditions struct {
	Now              time.Time `json:"now"`
	HasBattery       bool      `json:"has_battery"`
	BatteryPercent   int       `json:"battery_percent"`
	Charging         bool      `json:"charging"`
	Idle             bool      `json:"idle"`
	Network          Network   `json:"network"`
	TemperatureC     float64   `json:"temperature_c"`
	FreeStorageBytes uint64    `json:"free_storage_bytes"`
	StorageKnown     bool      `json:"storage_known"`
}

// Decision is the outcome of an admission check. Reason is empty when allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    Rule   `json:"rule"`
}

// Allowed is the decision for conditions that satisfy the policy.
func Allowed() Decision { return Decision{Allowed: true, Rule: RuleNone} }

// Blocked builds a blocking decision.
func Blocked(rule Rule, reason string) Decision {
	return Decision{Rule: rule, Reason: reason}
}

// Evaluate applies policy to conditions. Rules are checked in a fixed order:
// schedule, idle, battery, charger, network, thermal, storage. The first
// violated rule decides.
func Evaluate(p Policy, c Conditions) Decision {
	if p.Overnight && !inWindow(c.Now.Hour(), p.OvernightStartHour, p.OvernightEndHour) {
		return Blocked(RuleOvernight, fmt.Sprintf("Standby: Waiting for over-night hours (%s - %s)",
			hourLabel(p.OvernightStartHour), hourLabel(p.OvernightEndHour)))
	}
	if p.IdleOnly && !c.Idle {
		return Blocked(RuleIdle, "Standby: Waiting for device to be idle (Screen Off)")
	}

	// Mains-only devices have no battery to protect.
	battery, charging := c.BatteryPercent, c.Charging
	if !c.HasBattery {
		battery, charging = 100, true
	}
	if battery < p.MinCharge {
		return Blocked(RuleBattery, fmt.Sprintf("Standby: Battery too low (Need %d%%)", p.MinCharge))
	}
	if p.ChargingExclusive && !charging {
		return Blocked(RuleCharger, "Standby: Awaiting charger connection...")
	}

	switch {
	case p.OnWifi && !p.OnData && !c.Network.Wifi:
		return Blocked(RuleNetwork, "Standby: Awaiting stable Wi-Fi...")
	case p.OnData && !p.OnWifi && !c.Network.Cellular:
		return Blocked(RuleNetwork, "Standby: Awaiting Cellular Data...")
	case p.OnWifi && p.OnData && !c.Network.Connected():
		return Blocked(RuleNetwork, "Standby: Awaiting Network Connection...")
	}

	if p.MaxTemperatureC > 0 && c.TemperatureC > p.MaxTemperatureC {
		return Blocked(RuleThermal, fmt.Sprintf("Standby: Device too warm (%.0f°C, limit %.0f°C)", c.TemperatureC, p.MaxTemperatureC))
	}
	if p.MinFreeStorageBytes > 0 && c.StorageKnown && c.FreeStorageBytes < p.MinFreeStorageBytes {
		return Blocked(RuleStorage, fmt.Sprintf("Standby: Low storage (Need %d MB free)", p.MinFreeStorageBytes/(1024*1024)))
	}
	return Allowed()
}

// EvaluateNetwork checks only the connectivity rules. It gates checkpoint
// upload, which needs some link even when the policy names none.
func EvaluateNetwork(p Policy, n Network) Decision {
	switch {
	case p.OnWifi && !p.OnData && !n.Wifi:
		return Blocked(RuleNetwork, "Awaiting Wi-Fi...")
	case p.OnData && !p.OnWifi && !n.Cellular:
		return Blocked(RuleNetwork, "Awaiting Cellular Data...")
	case p.OnWifi && p.OnData && !n.Connected():
		return Blocked(RuleNetwork, "Awaiting Network Connection...")
	case !p.OnWifi && !p.OnData && !n.Connected():
		return Blocked(RuleNetwork, "Offline. Waiting for Network...")
	}
	return Allowed()
}

// inWindow reports whether hour falls in [start, end), wrapping past midnight
// when start > end.
func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func hourLabel(hour int) string {
	switch {
	case hour == 0:
		return "12AM"
	case hour < 12:
		return fmt.Sprintf("%dAM", hour)
	case hour == 12:
		return "12PM"
	default:
		return fmt.Sprintf("%dPM", hour-12)
	}
}
