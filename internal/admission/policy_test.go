package admission_test

import (
	"testing"
	"time"

	"fractal/internal/admission"
	"fractal/internal/config"
)

func at(hour int) time.Time {
	return time.Date(2026, 3, 14, hour, 30, 0, 0, time.Local)
}

func TestEvaluateRules(t *testing.T) {
	base := admission.PolicyFromConfig(nil)
	good := admission.Favourable()
	good.Now = at(2)

	tests := []struct {
		name   string
		policy func(*admission.Policy)
		cond   func(*admission.Conditions)
		rule   admission.Rule
		reason string
	}{
		{name: "defaults allow", rule: admission.RuleNone},
		{
			name:   "battery low",
			cond:   func(c *admission.Conditions) { c.BatteryPercent = 20 },
			rule:   admission.RuleBattery,
			reason: "Standby: Battery too low (Need 34%)",
		},
		{
			name: "no battery counts as full",
			cond: func(c *admission.Conditions) {
				c.HasBattery = false
				c.BatteryPercent = 0
				c.Charging = false
			},
			policy: func(p *admission.Policy) { p.ChargingExclusive = true },
			rule:   admission.RuleNone,
		},
		{
			name:   "screen on",
			cond:   func(c *admission.Conditions) { c.Idle = false },
			rule:   admission.RuleIdle,
			reason: "Standby: Waiting for device to be idle (Screen Off)",
		},
		{
			name:   "outside overnight window",
			policy: func(p *admission.Policy) { p.Overnight = true },
			cond:   func(c *admission.Conditions) { c.Now = at(9) },
			rule:   admission.RuleOvernight,
			reason: "Standby: Waiting for over-night hours (12AM - 8AM)",
		},
		{
			name: "wrapping window admits late evening",
			policy: func(p *admission.Policy) {
				p.Overnight = true
				p.OvernightStartHour = 22
				p.OvernightEndHour = 6
			},
			cond: func(c *admission.Conditions) { c.Now = at(23) },
			rule: admission.RuleNone,
		},
		{
			name:   "charger required",
			policy: func(p *admission.Policy) { p.ChargingExclusive = true },
			cond:   func(c *admission.Conditions) { c.Charging = false },
			rule:   admission.RuleCharger,
			reason: "Standby: Awaiting charger connection...",
		},
		{
			name:   "wifi required",
			cond:   func(c *admission.Conditions) { c.Network = admission.Network{Cellular: true} },
			rule:   admission.RuleNetwork,
			reason: "Standby: Awaiting stable Wi-Fi...",
		},
		{
			name: "cellular required",
			policy: func(p *admission.Policy) {
				p.OnWifi = false
				p.OnData = true
			},
			rule:   admission.RuleNetwork,
			reason: "Standby: Awaiting Cellular Data...",
		},
		{
			name:   "either network",
			policy: func(p *admission.Policy) { p.OnData = true },
			cond:   func(c *admission.Conditions) { c.Network = admission.Network{} },
			rule:   admission.RuleNetwork,
			reason: "Standby: Awaiting Network Connection...",
		},
		{
			name: "no network rule",
			policy: func(p *admission.Policy) {
				p.OnWifi = false
				p.OnData = false
			},
			cond: func(c *admission.Conditions) { c.Network = admission.Network{} },
			rule: admission.RuleNone,
		},
		{
			name: "too hot",
			cond: func(c *admission.Conditions) { c.TemperatureC = 51 },
			rule: admission.RuleThermal,
		},
		{
			name: "low storage",
			cond: func(c *admission.Conditions) {
				c.StorageKnown = true
				c.FreeStorageBytes = 10 * 1024 * 1024
			},
			rule:   admission.RuleStorage,
			reason: "Standby: Low storage (Need 256 MB free)",
		},
		{
			name: "battery wins over network",
			cond: func(c *admission.Conditions) {
				c.BatteryPercent = 5
				c.Network = admission.Network{}
			},
			rule: admission.RuleBattery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := base
			cond := good
			if tt.policy != nil {
				tt.policy(&policy)
			}
			if tt.cond != nil {
				tt.cond(&cond)
			}
			decision := admission.Evaluate(policy, cond)
			if decision.Rule != tt.rule {
				t.Fatalf("rule: got %s want %s (%q)", decision.Rule, tt.rule, decision.Reason)
			}
			if decision.Allowed != (tt.rule == admission.RuleNone) {
				t.Fatalf("allowed mismatch: %+v", decision)
			}
			if tt.reason != "" && decision.Reason != tt.reason {
				t.Fatalf("reason: got %q want %q", decision.Reason, tt.reason)
			}
			if decision.Allowed && decision.Reason != "" {
				t.Fatalf("allowed decision must have empty reason, got %q", decision.Reason)
			}
		})
	}
}

func TestEvaluateNetwork(t *testing.T) {
	tests := []struct {
		name    string
		wifi    bool
		data    bool
		network admission.Network
		reason  string
	}{
		{"wifi only offline", true, false, admission.Network{Cellular: true}, "Awaiting Wi-Fi..."},
		{"data only offline", false, true, admission.Network{Wifi: true}, "Awaiting Cellular Data..."},
		{"either offline", true, true, admission.Network{}, "Awaiting Network Connection..."},
		{"no preference offline", false, false, admission.Network{}, "Offline. Waiting for Network..."},
		{"no preference online", false, false, admission.Network{Cellular: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := admission.Policy{OnWifi: tt.wifi, OnData: tt.data}
			decision := admission.EvaluateNetwork(policy, tt.network)
			if decision.Reason != tt.reason {
				t.Fatalf("got %q want %q", decision.Reason, tt.reason)
			}
			if decision.Allowed != (tt.reason == "") {
				t.Fatalf("allowed mismatch: %+v", decision)
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Admission.MinFreeStorageMB = 2
	cfg.Admission.OvernightUtilization = true
	policy := admission.PolicyFromConfig(&cfg)
	if !policy.Overnight || policy.MinCharge != 34 || !policy.IdleOnly {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if policy.MinFreeStorageBytes != 2*1024*1024 {
		t.Fatalf("unexpected storage threshold %d", policy.MinFreeStorageBytes)
	}
}
