package core

import "time"

// KillSwitchState is the persisted projection of the manual kill switch.
type KillSwitchState struct {
	Tripped bool       `json:"tripped"`
	Reason  string     `json:"reason,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}

// EngineSnapshot is the durable record of engine state: the sanitized
// config it was running with, every tracked order, balances, kill-switch
// state, and the capture time. The store filters Config before writing;
// the other fields never carry credentials.
type EngineSnapshot struct {
	Config     map[string]any  `json:"config"`
	Orders     []Order         `json:"orders"`
	Balances   []Balance       `json:"balances"`
	KillSwitch KillSwitchState `json:"kill_switch"`
	Timestamp  time.Time       `json:"timestamp"`
}
