package models

import "time"

// NetworkState is a single reachability reading from a connectivity monitor.
// A nil IsConnected means the platform could not tell.
type NetworkState struct {
	IsConnected *bool     `json:"isConnected"`
	Type        string    `json:"type,omitempty"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Reachable treats an unknown reading as offline.
func (s NetworkState) Reachable() bool {
	return s.IsConnected != nil && *s.IsConnected
}

func Connected(connected bool) NetworkState {
	return NetworkState{IsConnected: &connected, CheckedAt: time.Now()}
}
