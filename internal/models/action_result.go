package models

import "encoding/json"

// ActionResult is the envelope returned by the remote API for a named action.
type ActionResult struct {
	OK   bool            `json:"ok"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
