package models

// SealedValue is the at-rest form of a value in the encrypted store.
type SealedValue struct {
	Version int    `json:"v"`
	Nonce   []byte `json:"nonce"`
	State   []byte `json:"state"`
}
