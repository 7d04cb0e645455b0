package utils

import "github.com/google/uuid"

// NewActionID returns a time-ordered id with a random suffix (UUIDv7).
func NewActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
