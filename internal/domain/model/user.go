package model

import "time"

// User is the read model of the user directory, an external collaborator.
// The engine only checks existence before creating payments.
type User struct {
	ID        string // UUID
	Email     string
	CreatedAt time.Time
}
