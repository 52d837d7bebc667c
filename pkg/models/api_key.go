package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a caller of the corpus API. OwnerID is the principal
// that submitted jobs and their event streams are scoped to; two keys with the
// same owner see the same jobs. Keys are looked up by KeyPrefix and then
// checked against the bcrypt KeyHash, so the raw key is only ever shown once
// by the apikey create command. The "admin" scope guards rebuilding and
// deleting a corpus source.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	OwnerID    string     `db:"owner_id"     json:"owner_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
