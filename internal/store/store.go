// Package store owns all Postgres state for the pipeline. Each entity has a
// single owning store; other components only mutate through these methods.
package store

import (
	"activity-relay/internal/db"
)

type Store struct {
	Credentials *CredentialStore
	Channels    *ChannelStore
	Events      *EventStore
	Activities  *ActivityStore
}

// New wires the entity stores over one shared pool. The encryption key
// protects refresh tokens and webhook signing secrets at rest.
func New(dbConn *db.DB, encryptionKey []byte) *Store {
	return &Store{
		Credentials: &CredentialStore{db: dbConn, key: encryptionKey},
		Channels:    &ChannelStore{db: dbConn, key: encryptionKey},
		Events:      &EventStore{db: dbConn},
		Activities:  &ActivityStore{db: dbConn},
	}
}
