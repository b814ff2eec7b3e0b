package agentstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey indicates an agent with the same unique id already exists.
	ErrDuplicateKey = errors.New("agentstore: duplicate unique_id")
	// ErrNotFound indicates no agent row matched.
	ErrNotFound = errors.New("agentstore: agent not found")
	// ErrPoolExhausted indicates no pooled connection became free within the acquire timeout.
	ErrPoolExhausted = errors.New("agentstore: connection pool exhausted")
)

// Agent is the durable record of an agent that has signed in at least once.
type Agent struct {
	ID         int64     `json:"id" db:"id"`
	UniqueID   string    `json:"unique_id" db:"unique_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSignin time.Time `json:"last_signin" db:"last_signin"`
}

// Store is the capability set the relay needs from durable agent storage.
type Store interface {
	Add(ctx context.Context, uniqueID string) (Agent, error)
	UpdateSignIn(ctx context.Context, id int64, at time.Time) (Agent, error)
	FindByID(ctx context.Context, id int64) (*Agent, error)
	FindByUniqueID(ctx context.Context, uniqueID string) (*Agent, error)
	Delete(ctx context.Context, id int64) (int64, error)
}

// SignIn records a sign-in for uniqueID, creating the agent on first contact.
func SignIn(ctx context.Context, s Store, uniqueID string, at time.Time) (Agent, error) {
	existing, err := s.FindByUniqueID(ctx, uniqueID)
	if err != nil {
		return Agent{}, err
	}
	if existing == nil {
		agent, err := s.Add(ctx, uniqueID)
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return Agent{}, err
		}
		// Lost an insert race with a concurrent sign-in; the row exists now.
		existing, err = s.FindByUniqueID(ctx, uniqueID)
		if err != nil {
			return Agent{}, err
		}
		if existing == nil {
			return Agent{}, ErrNotFound
		}
	}
	return s.UpdateSignIn(ctx, existing.ID, at)
}
