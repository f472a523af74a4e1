package session

import (
	"context"
	"time"
)

// ProfileRecord is the user profile written to the rental API after
// registration.
type ProfileRecord struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	PhotoURL  string    `json:"photoURL"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfileWriter stores a profile record.
type ProfileWriter interface {
	WriteProfile(ctx context.Context, record ProfileRecord) error
}

// ProfileWriterFunc adapts a function to ProfileWriter.
type ProfileWriterFunc func(ctx context.Context, record ProfileRecord) error

func (f ProfileWriterFunc) WriteProfile(ctx context.Context, record ProfileRecord) error {
	return f(ctx, record)
}
