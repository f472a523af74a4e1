package web

import (
	"context"

	"github.com/wispberry-tech/travelease/remote"
	"github.com/wispberry-tech/travelease/session"
)

// ProfileWriter stores registration profiles through the rental API's user
// collection.
func ProfileWriter(client *remote.Client) session.ProfileWriter {
	return session.ProfileWriterFunc(func(ctx context.Context, p session.ProfileRecord) error {
		return client.CreateUser(ctx, remote.UserRecord{
			Name:      p.Name,
			Email:     p.Email,
			PhotoURL:  p.PhotoURL,
			CreatedAt: p.CreatedAt.UTC().Format(createdAtLayout),
		})
	})
}
