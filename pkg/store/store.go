// Package store defines the persistence contract for recorded sessions.
// Implementations must provide identical semantics across backends so that
// sessions round-trip the same way in memory, SQL and Redis.
package store

import (
	"context"

	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
)

// Backend persists whole sessions. Save writes the metadata and every frame
// atomically; Load and Delete of an unknown id fail with errmodel.NotFound.
// Frames are returned in sequence order.
type Backend interface {
	Save(ctx context.Context, s session.Session, frames []frame.Frame) (string, error)
	Load(ctx context.Context, id string) (session.Session, []frame.Frame, error)
	List(ctx context.Context) ([]session.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
