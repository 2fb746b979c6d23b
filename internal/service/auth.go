package service

import (
	"context"
	"errors"
)

// ErrForbidden is returned when the actor may not touch a project.
var ErrForbidden = errors.New("permission denied")

// Authorizer decides project-level access for an actor. The service
// consumes it; identity and policy live elsewhere.
type Authorizer interface {
	CanView(ctx context.Context, actor, projectID string) bool
	CanEdit(ctx context.Context, actor, projectID string) bool
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) CanView(context.Context, string, string) bool { return true }
func (AllowAll) CanEdit(context.Context, string, string) bool { return true }

type actorKey struct{}

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or "" for anonymous.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
