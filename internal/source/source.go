package source

import (
	"context"
	"errors"

	"subdash/internal/events"
)

// ErrDuplicate is returned by Create when the subscription ID is taken.
var ErrDuplicate = errors.New("subscription already exists")

// Source is where subscription records come from.
type Source interface {
	List(ctx context.Context) ([]events.Subscription, error)
	Create(ctx context.Context, s events.Subscription) (events.Subscription, error)
}
