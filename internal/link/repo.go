package link

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence for SmartLinks and their destinations.
// Implementations load destinations sorted by priority ascending.
type Repository interface {
	Create(ctx context.Context, link SmartLink) (SmartLink, error)
	GetByCode(ctx context.Context, code string) (SmartLink, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error)
	ReplaceDestinations(ctx context.Context, linkID uuid.UUID, dests []Destination) (SmartLink, error)
	Deactivate(ctx context.Context, code string) error
	SetFallbackActive(ctx context.Context, linkID uuid.UUID, active bool) error
	AddClicks(ctx context.Context, linkID uuid.UUID, n int64) error
}
