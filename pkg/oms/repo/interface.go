package repo

import (
	"context"

	"github.com/joripage/powerex/pkg/oms/model"
)

type IOrder interface {
	Create(ctx context.Context, record *model.Order) error
	Get(ctx context.Context, orderID string) (*model.Order, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, orderID string) (*model.Order, error)
	Save(ctx context.Context, record *model.Order) error
	ListByUser(ctx context.Context, userID string) ([]*model.Order, error)
}

type IOrderEvent interface {
	// Create reports false when the event id was already recorded.
	Create(ctx context.Context, record *model.OrderEvent) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]*model.OrderEvent, error)
}
