package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joripage/powerex/pkg/oms/model"
)

type OrderEventSQLRepo struct {
	db *gorm.DB
}

func NewOrderEventSQLRepo(db *gorm.DB) *OrderEventSQLRepo {
	return &OrderEventSQLRepo{
		db: db,
	}
}

func (s *OrderEventSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (r *OrderEventSQLRepo) Create(ctx context.Context, record *model.OrderEvent) (bool, error) {
	res := r.dbWithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *OrderEventSQLRepo) ListByOrder(ctx context.Context, orderID string) ([]*model.OrderEvent, error) {
	var out []*model.OrderEvent
	err := r.dbWithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&out).Error
	return out, err
}
