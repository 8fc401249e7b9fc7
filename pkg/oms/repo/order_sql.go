package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joripage/powerex/pkg/oms/model"
)

var ErrNotFound = errors.New("record not found")

type OrderSQLRepo struct {
	db *gorm.DB
}

func NewOrderSQLRepo(db *gorm.DB) *OrderSQLRepo {
	return &OrderSQLRepo{
		db: db,
	}
}

func (s *OrderSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *OrderSQLRepo) Create(ctx context.Context, record *model.Order) error {
	return s.dbWithContext(ctx).Create(record).Error
}

func (s *OrderSQLRepo) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return s.get(s.dbWithContext(ctx), orderID)
}

func (s *OrderSQLRepo) GetForUpdate(ctx context.Context, orderID string) (*model.Order, error) {
	db := s.dbWithContext(ctx)
	if db.Dialector.Name() != "sqlite" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.get(db, orderID)
}

func (s *OrderSQLRepo) get(db *gorm.DB, orderID string) (*model.Order, error) {
	var o model.Order
	err := db.Where("order_id = ?", orderID).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderSQLRepo) Save(ctx context.Context, record *model.Order) error {
	return s.dbWithContext(ctx).Save(record).Error
}

func (s *OrderSQLRepo) ListByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var out []*model.Order
	err := s.dbWithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at, order_id").
		Find(&out).Error
	return out, err
}
