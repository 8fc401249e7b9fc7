package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/joripage/powerex/pkg/oms/model"
)

type IRepo interface {
	Order() IOrder
	OrderEvent() IOrderEvent
	// Transaction runs fn against a repo bound to one transaction.
	Transaction(ctx context.Context, fn func(r IRepo) error) error
	AutoMigrate() error
}

type Repo struct {
	omsDB *gorm.DB
}

func NewRepo(omsDB *gorm.DB) IRepo {
	return &Repo{
		omsDB: omsDB,
	}
}

func (r *Repo) Order() IOrder {
	return NewOrderSQLRepo(r.omsDB)
}

func (r *Repo) OrderEvent() IOrderEvent {
	return NewOrderEventSQLRepo(r.omsDB)
}

func (r *Repo) Transaction(ctx context.Context, fn func(r IRepo) error) error {
	return r.omsDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{omsDB: tx})
	})
}

func (r *Repo) AutoMigrate() error {
	return r.omsDB.AutoMigrate(&model.Order{}, &model.OrderEvent{})
}
