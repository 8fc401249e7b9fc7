package wallet

import (
	"time"

	"github.com/joripage/powerex/pkg/event"
)

// Account balances. All four pools are non-negative; the schema enforces it
// with CHECK constraints and every update is guarded in its WHERE clause.
type Account struct {
	ID                 uint      `gorm:"primaryKey" json:"-"`
	UserID             string    `gorm:"uniqueIndex;not null" json:"user_id"`
	AvailableCurrency  int64     `gorm:"not null;default:0" json:"available_currency"`
	LockedCurrency     int64     `gorm:"not null;default:0" json:"locked_currency"`
	AvailableInventory int64     `gorm:"not null;default:0" json:"available_inventory"`
	LockedInventory    int64     `gorm:"not null;default:0" json:"locked_inventory"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationFilled   ReservationStatus = "FILLED"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationRejected ReservationStatus = "REJECTED"
)

// Reservation is the admission outcome of one order. For an admitted order,
// Remaining is the quantity whose value is still locked.
type Reservation struct {
	OrderID     string            `gorm:"primaryKey"`
	UserID      string            `gorm:"index;not null"`
	Symbol      string            `gorm:"not null"`
	Side        event.Side        `gorm:"not null"`
	Price       int64             `gorm:"not null"`
	Quantity    int64             `gorm:"not null"`
	Remaining   int64             `gorm:"not null"`
	Status      ReservationStatus `gorm:"not null"`
	FailureType event.FailureType
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Reservation) TableName() string { return "reservations" }

// Settlement records an applied match. MatchID is the idempotency key.
type Settlement struct {
	MatchID     string    `gorm:"primaryKey" json:"match_id"`
	Symbol      string    `gorm:"not null" json:"symbol"`
	BuyOrderID  string    `gorm:"not null" json:"buy_order_id"`
	SellOrderID string    `gorm:"not null" json:"sell_order_id"`
	BuyerID     string    `gorm:"index;not null" json:"buyer_id"`
	SellerID    string    `gorm:"index;not null" json:"seller_id"`
	BuyerPrice  int64     `gorm:"not null" json:"buyer_price"`
	DealPrice   int64     `gorm:"not null" json:"deal_price"`
	Amount      int64     `gorm:"not null" json:"amount"`
	MatchedAt   time.Time `json:"matched_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Settlement) TableName() string { return "settlements" }

// Admission is the result of CheckAndLock.
type Admission struct {
	OrderID     string
	Admitted    bool
	FailureType event.FailureType
	Reason      string
	// Duplicate is set when the order had already been checked; the stored
	// outcome is returned and nothing is locked again.
	Duplicate bool
	DecidedAt time.Time
}

// Err maps a rejection to its sentinel error, or nil when admitted.
func (a *Admission) Err() error {
	if a.Admitted {
		return nil
	}
	if err, ok := failureErrors[a.FailureType]; ok {
		return err
	}
	return ErrInvalidOrder
}

func admissionFrom(r *Reservation) *Admission {
	return &Admission{
		OrderID:     r.OrderID,
		Admitted:    r.Status != ReservationRejected,
		FailureType: r.FailureType,
		Reason:      r.Reason,
		DecidedAt:   r.CreatedAt,
	}
}
