package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParkingOrder is one parking stay with its billing outcome.
type ParkingOrder struct {
	ID                   int64           `json:"id"`
	OrderNo              string          `json:"order_no"`
	PlateNo              string          `json:"plate_no"`
	CityCode             string          `json:"city_code"`
	LotCode              string          `json:"lot_code"`
	BillingRuleCode      string          `json:"billing_rule_code"`
	BillingRuleVersionNo *int            `json:"billing_rule_version_no"`
	EntryTime            time.Time       `json:"entry_time"`
	ExitTime             *time.Time      `json:"exit_time"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	PaidAmount           decimal.Decimal `json:"paid_amount"`
	ArrearsAmount        decimal.Decimal `json:"arrears_amount"`
	Status               string          `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FindArrearsOrders filters orders with a positive arrears amount.
type FindArrearsOrders struct {
	PlateNo  *string
	CityCode *string
}
