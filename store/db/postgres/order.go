package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/store"
)

const parkingOrderColumns = `
	id, order_no, plate_no, city_code, lot_code, billing_rule_code, billing_rule_version_no,
	entry_time, exit_time, total_amount, paid_amount, arrears_amount, status, created_at, updated_at
`

// CreateParkingOrder inserts an order. Duplicate order numbers fail on the
// unique constraint.
func (d *DB) CreateParkingOrder(ctx context.Context, create *store.ParkingOrder) (*store.ParkingOrder, error) {
	stmt := `
		INSERT INTO parking_orders (
			order_no, plate_no, city_code, lot_code, billing_rule_code, billing_rule_version_no,
			entry_time, exit_time, total_amount, paid_amount, arrears_amount, status
		) VALUES (` + placeholders(12) + `)
		RETURNING ` + parkingOrderColumns

	order, err := scanParkingOrder(d.db.QueryRowContext(ctx, stmt,
		create.OrderNo,
		create.PlateNo,
		create.CityCode,
		create.LotCode,
		create.BillingRuleCode,
		create.BillingRuleVersionNo,
		create.EntryTime,
		create.ExitTime,
		create.TotalAmount,
		create.PaidAmount,
		create.ArrearsAmount,
		create.Status,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create parking order")
	}
	return order, nil
}

// GetParkingOrderByOrderNo returns the order or store.ErrNotFound.
func (d *DB) GetParkingOrderByOrderNo(ctx context.Context, orderNo string) (*store.ParkingOrder, error) {
	stmt := `
		SELECT ` + parkingOrderColumns + `
		FROM parking_orders
		WHERE order_no = ` + placeholder(1)

	order, err := scanParkingOrder(d.db.QueryRowContext(ctx, stmt, orderNo))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get parking order")
	}
	return order, nil
}

// ListArrearsOrders lists orders with outstanding arrears, newest first.
func (d *DB) ListArrearsOrders(ctx context.Context, find *store.FindArrearsOrders) ([]*store.ParkingOrder, error) {
	where, args := []string{"arrears_amount > 0"}, []any{}
	if find.PlateNo != nil {
		where, args = append(where, "plate_no = "+placeholder(len(args)+1)), append(args, *find.PlateNo)
	}
	if find.CityCode != nil {
		where, args = append(where, "city_code = "+placeholder(len(args)+1)), append(args, *find.CityCode)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+parkingOrderColumns+`
		FROM parking_orders
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list arrears orders")
	}
	defer rows.Close()

	list := []*store.ParkingOrder{}
	for rows.Next() {
		order, err := scanParkingOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan parking order")
		}
		list = append(list, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

type parkingOrderScanner interface {
	Scan(dest ...any) error
}

func scanParkingOrder(row parkingOrderScanner) (*store.ParkingOrder, error) {
	var order store.ParkingOrder
	if err := row.Scan(
		&order.ID,
		&order.OrderNo,
		&order.PlateNo,
		&order.CityCode,
		&order.LotCode,
		&order.BillingRuleCode,
		&order.BillingRuleVersionNo,
		&order.EntryTime,
		&order.ExitTime,
		&order.TotalAmount,
		&order.PaidAmount,
		&order.ArrearsAmount,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &order, nil
}
