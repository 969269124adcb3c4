package bizapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hrygo/parkwise/store"
)

// CreateParkingOrderRequest creates one parking stay. arrears_amount is
// derived server-side as max(0, total - paid).
type CreateParkingOrderRequest struct {
	OrderNo              string          `json:"order_no"`
	PlateNo              string          `json:"plate_no"`
	CityCode             string          `json:"city_code"`
	LotCode              string          `json:"lot_code"`
	BillingRuleCode      string          `json:"billing_rule_code"`
	BillingRuleVersionNo *int            `json:"billing_rule_version_no,omitempty"`
	EntryTime            time.Time       `json:"entry_time"`
	ExitTime             *time.Time      `json:"exit_time,omitempty"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	PaidAmount           decimal.Decimal `json:"paid_amount"`
	Status               string          `json:"status"`
}

func (s *BizAPIService) CreateParkingOrder(c echo.Context) error {
	request := &CreateParkingOrderRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	if request.OrderNo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "order_no is required")
	}
	if request.PlateNo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plate_no is required")
	}
	if request.EntryTime.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "entry_time is required")
	}

	arrears := request.TotalAmount.Sub(request.PaidAmount)
	if arrears.IsNegative() {
		arrears = decimal.Zero
	}
	status := request.Status
	if status == "" {
		status = "open"
	}

	order, err := s.Store.CreateParkingOrder(c.Request().Context(), &store.ParkingOrder{
		OrderNo:              request.OrderNo,
		PlateNo:              request.PlateNo,
		CityCode:             request.CityCode,
		LotCode:              request.LotCode,
		BillingRuleCode:      request.BillingRuleCode,
		BillingRuleVersionNo: request.BillingRuleVersionNo,
		EntryTime:            request.EntryTime,
		ExitTime:             request.ExitTime,
		TotalAmount:          request.TotalAmount.Round(2),
		PaidAmount:           request.PaidAmount.Round(2),
		ArrearsAmount:        arrears.Round(2),
		Status:               status,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create parking order").SetInternal(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (s *BizAPIService) GetParkingOrder(c echo.Context) error {
	order, err := s.Store.GetParkingOrderByOrderNo(c.Request().Context(), c.Param("orderNo"))
	if err != nil {
		if isNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "Parking order not found").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get parking order").SetInternal(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (s *BizAPIService) ListArrearsOrders(c echo.Context) error {
	find := &store.FindArrearsOrders{}
	if plateNo := c.QueryParam("plate_no"); plateNo != "" {
		find.PlateNo = &plateNo
	}
	if cityCode := c.QueryParam("city_code"); cityCode != "" {
		find.CityCode = &cityCode
	}
	orders, err := s.Store.ListArrearsOrders(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list arrears orders").SetInternal(err)
	}
	if orders == nil {
		orders = []*store.ParkingOrder{}
	}
	return c.JSON(http.StatusOK, orders)
}
