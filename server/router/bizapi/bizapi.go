// Package bizapi exposes the downstream business API: billing rules, fee
// simulation, parking orders, and arrears queries.
package bizapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/server/service/billing"
	"github.com/hrygo/parkwise/store"
	"github.com/hrygo/parkwise/store/db/postgres"
)

// BizAPIService handles the business routes.
type BizAPIService struct {
	Store  *store.Store
	Engine *billing.Engine
}

// NewBizAPIService creates the service around the store and billing engine.
func NewBizAPIService(st *store.Store, engine *billing.Engine) *BizAPIService {
	return &BizAPIService{Store: st, Engine: engine}
}

// Register mounts the business routes.
func (s *BizAPIService) Register(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/billing-rules", s.UpsertBillingRule)
	g.GET("/billing-rules", s.ListBillingRules)
	g.GET("/billing-rules/:ruleCode", s.GetBillingRule)
	g.POST("/billing-rules/simulate", s.SimulateBilling)

	g.POST("/parking-orders", s.CreateParkingOrder)
	g.GET("/parking-orders/:orderNo", s.GetParkingOrder)
	g.GET("/arrears-orders", s.ListArrearsOrders)
}

func (s *BizAPIService) GetBillingRule(c echo.Context) error {
	rule, err := s.Store.GetBillingRuleByCode(c.Request().Context(), c.Param("ruleCode"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Billing rule not found").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get billing rule").SetInternal(err)
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *BizAPIService) ListBillingRules(c echo.Context) error {
	find := &store.FindBillingRules{}
	if cityCode := c.QueryParam("city_code"); cityCode != "" {
		find.CityCode = &cityCode
	}
	if lotCode := c.QueryParam("lot_code"); lotCode != "" {
		find.LotCode = &lotCode
	}
	rules, err := s.Store.ListBillingRules(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list billing rules").SetInternal(err)
	}
	if rules == nil {
		rules = []*store.BillingRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func isVersionOverlap(err error) bool {
	return errors.Is(err, postgres.ErrVersionOverlap)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
