// Package bizapi is the HTTP client for the parking business API plus the
// fact builders that turn its responses into answer evidence.
package bizapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/internal/trace"
)

// StatusError reports a non-2xx response from the business API.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("biz_api: unexpected status %d", e.StatusCode)
}

// CallRecorder observes the outcome of each business API call. Endpoint
// labels use route templates, not raw URLs, to keep cardinality bounded.
type CallRecorder interface {
	RecordBizAPICall(endpoint, status string)
}

// Client talks to the parking business API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	recorder   CallRecorder
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithRecorder attaches a call recorder and returns the client.
func (c *Client) WithRecorder(recorder CallRecorder) *Client {
	c.recorder = recorder
	return c
}

// GetArrearsOrders lists unpaid orders filtered by plate and city.
func (c *Client) GetArrearsOrders(ctx context.Context, plateNo, cityCode string) ([]map[string]any, error) {
	params := url.Values{}
	if plateNo != "" {
		params.Set("plate_no", plateNo)
	}
	if cityCode != "" {
		params.Set("city_code", cityCode)
	}
	var rows []map[string]any
	if err := c.getJSON(ctx, "/api/v1/arrears-orders", "GET /api/v1/arrears-orders", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetBillingRules lists billing rules filtered by city and lot.
func (c *Client) GetBillingRules(ctx context.Context, cityCode, lotCode string) ([]map[string]any, error) {
	params := url.Values{}
	if cityCode != "" {
		params.Set("city_code", cityCode)
	}
	if lotCode != "" {
		params.Set("lot_code", lotCode)
	}
	var rows []map[string]any
	if err := c.getJSON(ctx, "/api/v1/billing-rules", "GET /api/v1/billing-rules", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetParkingOrder fetches a single order by order number.
func (c *Client) GetParkingOrder(ctx context.Context, orderNo string) (map[string]any, error) {
	var order map[string]any
	if err := c.getJSON(ctx, "/api/v1/parking-orders/"+url.PathEscape(orderNo), "GET /api/v1/parking-orders/{order_no}", nil, &order); err != nil {
		return nil, err
	}
	return order, nil
}

// SimulateBilling recomputes the fee for a rule and time range.
func (c *Client) SimulateBilling(ctx context.Context, ruleCode string, entryTime, exitTime time.Time) (map[string]any, error) {
	payload := map[string]string{
		"rule_code":  ruleCode,
		"entry_time": entryTime.Format(time.RFC3339),
		"exit_time":  exitTime.Format(time.RFC3339),
	}
	var sim map[string]any
	if err := c.postJSON(ctx, "/api/v1/billing-rules/simulate", "POST /api/v1/billing-rules/simulate", payload, &sim); err != nil {
		return nil, err
	}
	return sim, nil
}

func (c *Client) getJSON(ctx context.Context, path, endpoint string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(req, endpoint, out)
}

func (c *Client) postJSON(ctx context.Context, path, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, endpoint, out)
}

func (c *Client) record(endpoint, status string) {
	if c.recorder != nil {
		c.recorder.RecordBizAPICall(endpoint, status)
	}
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	if id := trace.ID(req.Context()); id != "" {
		req.Header.Set(trace.Header, id)
	}
	slog.Info("biz_api: request", "method", req.Method, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(endpoint, "error")
		return errors.Wrap(err, "biz_api request")
	}
	defer resp.Body.Close()
	c.record(endpoint, strconv.Itoa(resp.StatusCode))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	slog.Info("biz_api: response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
