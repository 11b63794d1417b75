// Package transport implements the CLOB REST client, the market/user
// WebSocket feeds, and the wallet/EIP-712/HMAC auth layer used to sign and
// authenticate every outbound request. This is the only package that opens
// network connections to the exchange.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradingcore/internal/config"
	"tradingcore/internal/errs"
	"tradingcore/internal/ratelimit"
	"tradingcore/pkg/types"
)

// RestClient is the CLOB REST API client: order management, book reads, and
// auth bootstrapping. Every request except DeriveAPIKey is rate-limited via
// the per-category Limiter, and every request is retried on transport errors
// and 5xx responses. Requests are authenticated with L2 HMAC headers, except
// book reads (unauthenticated) and DeriveAPIKey (L1 headers).
type RestClient struct {
	http   *resty.Client
	auth   *Auth
	rl     *ratelimit.Limiter
	dryRun bool
	logger *slog.Logger
}

// NewRestClient creates a REST client with rate limiting and retry.
func NewRestClient(cfg config.APIConfig, dryRun bool, auth *Auth, rl *ratelimit.Limiter, logger *slog.Logger) *RestClient {
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RestClient{
		http:   httpClient,
		auth:   auth,
		rl:     rl,
		dryRun: dryRun,
		logger: logger.With("component", "rest"),
	}
}

// GetOrderBook fetches the order book for a single asset.
func (c *RestClient) GetOrderBook(ctx context.Context, assetID string) (*types.BookResponse, error) {
	if err := c.rl.WaitRead(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", assetID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("get book: %s", resp.String())}
	}
	return &result, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects. It sets the maker to the
// funder wallet (proxy), the signer to the EOA, and the taker to the zero
// address (open order, anyone can fill), and assigns a fresh replay-safe
// nonce from the auth layer's counter.
func (c *RestClient) buildOrderPayload(order types.UserOrder) types.OrderPayload {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	return types.OrderPayload{
		Order: types.SignedOrder{
			Salt:          uuid.NewString(),
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          order.Side,
			Expiration:    fmt.Sprintf("%d", order.Expiration),
			Nonce:         c.auth.NextNonce(),
			FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
			SignatureType: c.auth.SignatureType(),
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
		PostOnly:  order.PostOnly,
	}
}

// PostOrders places up to 15 orders in a batch.
func (c *RestClient) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, &errs.DataValidationError{Reason: fmt.Sprintf("batch limit is 15 orders, got %d", len(orders))}
	}
	if c.dryRun {
		c.logger.Info("dry-run: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%s", uuid.NewString()), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payloads[i] = c.buildOrderPayload(order)
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, &errs.DataValidationError{Reason: fmt.Sprintf("marshal orders: %v", err)}
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, err
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		// A request that failed in flight (timeout, connection reset) leaves
		// the order's fate unknown at the venue; callers must probe status
		// rather than assume rejection.
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("post orders: %s", resp.String())}
	}

	return results, nil
}

// GetOrderStatus probes a single order's current state. Used after a POST
// that errored as a timeout, to distinguish "never reached the venue" from
// "filled/rejected before the response made it back".
func (c *RestClient) GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.WaitRead(ctx); err != nil {
		return nil, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, err
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("get order status: %s", resp.String())}
	}
	return &result, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *RestClient) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("dry-run: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &errs.DataValidationError{Reason: fmt.Sprintf("marshal cancel request: %v", err)}
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, err
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("cancel orders: %s", resp.String())}
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets. Used on shutdown
// and as the last resort of the flash-cancel path.
func (c *RestClient) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, err
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("cancel all: %s", resp.String())}
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market (condition ID).
func (c *RestClient) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, err
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("cancel market orders: %s", resp.String())}
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *RestClient) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, err
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, &errs.ApiError{Kind: errs.ApiTimeout, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &errs.ApiError{Kind: errs.ApiHttp, Code: resp.StatusCode(), Err: fmt.Errorf("derive api key: %s", resp.String())}
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// PlaceFOK places a single Fill-Or-Kill order and classifies the outcome.
// If the POST itself times out, the order's fate is unknown at the venue;
// the caller should follow up with GetOrderStatus before assuming it never
// landed (see DESIGN.md's Open Question resolution on FOK timeout handling).
func (c *RestClient) PlaceFOK(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	order.OrderType = types.OrderTypeFOK
	results, err := c.PostOrders(ctx, []types.UserOrder{order})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &errs.ApiError{Kind: errs.ApiInvalidResponse, Err: fmt.Errorf("empty response placing FOK order")}
	}
	if !results[0].Success {
		return &results[0], &errs.TradingError{Kind: errs.TradingFokNotFilled, VenueCode: results[0].Status, Err: fmt.Errorf("%s", results[0].ErrorMsg)}
	}
	return &results[0], nil
}

// PlaceIOC places a single Immediate-Or-Cancel order.
func (c *RestClient) PlaceIOC(ctx context.Context, order types.UserOrder) (*types.OrderResponse, error) {
	order.OrderType = types.OrderTypeIOC
	results, err := c.PostOrders(ctx, []types.UserOrder{order})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &errs.ApiError{Kind: errs.ApiInvalidResponse, Err: fmt.Errorf("empty response placing IOC order")}
	}
	return &results[0], nil
}
