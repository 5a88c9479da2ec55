package paymentgateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/frahmantamala/mpesa-payments/internal"
	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
)

const (
	maxResponseBytes = 1 << 20
	timestampLayout  = "20060102150405"

	// Daraja limits on the free text fields of an STK push
	maxAccountReference = 12
	maxTransactionDesc  = 13

	resultCodeStillProcessing = "4999"
)

type Config struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	ShortCode         string
	PassKey           string
	CallbackURL       string
	TransactionType   string
	Timeout           time.Duration
	TokenSafetyMargin time.Duration
	Location          *time.Location
}

// Client talks to the Daraja STK push API. It is safe for concurrent use and
// is meant to be constructed once and shared.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	tokens     *tokenCache
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenSafetyMargin <= 0 {
		cfg.TokenSafetyMargin = 60 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
		tokens:     &tokenCache{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type InitiateRequest struct {
	Amount      int64
	Phone       string
	Reference   string
	Description string
}

type InitiateResult struct {
	ExternalReference   string
	MerchantRequestID   string
	ResponseDescription string
	CustomerMessage     string
}

// InitiatePayment sends an STK push prompt to the customer's phone and returns
// the CheckoutRequestID that the asynchronous callback will carry.
func (c *Client) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Amount <= 0 {
		return nil, internal.NewValidationFieldError("amount", "amount must be greater than 0", internal.ErrCodeInvalidAmount)
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.credentials()
	payload := gatewaytypes.STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxAccountReference),
		TransactionDesc:   truncate(defaultString(req.Description, "Payment"), maxTransactionDesc),
	}

	c.logger.Info("initiating stk push",
		"amount", req.Amount,
		"phone", MaskPhone(phone),
		"account_reference", payload.AccountReference)

	resp, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return nil, err
	}
	if err := resp.classify(); err != nil {
		c.logger.Warn("stk push not accepted", "status_code", resp.StatusCode, "error", err)
		return nil, err
	}

	var out gatewaytypes.STKPushResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, internal.NewGatewayUnavailableError("failed to decode stk push response", err)
	}
	if out.ResponseCode != "0" {
		return nil, internal.NewGatewayRejectedError(defaultString(out.ResponseDescription, "stk push rejected"),
			fmt.Errorf("response code %q", out.ResponseCode))
	}
	if out.CheckoutRequestID == "" {
		return nil, internal.NewGatewayUnavailableError("gateway did not return a checkout request id", nil)
	}

	c.logger.Info("stk push accepted",
		"external_reference", out.CheckoutRequestID,
		"merchant_request_id", out.MerchantRequestID)

	return &InitiateResult{
		ExternalReference:   out.CheckoutRequestID,
		MerchantRequestID:   out.MerchantRequestID,
		ResponseDescription: out.ResponseDescription,
		CustomerMessage:     out.CustomerMessage,
	}, nil
}

// QueryStatus polls the provider for the outcome of an STK push. PENDING means
// the customer has not answered the prompt yet.
func (c *Client) QueryStatus(ctx context.Context, externalReference string) (datamodel.DerivedStatus, json.RawMessage, error) {
	password, timestamp := c.credentials()
	payload := gatewaytypes.STKQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: externalReference,
	}

	resp, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", payload)
	if err != nil {
		return "", nil, err
	}

	var fault gatewaytypes.FaultResponse
	if json.Unmarshal(resp.Body, &fault) == nil && fault.ErrorCode == gatewaytypes.FaultStillProcessing {
		return datamodel.DerivedPending, resp.Body, nil
	}
	if err := resp.classify(); err != nil {
		return "", resp.Body, err
	}

	var out gatewaytypes.STKQueryResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", resp.Body, internal.NewGatewayUnavailableError("failed to decode stk query response", err)
	}

	code := cast.ToString(out.ResultCode)
	switch {
	case code == "0":
		return datamodel.DerivedSuccess, resp.Body, nil
	case code == "" || code == resultCodeStillProcessing:
		return datamodel.DerivedPending, resp.Body, nil
	default:
		return datamodel.DerivedFailed, resp.Body, nil
	}
}

// Password builds the STK password: base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

func (c *Client) credentials() (password, timestamp string) {
	timestamp = c.now().In(c.cfg.Location).Format(timestampLayout)
	return Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp), timestamp
}

type gatewayResponse struct {
	StatusCode int
	Body       []byte
}

// classify maps non-2xx answers onto the gateway error kinds.
func (r *gatewayResponse) classify() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}

	var fault gatewaytypes.FaultResponse
	_ = json.Unmarshal(r.Body, &fault)
	cause := fmt.Errorf("status %d: %s %s", r.StatusCode, fault.ErrorCode, defaultString(fault.ErrorMessage, truncate(string(r.Body), 200)))

	if r.StatusCode >= 500 {
		return internal.NewGatewayUnavailableError("payment gateway error", cause)
	}
	return internal.NewGatewayRejectedError(defaultString(fault.ErrorMessage, "payment gateway rejected the request"), cause)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*gatewayResponse, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	ctx, cancel := internal.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("payment gateway timed out", "path", path, "timeout", c.cfg.Timeout.String())
		}
		return nil, internal.NewGatewayUnavailableError("payment gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, internal.NewGatewayUnavailableError("failed to read payment gateway response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.invalidate(token)
		return nil, internal.NewGatewayAuthError("payment gateway rejected the access token", fmt.Errorf("status %d", resp.StatusCode))
	}

	return &gatewayResponse{StatusCode: resp.StatusCode, Body: raw}, nil
}

// truncate keeps at most n characters and never splits a rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
