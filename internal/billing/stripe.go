package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trading-fee-billing/internal/logging"
)

// StripeClient talks to the Stripe REST API
type StripeClient struct {
	secretKey     string
	webhookSecret string
	tolerance     time.Duration
	httpClient    *http.Client
	baseURL       string
	now           func() time.Time
	logger        *logging.Logger
}

// StripeConfig holds Stripe configuration
type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	BaseURL          string
	Timeout          time.Duration
	WebhookTolerance time.Duration
}

// NewStripeClient creates a new Stripe client
func NewStripeClient(config StripeConfig, logger *logging.Logger) *StripeClient {
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tolerance := config.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeClient{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		tolerance:     tolerance,
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       baseURL + "/v1",
		now:           time.Now,
		logger:        logger.WithComponent("stripe"),
	}
}

// IsConfigured returns true if Stripe is properly configured
func (s *StripeClient) IsConfigured() bool {
	return s.secretKey != "" && s.webhookSecret != ""
}

type stripeCustomer struct {
	ID string `json:"id"`
}

// CreateCustomer creates a gateway customer for a platform user
func (s *StripeClient) CreateCustomer(ctx context.Context, userID int64, email, name string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	if name != "" {
		form.Set("name", name)
	}
	form.Set("metadata[user_id]", strconv.FormatInt(userID, 10))

	var customer stripeCustomer
	if err := s.do(ctx, http.MethodPost, "/customers", form, "customer-"+strconv.FormatInt(userID, 10), &customer); err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return customer.ID, nil
}

type stripePaymentMethod struct {
	ID   string `json:"id"`
	Card struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

// AttachPaymentMethod attaches a card to a customer and returns its details
func (s *StripeClient) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*CardDetails, error) {
	form := url.Values{}
	form.Set("customer", customerID)

	var pm stripePaymentMethod
	if err := s.do(ctx, http.MethodPost, "/payment_methods/"+url.PathEscape(paymentMethodID)+"/attach", form, "", &pm); err != nil {
		return nil, fmt.Errorf("failed to attach payment method: %w", err)
	}
	return &CardDetails{
		PaymentMethodID: pm.ID,
		Brand:           pm.Card.Brand,
		Last4:           pm.Card.Last4,
		ExpMonth:        pm.Card.ExpMonth,
		ExpYear:         pm.Card.ExpYear,
	}, nil
}

// DetachPaymentMethod removes a card from its customer
func (s *StripeClient) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	if err := s.do(ctx, http.MethodPost, "/payment_methods/"+url.PathEscape(paymentMethodID)+"/detach", nil, "", nil); err != nil {
		return fmt.Errorf("failed to detach payment method: %w", err)
	}
	return nil
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	LatestCharge     json.RawMessage   `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// latestChargeID handles latest_charge as either an ID or an expanded object
func (pi *stripePaymentIntent) latestChargeID() string {
	if len(pi.LatestCharge) == 0 || string(pi.LatestCharge) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(pi.LatestCharge, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(pi.LatestCharge, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func (pi *stripePaymentIntent) failureReason() string {
	if pi.LastPaymentError == nil {
		return ""
	}
	if pi.LastPaymentError.DeclineCode != "" {
		return pi.LastPaymentError.DeclineCode + ": " + pi.LastPaymentError.Message
	}
	return pi.LastPaymentError.Message
}

// Charge creates and confirms an off-session payment intent
func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", req.Currency)
	form.Set("customer", req.CustomerID)
	form.Set("payment_method", req.PaymentMethodID)
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var pi stripePaymentIntent
	if err := s.do(ctx, http.MethodPost, "/payment_intents", form, req.IdempotencyKey, &pi); err != nil {
		return nil, err
	}

	s.logger.Debug("Payment intent confirmed", "payment_intent", pi.ID, "status", pi.Status)

	return &ChargeOutcome{
		PaymentIntentID: pi.ID,
		ChargeID:        pi.latestChargeID(),
		Status:          pi.Status,
		FailureReason:   pi.failureReason(),
	}, nil
}

// Refund refunds the full amount of a payment intent
func (s *StripeClient) Refund(ctx context.Context, paymentIntentID string) (*RefundOutcome, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)

	var refund struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodPost, "/refunds", form, "refund-"+paymentIntentID, &refund); err != nil {
		return nil, fmt.Errorf("failed to refund %s: %w", paymentIntentID, err)
	}
	return &RefundOutcome{RefundID: refund.ID, AmountCents: refund.Amount, Status: refund.Status}, nil
}

// ConstructEvent verifies the Stripe-Signature header and parses the event.
// Verification is mandatory and happens before any parsing.
func (s *StripeClient) ConstructEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if err := VerifySignature(payload, signatureHeader, s.webhookSecret, s.tolerance, s.now()); err != nil {
		return nil, err
	}
	return ParseEvent(payload)
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against an HMAC-SHA256
// of "<t>.<payload>" and rejects timestamps further than tolerance from now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return ErrWebhookNoSecret
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrWebhookBadHeader
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrWebhookBadHeader
	}

	expected := computeSignature(payload, timestamp, secret)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrWebhookBadSignature
	}

	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if tolerance > 0 && age > tolerance {
		return ErrWebhookStale
	}
	return nil
}

// SignPayload builds a signature header for a payload, as the gateway would
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(payload, ts, secret)
}

func computeSignature(payload []byte, timestamp, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ParseEvent decodes a webhook envelope
func ParseEvent(payload []byte) (*WebhookEvent, error) {
	var envelope struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Created  int64  `json:"created"`
		Livemode bool   `json:"livemode"`
		Data     struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookMalformedBody, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrWebhookMalformedBody)
	}
	return &WebhookEvent{
		ID:       envelope.ID,
		Type:     envelope.Type,
		Created:  time.Unix(envelope.Created, 0).UTC(),
		Livemode: envelope.Livemode,
		Object:   envelope.Data.Object,
	}, nil
}

type stripeErrorBody struct {
	Error struct {
		Type          string `json:"type"`
		Code          string `json:"code"`
		DeclineCode   string `json:"decline_code"`
		Message       string `json:"message"`
		Charge        string `json:"charge"`
		PaymentIntent *struct {
			ID string `json:"id"`
		} `json:"payment_intent"`
	} `json:"error"`
}

// do makes an authenticated form-encoded request and decodes the JSON reply
func (s *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		gwErr := &GatewayError{StatusCode: resp.StatusCode}
		var eb stripeErrorBody
		if json.Unmarshal(respBody, &eb) == nil {
			gwErr.Type = eb.Error.Type
			gwErr.Code = eb.Error.Code
			gwErr.DeclineCode = eb.Error.DeclineCode
			gwErr.Message = eb.Error.Message
			gwErr.ChargeID = eb.Error.Charge
			if eb.Error.PaymentIntent != nil {
				gwErr.PaymentIntentID = eb.Error.PaymentIntent.ID
			}
		}
		if gwErr.Message == "" {
			gwErr.Message = resp.Status
		}
		return gwErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
