package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-fee-billing/internal/logging"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeClient(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
	}, logging.Nop())
}

func TestStripeChargeSendsOffSessionIntent(t *testing.T) {
	var gotKey, gotUser string
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		gotUser, _, _ = r.BasicAuth()
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "8000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[billing_period_id]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"succeeded","amount":8000,"latest_charge":"ch_123"}`))
	})

	out, err := client.Charge(context.Background(), ChargeRequest{
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		AmountCents:     8000,
		Currency:        "usd",
		IdempotencyKey:  "billing-period-42-attempt-1",
		Metadata:        map[string]string{"billing_period_id": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", out.PaymentIntentID)
	assert.Equal(t, "ch_123", out.ChargeID)
	assert.Equal(t, IntentSucceeded, out.Status)
	assert.Equal(t, "sk_test_123", gotUser)
	assert.Equal(t, "billing-period-42-attempt-1", gotKey)
}

func TestStripeChargeExpandedLatestCharge(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_9","status":"processing","latest_charge":{"id":"ch_9"}}`))
	})
	out, err := client.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "ch_9", out.ChargeID)
	assert.Equal(t, IntentProcessing, out.Status)
}

func TestStripeCardDeclineKeepsIntent(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds",
			"message":"Your card has insufficient funds.","charge":"ch_d","payment_intent":{"id":"pi_d","status":"requires_payment_method"}}}`))
	})

	_, err := client.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.True(t, gwErr.IsCardError())
	assert.Equal(t, "pi_d", gwErr.PaymentIntentID)
	assert.Equal(t, "ch_d", gwErr.ChargeID)
	assert.Equal(t, "insufficient_funds", gwErr.DeclineCode)
}

func TestStripeServerErrorWithoutBody(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.Refund(context.Background(), "pi_1")
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.False(t, gwErr.IsCardError())
}

func TestStripeCustomerAndCardCalls(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers":
			assert.Equal(t, "customer-7", r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"id":"cus_7"}`))
		case "/v1/payment_methods/pm_1/attach":
			_, _ = w.Write([]byte(`{"id":"pm_1","card":{"brand":"visa","last4":"4242","exp_month":4,"exp_year":2031}}`))
		case "/v1/payment_methods/pm_1/detach":
			_, _ = w.Write([]byte(`{"id":"pm_1"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	cus, err := client.CreateCustomer(context.Background(), 7, "a@example.com", "A")
	require.NoError(t, err)
	assert.Equal(t, "cus_7", cus)

	card, err := client.AttachPaymentMethod(context.Background(), cus, "pm_1")
	require.NoError(t, err)
	assert.Equal(t, "4242", card.Last4)
	assert.Equal(t, 2031, card.ExpYear)

	require.NoError(t, client.DetachPaymentMethod(context.Background(), "pm_1"))
}

func TestStripeTimeoutIsDeadlineExceeded(t *testing.T) {
	client := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Charge(ctx, ChargeRequest{AmountCents: 100, Currency: "usd"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// SIGNATURES
// ============================================================================

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)
	now := time.Unix(1_800_000_000, 0)

	tests := []struct {
		name    string
		header  string
		secret  string
		wantErr error
	}{
		{"valid", SignPayload(payload, "s3cret", now), "s3cret", nil},
		{"valid with extra v0", SignPayload(payload, "s3cret", now) + ",v0=deadbeef", "s3cret", nil},
		{"within tolerance", SignPayload(payload, "s3cret", now.Add(-4*time.Minute)), "s3cret", nil},
		{"too old", SignPayload(payload, "s3cret", now.Add(-6*time.Minute)), "s3cret", ErrWebhookStale},
		{"too far ahead", SignPayload(payload, "s3cret", now.Add(6*time.Minute)), "s3cret", ErrWebhookStale},
		{"wrong secret", SignPayload(payload, "other", now), "s3cret", ErrWebhookBadSignature},
		{"no secret configured", SignPayload(payload, "s3cret", now), "", ErrWebhookNoSecret},
		{"garbage header", "nonsense", "s3cret", ErrWebhookBadHeader},
		{"bad timestamp", "t=abc,v1=00", "s3cret", ErrWebhookBadHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.header, tt.secret, 5*time.Minute, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifySignatureDetectsTampering(t *testing.T) {
	now := time.Now()
	header := SignPayload([]byte(`{"amount":100}`), "s3cret", now)
	err := VerifySignature([]byte(`{"amount":999}`), header, "s3cret", 5*time.Minute, now)
	assert.ErrorIs(t, err, ErrWebhookBadSignature)
}

func TestConstructEventRejectsBeforeParsing(t *testing.T) {
	client := NewStripeClient(StripeConfig{SecretKey: "sk", WebhookSecret: "whsec"}, logging.Nop())

	_, err := client.ConstructEvent([]byte(`not json`), SignPayload([]byte(`not json`), "wrong", time.Now()))
	assert.ErrorIs(t, err, ErrWebhookBadSignature)

	_, err = client.ConstructEvent([]byte(`not json`), SignPayload([]byte(`not json`), "whsec", time.Now()))
	assert.ErrorIs(t, err, ErrWebhookMalformedBody)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","created":1700000000,"livemode":true,"data":{"object":{"id":"ch_1"}}}`)
	ev, err := client.ConstructEvent(payload, SignPayload(payload, "whsec", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventTypeChargeRefunded, ev.Type)
	assert.True(t, ev.Livemode)
	assert.JSONEq(t, `{"id":"ch_1"}`, string(ev.Object))
}
