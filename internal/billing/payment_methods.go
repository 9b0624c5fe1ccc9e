package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trading-fee-billing/internal/database"
)

// EnsureCustomer returns the user's gateway customer, creating it on first use
func (o *Orchestrator) EnsureCustomer(ctx context.Context, userID int64) (*database.User, error) {
	user, err := o.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return user, nil
	}

	customerID, err := o.gateway.CreateCustomer(ctx, user.ID, user.Email, user.Name)
	if err != nil {
		return nil, err
	}
	if err := o.store.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
		return nil, fmt.Errorf("save customer id: %w", err)
	}
	user.StripeCustomerID = &customerID
	o.logger.Info("Created gateway customer", "user_id", user.ID, "customer", customerID)
	return user, nil
}

// AddPaymentMethod attaches a tokenized card to the user's customer and
// saves it. The user's first card becomes the default.
func (o *Orchestrator) AddPaymentMethod(ctx context.Context, userID int64, paymentMethodID string, makeDefault bool) (*database.PaymentMethod, error) {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if userID <= 0 || paymentMethodID == "" {
		return nil, fmt.Errorf("%w: user id and payment method id are required", ErrInvalidInput)
	}

	user, err := o.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}

	card, err := o.gateway.AttachPaymentMethod(ctx, *user.StripeCustomerID, paymentMethodID)
	if err != nil {
		return nil, err
	}

	m := &database.PaymentMethod{
		UserID:                userID,
		StripeCustomerID:      *user.StripeCustomerID,
		StripePaymentMethodID: card.PaymentMethodID,
		Brand:                 card.Brand,
		Last4:                 card.Last4,
		ExpMonth:              card.ExpMonth,
		ExpYear:               card.ExpYear,
		IsDefault:             makeDefault,
	}
	if err := o.store.CreatePaymentMethod(ctx, m); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: payment method already saved", ErrConflict)
		}
		return nil, fmt.Errorf("save payment method: %w", err)
	}

	o.record(ctx, userID, nil, database.EventPaymentMethodAdded, map[string]interface{}{
		"payment_method": m.StripePaymentMethodID,
		"brand":          m.Brand,
		"last4":          m.Last4,
		"is_default":     m.IsDefault,
	})
	return m, nil
}

// RemovePaymentMethod detaches a card and deletes it locally
func (o *Orchestrator) RemovePaymentMethod(ctx context.Context, userID, methodID int64) error {
	removed, err := o.store.DeletePaymentMethod(ctx, userID, methodID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: payment method %d", ErrNotFound, methodID)
	}
	if err != nil {
		return fmt.Errorf("delete payment method: %w", err)
	}

	if err := o.gateway.DetachPaymentMethod(ctx, removed.StripePaymentMethodID); err != nil {
		// The local row is gone, so the card can no longer be charged.
		o.logger.Warn("Failed to detach payment method at gateway", "user_id", userID, "payment_method", removed.StripePaymentMethodID, "error", err)
	}

	o.record(ctx, userID, nil, database.EventPaymentMethodRemoved, map[string]interface{}{
		"payment_method": removed.StripePaymentMethodID,
		"was_default":    removed.IsDefault,
	})
	return nil
}

// SetDefaultPaymentMethod selects the card future charges use
func (o *Orchestrator) SetDefaultPaymentMethod(ctx context.Context, userID, methodID int64) error {
	if err := o.store.SetDefaultPaymentMethod(ctx, userID, methodID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: payment method %d", ErrNotFound, methodID)
		}
		return fmt.Errorf("set default payment method: %w", err)
	}
	o.record(ctx, userID, nil, database.EventPaymentMethodDefault, map[string]interface{}{
		"payment_method_id": methodID,
	})
	return nil
}

// PaymentMethods lists the user's saved cards
func (o *Orchestrator) PaymentMethods(ctx context.Context, userID int64) ([]database.PaymentMethod, error) {
	return o.store.ListPaymentMethods(ctx, userID)
}

// SetBillingEnabled turns weekly charging on or off for a user
func (o *Orchestrator) SetBillingEnabled(ctx context.Context, userID int64, enabled bool, actor string) error {
	changed, err := o.store.SetBillingEnabled(ctx, userID, enabled)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("update billing flag: %w", err)
	}
	if !changed {
		return nil
	}

	eventType := database.EventBillingDisabled
	if enabled {
		eventType = database.EventBillingEnabled
	}
	o.logger.Info("Billing flag changed", "user_id", userID, "enabled", enabled, "actor", actor)
	o.record(ctx, userID, nil, eventType, map[string]interface{}{"actor": actor})
	return nil
}
