package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-fee-billing/internal/billing"
)

func TestParseIDArg(t *testing.T) {
	id, err := parseIDArg([]string{"charge", "42"}, 1, "user id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"0", "-3", "abc", ""} {
		_, err := parseIDArg([]string{bad}, 0, "user id")
		assert.ErrorContains(t, err, "invalid user id", bad)
	}
}

func TestReportChargeExitStatus(t *testing.T) {
	ok := []billing.ChargeStatus{billing.ChargeCharged, billing.ChargePending, billing.ChargeNoFeeDue}
	for _, s := range ok {
		assert.NoError(t, reportCharge(billing.ChargeResult{Status: s}), s)
	}

	bad := []billing.ChargeStatus{
		billing.ChargeConflict, billing.ChargePreconditionFailed, billing.ChargeInvalid,
		billing.ChargeFailed, billing.ChargeError,
	}
	for _, s := range bad {
		err := reportCharge(billing.ChargeResult{Status: s, Error: "nope"})
		assert.ErrorContains(t, err, string(s))
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"period", "status", "charge", "retry", "run-weekly", "waive", "refund",
		"reconcile", "fix-missing", "link-account", "archive", "migrate", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
