package database

// periodTransitions lists every legal billing period status change.
// failed -> pending is only taken by an explicit retry on the same row.
// failed -> paid happens when a late webhook confirms an earlier attempt.
var periodTransitions = map[string][]string{
	PeriodStatusPending: {PeriodStatusPaid, PeriodStatusFailed, PeriodStatusWaived},
	PeriodStatusFailed:  {PeriodStatusPending, PeriodStatusPaid, PeriodStatusWaived},
	PeriodStatusPaid:    {},
	PeriodStatusWaived:  {},
}

var paymentTransitions = map[string][]string{
	PaymentStatusPending:   {PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusFailed:    {PaymentStatusSucceeded},
	PaymentStatusSucceeded: {PaymentStatusRefunded},
	PaymentStatusRefunded:  {},
}

// CanTransitionPeriod reports whether a billing period may move from -> to
func CanTransitionPeriod(from, to string) bool {
	return contains(periodTransitions[from], to)
}

// CanTransitionPayment reports whether a payment may move from -> to
func CanTransitionPayment(from, to string) bool {
	return contains(paymentTransitions[from], to)
}

// PeriodSourcesFor returns every status that may legally move to the target
func PeriodSourcesFor(to string) []string {
	return sourcesFor(periodTransitions, to)
}

// PaymentSourcesFor returns every status that may legally move to the target
func PaymentSourcesFor(to string) []string {
	return sourcesFor(paymentTransitions, to)
}

// IsTerminalPeriodStatus reports whether no further change is allowed
func IsTerminalPeriodStatus(status string) bool {
	next, ok := periodTransitions[status]
	return ok && len(next) == 0
}

func sourcesFor(table map[string][]string, to string) []string {
	// Fixed order keeps generated SQL arguments stable.
	order := []string{
		PeriodStatusPending, PeriodStatusFailed, PeriodStatusPaid, PeriodStatusWaived,
		PaymentStatusSucceeded, PaymentStatusRefunded,
	}
	var out []string
	seen := make(map[string]bool)
	for _, from := range order {
		if seen[from] {
			continue
		}
		seen[from] = true
		if contains(table[from], to) {
			out = append(out, from)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
