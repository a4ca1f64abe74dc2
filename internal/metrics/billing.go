package metrics

// Outcome labels shared by the lifecycle counters.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
	OutcomeIgnored  = "ignored"
	OutcomeReplay   = "replay"
	OutcomeNoop     = "noop"
)

// Entitlement gate decisions.
const (
	DecisionAllowed        = "allowed"
	DecisionNoSubscription = "no_subscription"
	DecisionExhausted      = "exhausted"
	DecisionLostRace       = "lost_race"
)

func CheckoutRecorded(planID, outcome string) {
	CheckoutsTotal.WithLabelValues(planID, outcome).Inc()
}

func WebhookRecorded(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func ActivationRecorded(outcome string) {
	ActivationsTotal.WithLabelValues(outcome).Inc()
}

func EntitlementDecided(decision string) {
	EntitlementDecisionsTotal.WithLabelValues(decision).Inc()
}

// AICallRecorded counts one completion call and its token usage.
func AICallRecorded(provider, status string, inputTokens, outputTokens int) {
	AIAPICalls.WithLabelValues(provider, status).Inc()
	if inputTokens > 0 {
		AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}
