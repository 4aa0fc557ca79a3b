package audit

import (
	"faucet/internal/domain"
)

func DecisionRecorded(decision domain.EligibilityDecision) Event {
	payload := map[string]any{
		"decision_id": decision.ID,
		"wallet":      decision.Wallet,
		"verdict":     string(decision.Verdict),
		"reason":      string(decision.Reason),
		"confidence":  decision.Confidence,
		"retryable":   decision.Retryable,
	}
	if decision.Detail != "" {
		payload["detail"] = decision.Detail
	}
	if decision.RetryAfter > 0 {
		payload["retry_after_seconds"] = int64(decision.RetryAfter.Seconds())
	}
	if len(decision.Evidence) > 0 {
		payload["evidence"] = decision.Evidence
	}
	return Event{
		Kind:       KindDecisionRecorded,
		Identity:   decision.Identity,
		RequestID:  decision.RequestID,
		Payload:    payload,
		OccurredAt: decision.DecidedAt,
	}
}

func DisbursementStatusChanged(d domain.Disbursement, from domain.DisbursementStatus) Event {
	payload := map[string]any{
		"from":   string(from),
		"to":     string(d.Status),
		"wallet": d.Wallet,
		"amount": d.Amount,
	}
	if d.TxHash != "" {
		payload["tx_hash"] = d.TxHash
	}
	if d.Nonce != nil {
		payload["nonce"] = *d.Nonce
	}
	if d.LastError != "" {
		payload["error"] = d.LastError
	}
	if d.Reason != "" {
		payload["reason"] = string(d.Reason)
	}
	return Event{
		Kind:       KindDisbursementStatusChanged,
		Identity:   d.Identity,
		RequestID:  d.RequestID,
		Payload:    payload,
		OccurredAt: d.UpdatedAt,
	}
}

// ManualOverride describes an operator action; payload carries the before
// and after state of whatever was overridden.
func ManualOverride(operator, justification, action string, identity domain.Identity, requestID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["action"] = action
	return Event{
		Kind:          KindManualOverride,
		Identity:      identity,
		RequestID:     requestID,
		Operator:      operator,
		Justification: justification,
		Payload:       payload,
	}
}
