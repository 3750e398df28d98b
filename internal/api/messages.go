package api

import (
	"github.com/kelpejol/paygate/internal/feedback"
	"github.com/kelpejol/paygate/internal/ledger"
	"github.com/kelpejol/paygate/internal/pricing"
)

// RejectionInsufficientBalance is the rejection reason of a reservation
// the wallet cannot cover.
const RejectionInsufficientBalance = "INSUFFICIENT_BALANCE"

type EstimateCostRequest struct {
	ModelID         string         `json:"model_id"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	Turns           []pricing.Turn `json:"turns,omitempty"`
	MaxOutputTokens int64          `json:"max_output_tokens"`
}

func (r *EstimateCostRequest) toPricing() pricing.Request {
	return pricing.Request{
		ModelID:         r.ModelID,
		SystemPrompt:    r.SystemPrompt,
		Turns:           r.Turns,
		MaxOutputTokens: r.MaxOutputTokens,
	}
}

type EstimateCostResponse struct {
	pricing.Estimate
}

// ReserveRequest holds funds for a request. When AmountCents is zero and
// Estimate is set, the amount is estimated first.
type ReserveRequest struct {
	UserID      string               `json:"user_id"`
	AmountCents int64                `json:"amount_cents"`
	Estimate    *EstimateCostRequest `json:"estimate,omitempty"`
	RequestID   string               `json:"request_id,omitempty"`
	ThreadID    string               `json:"thread_id,omitempty"`
	MessageID   string               `json:"message_id,omitempty"`
	ModelID     string               `json:"model_id,omitempty"`
	Provider    string               `json:"provider,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

type ReserveResponse struct {
	Approved              bool   `json:"approved"`
	ReservedCents         int64  `json:"reserved_cents"`
	RemainingBalanceCents int64  `json:"remaining_balance_cents"`
	RejectionReason       string `json:"rejection_reason,omitempty"`
}

type ReleaseRequest struct {
	UserID        string `json:"user_id"`
	ReservedCents int64  `json:"reserved_cents"`
	RequestID     string `json:"request_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type ReleaseResponse struct {
	ledger.ReleaseResult
}

type SettleRequest struct {
	UserID          string `json:"user_id"`
	ReservedCents   int64  `json:"reserved_cents"`
	ActualCostCents int64  `json:"actual_cost_cents"`
	RequestID       string `json:"request_id,omitempty"`
	ThreadID        string `json:"thread_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	ModelID         string `json:"model_id,omitempty"`
	Provider        string `json:"provider,omitempty"`
	InputTokens     int64  `json:"input_tokens,omitempty"`
	OutputTokens    int64  `json:"output_tokens,omitempty"`
}

type SettleResponse struct {
	ledger.SettleResult
}

type GrantCreditRequest struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	ActorID     string `json:"actor_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type GrantCreditResponse struct {
	ledger.GrantResult
}

type GetBalanceRequest struct {
	UserID string `json:"user_id"`
}

type GetBalanceResponse struct {
	Wallet *ledger.Wallet `json:"wallet"`
}

type ListEntriesRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListEntriesResponse struct {
	Entries []ledger.Entry `json:"entries"`
}

type GetMultiplierRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

type GetMultiplierResponse struct {
	Multipliers map[string]float64 `json:"multipliers"`
}

type SubmitRatingRequest struct {
	Source    string              `json:"source"`
	TargetID  string              `json:"target_id"`
	UserID    string              `json:"user_id,omitempty"`
	Rating    int                 `json:"rating"`
	Comment   string              `json:"comment,omitempty"`
	Citations []feedback.Citation `json:"citations,omitempty"`
}

type SubmitRatingResponse struct {
	RatingID string `json:"rating_id"`
}

type DeleteRatingRequest struct {
	RatingID string `json:"rating_id"`
	ActorID  string `json:"actor_id,omitempty"`
}

type DeleteRatingResponse struct{}

type RecomputeSignalsRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

type RecomputeSignalsResponse struct {
	Recomputed int `json:"recomputed"`
}
