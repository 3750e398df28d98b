// Package api implements the gRPC metering service.
//
// This package is the interface layer between callers (chat backends, SDKs,
// the REST gateway) and the ledger, pricing and feedback packages. Every
// request is validated here, routed to the owning package, and its errors
// are translated into gRPC status codes.
//
// The metering flow a caller follows for one model call:
//  1. EstimateCost to size the hold.
//  2. Reserve the estimate. A wallet that cannot cover it yields
//     approved=false, not an error.
//  3. Settle with the actual cost once the call completes, or Release if it
//     failed before producing anything billable.
//
// Messages are plain Go structs carried by a JSON codec; see codec.go and
// desc.go.
//
// All methods are safe for concurrent use.
package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kelpejol/paygate/internal/feedback"
	"github.com/kelpejol/paygate/internal/ledger"
	"github.com/kelpejol/paygate/internal/pricing"
)

const maxListEntries = 1000

// MeteringService implements MeteringServer.
type MeteringService struct {
	ledger    *ledger.Ledger
	estimator *pricing.Estimator
	feedback  *feedback.Engine
	log       zerolog.Logger
}

var _ MeteringServer = (*MeteringService)(nil)

// NewMeteringService creates a MeteringService.
func NewMeteringService(l *ledger.Ledger, e *pricing.Estimator, f *feedback.Engine, logger zerolog.Logger) *MeteringService {
	return &MeteringService{
		ledger:    l,
		estimator: e,
		feedback:  f,
		log:       logger.With().Str("component", "metering_service").Logger(),
	}
}

// Ledger returns the underlying ledger.
func (s *MeteringService) Ledger() *ledger.Ledger {
	return s.ledger
}

// EstimateCost prices a model call without touching any wallet.
func (s *MeteringService) EstimateCost(ctx context.Context, req *EstimateCostRequest) (*EstimateCostResponse, error) {
	if req.ModelID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "model_id is required")
	}
	if req.MaxOutputTokens < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "max_output_tokens cannot be negative")
	}

	est, err := s.estimator.Estimate(ctx, req.toPricing())
	if err != nil {
		return nil, toStatus(err).Err()
	}
	return &EstimateCostResponse{Estimate: est}, nil
}

// Reserve holds funds for a request. Insufficient balance is reported in
// the response with approved=false.
func (s *MeteringService) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	start := time.Now()

	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}

	amount := req.AmountCents
	if amount == 0 && req.Estimate != nil {
		est, err := s.EstimateCost(ctx, req.Estimate)
		if err != nil {
			return nil, err
		}
		amount = est.EstimatedCostCents
	}
	if amount <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "amount_cents must be positive")
	}

	modelID := req.ModelID
	if modelID == "" && req.Estimate != nil {
		modelID = req.Estimate.ModelID
	}

	res, err := s.ledger.Reserve(ctx, req.UserID, amount, ledger.Metadata{
		RequestID: req.RequestID,
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		ModelID:   modelID,
		Provider:  req.Provider,
		Extra:     req.Metadata,
	})

	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		s.log.Info().
			Str("user_id", req.UserID).
			Str("request_id", req.RequestID).
			Int64("requested_cents", amount).
			Int64("remaining_balance_cents", insufficient.RemainingCents).
			Dur("duration_ms", time.Since(start)).
			Msg("reserve rejected")
		return &ReserveResponse{
			Approved:              false,
			RemainingBalanceCents: insufficient.RemainingCents,
			RejectionReason:       RejectionInsufficientBalance,
		}, nil
	}
	if err != nil {
		return nil, s.fail("reserve", req.UserID, req.RequestID, err)
	}

	return &ReserveResponse{
		Approved:              true,
		ReservedCents:         amount,
		RemainingBalanceCents: res.RemainingBalanceCents,
	}, nil
}

// Release refunds a reservation whose request failed.
func (s *MeteringService) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	if req.ReservedCents < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "reserved_cents cannot be negative")
	}

	var extra map[string]any
	if req.Reason != "" {
		extra = map[string]any{"reason": req.Reason}
	}
	res, err := s.ledger.Release(ctx, req.UserID, req.ReservedCents, ledger.Metadata{
		RequestID: req.RequestID,
		Extra:     extra,
	})
	if err != nil {
		return nil, s.fail("release", req.UserID, req.RequestID, err)
	}
	return &ReleaseResponse{ReleaseResult: res}, nil
}

// Settle finalizes a reservation with the actual cost.
func (s *MeteringService) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	if req.ReservedCents < 0 || req.ActualCostCents < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "reserved_cents and actual_cost_cents cannot be negative")
	}

	var extra map[string]any
	if req.InputTokens > 0 || req.OutputTokens > 0 {
		extra = map[string]any{
			"input_tokens":  req.InputTokens,
			"output_tokens": req.OutputTokens,
		}
	}
	res, err := s.ledger.Settle(ctx, req.UserID, req.ReservedCents, req.ActualCostCents, ledger.Metadata{
		RequestID: req.RequestID,
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		ModelID:   req.ModelID,
		Provider:  req.Provider,
		Extra:     extra,
	})
	if err != nil {
		return nil, s.fail("settle", req.UserID, req.RequestID, err)
	}
	return &SettleResponse{SettleResult: res}, nil
}

// GrantCredit tops up a wallet.
func (s *MeteringService) GrantCredit(ctx context.Context, req *GrantCreditRequest) (*GrantCreditResponse, error) {
	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	res, err := s.ledger.GrantCredit(ctx, req.UserID, req.AmountCents, req.ActorID, req.Reason)
	if err != nil {
		return nil, s.fail("grant_credit", req.UserID, "", err)
	}
	return &GrantCreditResponse{GrantResult: res}, nil
}

// GetBalance returns a wallet.
func (s *MeteringService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error) {
	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	w, err := s.ledger.Wallet(ctx, req.UserID)
	if err != nil {
		return nil, s.fail("get_balance", req.UserID, "", err)
	}
	return &GetBalanceResponse{Wallet: w}, nil
}

// ListEntries returns a user's ledger entries, oldest first.
func (s *MeteringService) ListEntries(ctx context.Context, req *ListEntriesRequest) (*ListEntriesResponse, error) {
	if req.UserID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "user_id is required")
	}
	t := ledger.EntryType(strings.ToLower(req.Type))
	if t != "" && !t.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown entry type %q", req.Type)
	}
	limit := req.Limit
	if limit <= 0 || limit > maxListEntries {
		limit = maxListEntries
	}

	entries, err := s.ledger.Entries(ctx, ledger.EntryFilter{
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Type:      t,
		Limit:     limit,
	})
	if err != nil {
		return nil, s.fail("list_entries", req.UserID, req.RequestID, err)
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return &ListEntriesResponse{Entries: entries}, nil
}

// GetMultiplier returns the ranking multiplier of each chunk. It never
// fails on a store error; affected chunks get the neutral multiplier.
func (s *MeteringService) GetMultiplier(ctx context.Context, req *GetMultiplierRequest) (*GetMultiplierResponse, error) {
	if len(req.ChunkIDs) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "chunk_ids is required")
	}
	return &GetMultiplierResponse{Multipliers: s.feedback.Multipliers(ctx, req.ChunkIDs)}, nil
}

// SubmitRating stores a rating and schedules a recompute of the chunks it
// cites.
func (s *MeteringService) SubmitRating(ctx context.Context, req *SubmitRatingRequest) (*SubmitRatingResponse, error) {
	r, err := s.feedback.SubmitRating(ctx, feedback.Rating{
		Source:    feedback.Source(strings.ToLower(req.Source)),
		TargetID:  req.TargetID,
		UserID:    req.UserID,
		Rating:    req.Rating,
		Comment:   req.Comment,
		Citations: req.Citations,
	})
	if err != nil {
		return nil, s.fail("submit_rating", req.UserID, "", err)
	}
	return &SubmitRatingResponse{RatingID: r.ID}, nil
}

// DeleteRating removes a rating and schedules a recompute of the chunks it
// cited.
func (s *MeteringService) DeleteRating(ctx context.Context, req *DeleteRatingRequest) (*DeleteRatingResponse, error) {
	if req.RatingID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "rating_id is required")
	}
	if err := s.feedback.DeleteRating(ctx, req.RatingID, req.ActorID); err != nil {
		return nil, s.fail("delete_rating", req.ActorID, "", err)
	}
	return &DeleteRatingResponse{}, nil
}

// RecomputeSignals recomputes the given chunks synchronously.
func (s *MeteringService) RecomputeSignals(ctx context.Context, req *RecomputeSignalsRequest) (*RecomputeSignalsResponse, error) {
	if len(req.ChunkIDs) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "chunk_ids is required")
	}
	if err := s.feedback.RecomputeSignals(ctx, req.ChunkIDs); err != nil {
		return nil, s.fail("recompute_signals", "", "", err)
	}
	return &RecomputeSignalsResponse{Recomputed: len(req.ChunkIDs)}, nil
}

// fail logs err at a level matching its cause and converts it to a status.
func (s *MeteringService) fail(op, userID, requestID string, err error) error {
	st := toStatus(err)
	event := s.log.Warn()
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		event = s.log.Error()
	}
	event.Err(err).
		Str("operation", op).
		Str("user_id", userID).
		Str("request_id", requestID).
		Str("code", st.Code().String()).
		Msg("request failed")
	return st.Err()
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}

	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrInvalidReservationAmount),
		errors.Is(err, ledger.ErrInvalidCreditAmount),
		errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, feedback.ErrInvalidRating),
		errors.Is(err, feedback.ErrInvalidSource),
		errors.Is(err, feedback.ErrMissingTarget):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, ledger.ErrReservationNotFound),
		errors.Is(err, feedback.ErrRatingNotFound):
		code = codes.NotFound
	case errors.Is(err, ledger.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrReservationClosed),
		errors.Is(err, ledger.ErrReservationMismatch),
		errors.Is(err, pricing.ErrPricingUnavailable):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.New(code, err.Error())
}
