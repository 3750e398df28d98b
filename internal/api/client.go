package api

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a typed client for the metering service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. Calls are sent with the JSON codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EstimateCost(ctx context.Context, req *EstimateCostRequest, opts ...grpc.CallOption) (*EstimateCostResponse, error) {
	return invoke[EstimateCostRequest, EstimateCostResponse](ctx, c, "EstimateCost", req, opts)
}

func (c *Client) Reserve(ctx context.Context, req *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	return invoke[ReserveRequest, ReserveResponse](ctx, c, "Reserve", req, opts)
}

func (c *Client) Release(ctx context.Context, req *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseRequest, ReleaseResponse](ctx, c, "Release", req, opts)
}

func (c *Client) Settle(ctx context.Context, req *SettleRequest, opts ...grpc.CallOption) (*SettleResponse, error) {
	return invoke[SettleRequest, SettleResponse](ctx, c, "Settle", req, opts)
}

func (c *Client) GrantCredit(ctx context.Context, req *GrantCreditRequest, opts ...grpc.CallOption) (*GrantCreditResponse, error) {
	return invoke[GrantCreditRequest, GrantCreditResponse](ctx, c, "GrantCredit", req, opts)
}

func (c *Client) GetBalance(ctx context.Context, req *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	return invoke[GetBalanceRequest, GetBalanceResponse](ctx, c, "GetBalance", req, opts)
}

func (c *Client) ListEntries(ctx context.Context, req *ListEntriesRequest, opts ...grpc.CallOption) (*ListEntriesResponse, error) {
	return invoke[ListEntriesRequest, ListEntriesResponse](ctx, c, "ListEntries", req, opts)
}

func (c *Client) GetMultiplier(ctx context.Context, req *GetMultiplierRequest, opts ...grpc.CallOption) (*GetMultiplierResponse, error) {
	return invoke[GetMultiplierRequest, GetMultiplierResponse](ctx, c, "GetMultiplier", req, opts)
}

func (c *Client) SubmitRating(ctx context.Context, req *SubmitRatingRequest, opts ...grpc.CallOption) (*SubmitRatingResponse, error) {
	return invoke[SubmitRatingRequest, SubmitRatingResponse](ctx, c, "SubmitRating", req, opts)
}

func (c *Client) DeleteRating(ctx context.Context, req *DeleteRatingRequest, opts ...grpc.CallOption) (*DeleteRatingResponse, error) {
	return invoke[DeleteRatingRequest, DeleteRatingResponse](ctx, c, "DeleteRating", req, opts)
}

func (c *Client) RecomputeSignals(ctx context.Context, req *RecomputeSignalsRequest, opts ...grpc.CallOption) (*RecomputeSignalsResponse, error) {
	return invoke[RecomputeSignalsRequest, RecomputeSignalsResponse](ctx, c, "RecomputeSignals", req, opts)
}
