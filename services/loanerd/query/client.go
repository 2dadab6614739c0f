package query

import (
	"context"

	"google.golang.org/grpc"

	"loaner/crypto"
)

// Client calls loaner.v1.Query over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) GetLoan(ctx context.Context, addr crypto.Address, opts ...grpc.CallOption) (*Loan, error) {
	out := new(Loan)
	if err := c.invoke(ctx, "GetLoan", &AddressRequest{Address: addr}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLoans(ctx context.Context, opts ...grpc.CallOption) (*LoanList, error) {
	out := new(LoanList)
	if err := c.invoke(ctx, "ListLoans", &ListRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPool(ctx context.Context, addr crypto.Address, opts ...grpc.CallOption) (*Pool, error) {
	out := new(Pool)
	if err := c.invoke(ctx, "GetPool", &AddressRequest{Address: addr}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCommunity(ctx context.Context, addr crypto.Address, opts ...grpc.CallOption) (*Community, error) {
	out := new(Community)
	if err := c.invoke(ctx, "GetCommunity", &AddressRequest{Address: addr}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTally(ctx context.Context, community, loan crypto.Address, opts ...grpc.CallOption) (*Tally, error) {
	out := new(Tally)
	if err := c.invoke(ctx, "GetTally", &TallyRequest{Community: community, Loan: loan}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Audit(ctx context.Context, opts ...grpc.CallOption) (*Audit, error) {
	out := new(Audit)
	if err := c.invoke(ctx, "Audit", &ListRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
