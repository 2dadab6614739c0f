// Package query exposes the read-only loaner.v1.Query gRPC service: loan, pool
// and community views, vote tallies and the registry audit.
package query

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"loaner/crypto"
	"loaner/native/loaner"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "loaner.v1.Query"

// QueryServer is the server API of loaner.v1.Query.
type QueryServer interface {
	GetLoan(context.Context, *AddressRequest) (*Loan, error)
	ListLoans(context.Context, *ListRequest) (*LoanList, error)
	GetPool(context.Context, *AddressRequest) (*Pool, error)
	GetCommunity(context.Context, *AddressRequest) (*Community, error)
	GetTally(context.Context, *TallyRequest) (*Tally, error)
	Audit(context.Context, *ListRequest) (*Audit, error)
}

// Service answers queries from the registry.
type Service struct {
	registry *loaner.Registry
	logger   *slog.Logger
}

var _ QueryServer = (*Service)(nil)

// New constructs the query service.
func New(registry *loaner.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, logger: logger}
}

// Register installs svc on s.
func Register(s grpc.ServiceRegistrar, svc QueryServer) {
	s.RegisterService(&serviceDesc, svc)
}

func (s *Service) GetLoan(_ context.Context, req *AddressRequest) (*Loan, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	l, err := s.registry.Loan(req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	view, err := l.View()
	if err != nil {
		return nil, s.internal("get_loan", err)
	}
	out := toLoan(view)
	return &out, nil
}

func (s *Service) ListLoans(context.Context, *ListRequest) (*LoanList, error) {
	loans := s.registry.Loans()
	out := &LoanList{Loans: make([]Loan, 0, len(loans))}
	for _, l := range loans {
		view, err := l.View()
		if err != nil {
			return nil, s.internal("list_loans", err)
		}
		out.Loans = append(out.Loans, toLoan(view))
	}
	return out, nil
}

func (s *Service) GetPool(_ context.Context, req *AddressRequest) (*Pool, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	p, err := s.registry.Pool(req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	out := toPool(p.View())
	return &out, nil
}

func (s *Service) GetCommunity(_ context.Context, req *AddressRequest) (*Community, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	c, err := s.registry.Community(req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	out := toCommunity(c.View())
	return &out, nil
}

func (s *Service) GetTally(_ context.Context, req *TallyRequest) (*Tally, error) {
	if err := requireAddress("community", req.Community); err != nil {
		return nil, err
	}
	if err := requireAddress("loan", req.Loan); err != nil {
		return nil, err
	}
	c, err := s.registry.Community(req.Community)
	if err != nil {
		return nil, toStatus(err)
	}
	tally, err := c.Tally(req.Loan)
	if err != nil {
		return nil, toStatus(err)
	}
	out := toTally(req.Loan, tally)
	return &out, nil
}

// Audit runs the registry audit. Conservation failures are reported in the
// response rather than as an error.
func (s *Service) Audit(context.Context, *ListRequest) (*Audit, error) {
	report, err := s.registry.Audit()
	if err != nil && report.OK() {
		return nil, s.internal("audit", err)
	}
	out := toAudit(report)
	return &out, nil
}

func (s *Service) internal(op string, err error) error {
	s.logger.Error("query failed", slog.String("op", op), slog.Any("error", err))
	return status.Error(codes.Internal, "internal error")
}

func requireAddress(field string, addr crypto.Address) error {
	if addr.IsZero() {
		return status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return nil
}

func unary[Req any, Resp any](method string, call func(QueryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(QueryServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetLoan", QueryServer.GetLoan),
		unary("ListLoans", QueryServer.ListLoans),
		unary("GetPool", QueryServer.GetPool),
		unary("GetCommunity", QueryServer.GetCommunity),
		unary("GetTally", QueryServer.GetTally),
		unary("Audit", QueryServer.Audit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loaner/v1/query",
}
