package query

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
	"loaner/native/loan"
	"loaner/native/loaner"
	"loaner/services/loanerd/auth"
)

var testAuth = auth.Options{Secret: []byte("0123456789abcdef0123456789abcdef"), Issuer: "loanerd-test"}

type fixture struct {
	client    *Client
	conn      *grpc.ClientConn
	community crypto.Address
	pool      crypto.Address
	loan      crypto.Address
	borrower  crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := int64(1_700_000_000)
	assets := ledger.NewMemory()
	env := &common.Env{Ledger: assets, NowFn: func() int64 { return now }}
	admin := crypto.NamedAddress("query-test/admin")
	manager := crypto.NamedAddress("query-test/manager")
	borrower := crypto.NamedAddress("query-test/borrower")
	params := loaner.DefaultParams()
	params.Admins = []crypto.Address{admin}
	registry, err := loaner.NewRegistry(params, env)
	require.NoError(t, err)

	c, p, err := registry.AddCommunity(admin, manager)
	require.NoError(t, err)
	require.NoError(t, c.AddBorrower(manager, borrower))
	l, err := registry.CreateLoanToken(borrower, p.Address(), fixedpoint.Units(1000), fixedpoint.MustDays(30), 1000)
	require.NoError(t, err)
	require.NoError(t, c.Submit(borrower, l))
	require.NoError(t, assets.Mint(manager, fixedpoint.Units(100)))
	require.NoError(t, assets.Approve(manager, c.Address(), fixedpoint.Units(100)))
	require.NoError(t, c.Approve(manager, l, fixedpoint.Units(100)))

	verifier, err := auth.NewVerifier(testAuth)
	require.NoError(t, err)
	srv, err := NewServer(Config{Registry: registry, Verifier: verifier})
	require.NoError(t, err)

	listener := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{
		client:    NewClient(conn),
		conn:      conn,
		community: c.Address(),
		pool:      p.Address(),
		loan:      l.Address(),
		borrower:  borrower,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	got, err := f.client.GetLoan(ctx, f.loan)
	require.NoError(t, err)
	require.Equal(t, f.loan, got.Address)
	require.Equal(t, f.borrower, got.Borrower)
	require.Equal(t, loan.StatusRunning, got.Status)
	require.Equal(t, loan.InternalAwaiting, got.InternalStatus)
	require.Equal(t, "1000", got.Amount)
	require.Equal(t, "10", got.APY)
	require.Equal(t, uint64(30), got.DaysLeft)

	list, err := f.client.ListLoans(ctx)
	require.NoError(t, err)
	require.Len(t, list.Loans, 1)

	p, err := f.client.GetPool(ctx, f.pool)
	require.NoError(t, err)
	require.Equal(t, f.community, p.Community)
	require.Equal(t, "0", p.TotalLiquid)

	c, err := f.client.GetCommunity(ctx, f.community)
	require.NoError(t, err)
	require.Equal(t, "100", c.StakeHeld)
	require.Equal(t, []crypto.Address{f.loan}, c.Loans)

	tally, err := f.client.GetTally(ctx, f.community, f.loan)
	require.NoError(t, err)
	require.Equal(t, "100", tally.Approve)
	require.Equal(t, uint32(1), tally.Approvers)

	audit, err := f.client.Audit(ctx)
	require.NoError(t, err)
	require.True(t, audit.OK)
	require.Equal(t, 1, audit.Pools)
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	_, err := f.client.GetLoan(ctx, crypto.NamedAddress("query-test/missing"))
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.GetPool(ctx, crypto.Address{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.client.GetTally(ctx, f.community, crypto.NamedAddress("query-test/missing"))
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestBearerTokenIsOptionalButVerified(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer not-a-token")
	_, err := f.client.GetLoan(bad, f.loan)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := auth.Issue(testAuth, f.borrower, time.Minute)
	require.NoError(t, err)
	good := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	_, err = f.client.GetLoan(good, f.loan)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)

	health := healthpb.NewHealthClient(f.conn)
	for _, service := range []string{"", ServiceName} {
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestMethodName(t *testing.T) {
	require.Equal(t, "GetLoan", methodName("/loaner.v1.Query/GetLoan"))
	require.Equal(t, "plain", methodName("plain"))
}
