package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payflow/internal/checkout"
	"payflow/internal/config"
	"payflow/internal/events"
	"payflow/internal/ledger"
	"payflow/internal/pspsim"
	"payflow/internal/simulate"
	"payflow/kit/broker"
	"payflow/kit/db"
	"payflow/kit/psp"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	srv := httptest.NewServer(pspsim.NewHandler(pspsim.Options{}).Routes())
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Store.Driver = "memory"
	cfg.Queue.Driver = "memory"
	if driver == "sqlite" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = filepath.Join(t.TempDir(), "payflow.db")
		cfg.Queue.Driver = "sql"
	}
	cfg.Queue.MaxReceives = 3
	cfg.Queue.VisibilityTimeout = time.Minute
	cfg.Queue.BatchSize = 10
	cfg.PSP.URL = srv.URL
	cfg.PSP.Timeout = 5 * time.Second
	cfg.Consumers.Workers = 1
	cfg.Log.Level = "error"
	return cfg
}

func checkoutRequest() checkout.Request {
	return checkout.Request{
		CheckoutID:     "chk-1",
		BuyerInfo:      &checkout.BuyerInfo{UserID: "buyer-1", Email: "buyer@example.com"},
		CreditCardInfo: map[string]any{"payment_token": "tok_1"},
		PaymentOrders: []checkout.OrderRequest{
			{PaymentOrderID: "po-1", SellerAccount: "seller-A", Amount: "100.00", Currency: "USD"},
			{PaymentOrderID: "po-2", SellerAccount: "seller-B", Amount: "50.00", Currency: "USD"},
		},
	}
}

// drain polls every stage until both queues are empty.
func drain(t *testing.T, a *App) {
	t.Helper()
	pollers, err := a.Pollers(StageAll)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		total := 0
		for _, p := range pollers {
			n, err := p.Poll(context.Background())
			require.NoError(t, err)
			total += n
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func TestApp_Scenarios(t *testing.T) {
	var tests = []struct {
		name         string
		sim          simulate.Config
		expectedA    string
		expectedDone bool
		expectedStat ledger.OrderStatus
		expectedCode string
		expectedDLQ  int
	}{
		{
			name:         "success credits sellers",
			expectedA:    "100",
			expectedDone: true,
			expectedStat: ledger.StatusSuccess,
		},
		{
			name:         "card declined fails orders",
			sim:          simulate.Config{PSP: &simulate.PSP{Error: true, ErrorCode: "CARD_DECLINED"}},
			expectedA:    "none",
			expectedStat: ledger.StatusFailed,
			expectedCode: "CARD_DECLINED",
		},
		{
			name:         "psp 500 recovers on redelivery",
			sim:          simulate.Config{PSP: &simulate.PSP{ServerError: true}},
			expectedA:    "100",
			expectedDone: true,
			expectedStat: ledger.StatusSuccess,
		},
		{
			name:         "psp 500 exhausts deliveries",
			sim:          simulate.Config{PSP: &simulate.PSP{ServerError: true, FailAttempts: -1}},
			expectedA:    "none",
			expectedStat: ledger.StatusNotStarted,
			expectedDLQ:  1,
		},
	}

	for _, driver := range []string{"memory", "sqlite"} {
		for _, tt := range tests {
			tt := tt
			driver := driver
			t.Run(driver+"/"+tt.name, func(t *testing.T) {
				t.Parallel()
				ctx := context.Background()
				a, err := New(ctx, testConfig(t, driver))
				require.NoError(t, err)
				t.Cleanup(func() { _ = a.Close() })

				_, err = a.Checkout.Initialize(ctx, checkoutRequest(), tt.sim)
				require.NoError(t, err)
				drain(t, a)

				w, err := a.Repo.GetWallet(ctx, "seller-A")
				if tt.expectedA == "none" {
					require.ErrorIs(t, err, db.ErrNotFound)
				} else {
					require.NoError(t, err)
					require.Equal(t, tt.expectedA, w.Balance.String())
				}

				orders, err := a.Repo.OrdersByCheckout(ctx, "chk-1")
				require.NoError(t, err)
				require.Len(t, orders, 2)
				for _, o := range orders {
					require.Equal(t, tt.expectedStat, o.Status)
					require.Equal(t, tt.expectedCode, o.ErrorCode)
				}
				c, err := a.Repo.GetCheckout(ctx, "chk-1")
				require.NoError(t, err)
				require.Equal(t, tt.expectedDone, c.IsPaymentDone)

				dead := a.Recovery.List(ctx, "")
				require.Len(t, dead, tt.expectedDLQ)
				if tt.expectedDLQ > 0 {
					require.Equal(t, events.ExecutionQueue, dead[0].Queue)
					require.Equal(t, "chk-1", dead[0].CheckoutID)
				}
			})
		}
	}
}

func TestApp_PollersRejectsUnknownStage(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "memory"))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Pollers("wallet")
	require.ErrorIs(t, err, db.ErrInvalid)

	pollers, err := a.Pollers(StageExecutor)
	require.NoError(t, err)
	require.Len(t, pollers, 1)
}

func TestApp_PSPOutageKeepsIngressReady(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "memory")
	cfg.PSP.Breaker.FailureThreshold = 1
	cfg.PSP.Breaker.OpenTimeout = time.Minute
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Breaker.Process(ctx, psp.Request{
		PaymentID: "chk-0",
		Amount:    decimal.RequireFromString("1"),
		Currency:  "USD",
		Simulate:  json.RawMessage(`{"psp":{"server_error":true,"fail_attempts":-1}}`),
	})
	require.ErrorIs(t, err, psp.ErrServer)
	require.Equal(t, "open", a.Breaker.State())

	h := a.Health.Check(ctx)
	require.False(t, h.OK)
	require.Contains(t, h.Checks, "psp")

	ready := a.Readiness.Check(ctx)
	require.True(t, ready.OK)
	require.NotContains(t, ready.Checks, "psp")

	_, err = a.Checkout.Initialize(ctx, checkoutRequest(), simulate.Config{})
	require.NoError(t, err)
	queue, ok := a.Queue.(*broker.MemoryBroker)
	require.True(t, ok)
	require.Equal(t, 1, queue.Len(events.ExecutionQueue))
}
