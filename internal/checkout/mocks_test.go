package checkout

import (
	"context"

	"payflow/internal/ledger"

	"github.com/stretchr/testify/mock"
)

type RepositoryMock struct {
	mock.Mock
	ledger.RepositoryContract
}

func (m *RepositoryMock) PutCheckoutIfAbsent(ctx context.Context, c *ledger.CheckoutEvent) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *RepositoryMock) PutOrdersIfAbsent(ctx context.Context, orders []*ledger.PaymentOrder) (int, error) {
	args := m.Called(ctx, orders)
	return args.Int(0), args.Error(1)
}

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(ctx context.Context, queue string, body []byte) (string, error) {
	args := m.Called(ctx, queue, body)
	return args.String(0), args.Error(1)
}
