package consumers

import (
	"context"

	"payflow/internal/events"
	"payflow/internal/settlement"

	"github.com/stretchr/testify/mock"
)

type ExecutorMock struct {
	mock.Mock
	ExecutorContract
}

func (m *ExecutorMock) Execute(ctx context.Context, msg events.ExecutionMessage, attempt int) (*events.ResultMessage, error) {
	args := m.Called(ctx, msg, attempt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*events.ResultMessage), args.Error(1)
}

type SettlerMock struct {
	mock.Mock
	SettlerContract
}

func (m *SettlerMock) Settle(ctx context.Context, msg events.ResultMessage) (settlement.Outcome, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(settlement.Outcome), args.Error(1)
}
