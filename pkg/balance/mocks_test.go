package balance

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

// MockRemoteStore is a mock implementation of RemoteStore
type MockRemoteStore struct {
	GetUserBalanceFunc    func(ctx context.Context, userID string) (*remote.UserBalance, error)
	SetBalanceFunc        func(ctx context.Context, userID string, balance decimal.Decimal) error
	InsertTransactionFunc func(ctx context.Context, tx *remote.Transaction) error
}

func (m *MockRemoteStore) GetUserBalance(ctx context.Context, userID string) (*remote.UserBalance, error) {
	if m.GetUserBalanceFunc != nil {
		return m.GetUserBalanceFunc(ctx, userID)
	}
	return &remote.UserBalance{ID: userID}, nil
}

func (m *MockRemoteStore) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if m.SetBalanceFunc != nil {
		return m.SetBalanceFunc(ctx, userID, balance)
	}
	return nil
}

func (m *MockRemoteStore) InsertTransaction(ctx context.Context, tx *remote.Transaction) error {
	if m.InsertTransactionFunc != nil {
		return m.InsertTransactionFunc(ctx, tx)
	}
	return nil
}
