package analytics

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-funnel/internal/funnel"
)

type mockSnapshotter struct {
	mock.Mock
}

func (m *mockSnapshotter) Snapshot(ctx context.Context, source string) (*funnel.Snapshot, error) {
	args := m.Called(ctx, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funnel.Snapshot), args.Error(1)
}

func (m *mockSnapshotter) GetFunnel(ctx context.Context, id string) (*funnel.Funnel, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*funnel.Funnel), args.Error(1)
}
