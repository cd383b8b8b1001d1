// Package provider holds test doubles for discovery.Provider; concrete
// providers live in sub-packages.
package provider

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// MockProvider is a mock implementation of discovery.Provider for testing.
type MockProvider struct {
	mock.Mock
}

var _ discovery.Provider = (*MockProvider)(nil)

// Search is the mock implementation of the Search method.
func (m *MockProvider) Search(ctx context.Context, query discovery.SearchQuery) (discovery.SearchPage, error) {
	args := m.Called(ctx, query)
	page, _ := args.Get(0).(discovery.SearchPage)
	return page, args.Error(1)
}

// GetDetails is the mock implementation of the GetDetails method.
func (m *MockProvider) GetDetails(ctx context.Context, ids []string) ([]discovery.VideoDetails, error) {
	args := m.Called(ctx, ids)
	details, _ := args.Get(0).([]discovery.VideoDetails)
	return details, args.Error(1)
}

// GetChannels is the mock implementation of the GetChannels method.
func (m *MockProvider) GetChannels(ctx context.Context, ids []string) ([]discovery.ChannelInfo, error) {
	args := m.Called(ctx, ids)
	infos, _ := args.Get(0).([]discovery.ChannelInfo)
	return infos, args.Error(1)
}
