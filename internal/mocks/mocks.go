// Package mocks holds testify mocks for the interfaces shared across
// packages.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
)

// -- Config Mock --

// MockConfig mocks config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	return m.Called().Get(0).(config.ServerConfig)
}

func (m *MockConfig) LLM() config.LLMConfig {
	return m.Called().Get(0).(config.LLMConfig)
}

func (m *MockConfig) Conversation() config.ConversationConfig {
	return m.Called().Get(0).(config.ConversationConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	return m.Called().Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Driver() config.DriverConfig {
	return m.Called().Get(0).(config.DriverConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool) { m.Called(b) }
func (m *MockConfig) SetDriverServerURL(u string) { m.Called(u) }
func (m *MockConfig) SetDriverConversationID(id string) { m.Called(id) }
func (m *MockConfig) SetDriverStartURL(u string) { m.Called(u) }

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient. Return may be given a
// func(context.Context, schemas.GenerationRequest) string to compute the
// reply from the request.
type MockLLMClient struct {
	mock.Mock
	closed bool
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, schemas.GenerationRequest) string); ok {
		return fn(ctx, req), args.Error(1)
	}
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockLLMClient) Closed() bool { return m.closed }

// -- User Channel Mock --

// MockUserChannel mocks plan.UserChannel.
type MockUserChannel struct {
	mock.Mock
}

func (m *MockUserChannel) Say(ctx context.Context, msg string) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockUserChannel) Confirm(ctx context.Context, field string) (bool, error) {
	args := m.Called(ctx, field)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserChannel) Collect(ctx context.Context, field string, spelled bool) (string, error) {
	args := m.Called(ctx, field, spelled)
	return args.String(0), args.Error(1)
}

// -- Publisher Mock --

// MockPublisher mocks the conversation publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, conversationID string, msg schemas.Published) error {
	return m.Called(ctx, conversationID, msg).Error(0)
}
