package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

type mockCapability struct {
	mock.Mock
	name string
}

func (m *mockCapability) Name() string      { return m.name }
func (m *mockCapability) Actions() []string { return []string{"do"} }
func (m *mockCapability) Invoke(ctx context.Context, action string, args map[string]any) (Result, error) {
	a := m.Called(ctx, action, args)
	return a.Get(0).(Result), a.Error(1)
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry()
	c := &mockCapability{name: "fake"}
	c.On("Invoke", mock.Anything, "do", map[string]any{"x": 1}).Return(Result{Message: "ok", Resources: []string{"a"}}, nil)
	require.NoError(t, r.Register(c))

	res, err := r.Invoke(context.Background(), "fake", "do", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Message)
	assert.Equal(t, []string{"a"}, res.Resources)
	c.AssertExpectations(t)
}

func TestRegistry_NotConnected(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", "do", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, pipeline.ErrAdapterFailure)
}

func TestRegistry_WrapsPlainErrorsAsActionFailed(t *testing.T) {
	r := NewRegistry()
	c := &mockCapability{name: "fake"}
	c.On("Invoke", mock.Anything, "do", mock.Anything).Return(Result{}, errors.New("disk full"))
	require.NoError(t, r.Register(c))

	_, err := r.Invoke(context.Background(), "fake", "do", nil)
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.ErrorIs(t, err, pipeline.ErrAdapterFailure)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := NewRegistry(WithInvokeTimeout(10 * time.Millisecond))
	c := &mockCapability{name: "slow"}
	c.On("Invoke", mock.Anything, "do", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(Result{}, context.DeadlineExceeded)
	require.NoError(t, r.Register(c))

	_, err := r.Invoke(context.Background(), "slow", "do", nil)
	assert.ErrorIs(t, err, ErrActionFailed)
}

func TestRegistry_RegisterConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&mockCapability{name: "a"}))
	require.NoError(t, r.Register(&mockCapability{name: "b"}))
	assert.ErrorIs(t, r.Register(&mockCapability{name: "a"}), pipeline.ErrConflict)
	assert.Error(t, r.Register(&mockCapability{}))
	assert.Equal(t, []string{"a", "b"}, r.Capabilities())
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "not_connected", errorReason(ErrNotConnected))
	assert.Equal(t, "timeout", errorReason(context.DeadlineExceeded))
	assert.Equal(t, "action_failed", errorReason(ErrActionFailed))
}
