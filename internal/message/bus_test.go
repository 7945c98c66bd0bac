package message

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SendRoundTrip(t *testing.T) {
	b := NewBus()
	var gotFrom TabID
	b.Register("tab-1", HandlerFunc(func(ctx context.Context, from TabID, msg Message) Response {
		gotFrom = from
		if msg.Kind != KindChangeScale || msg.Scale != 150 {
			return Failf("unexpected message")
		}
		return OK()
	}))

	resp, err := b.Send(context.Background(), ControllerID, "tab-1", ChangeScale(150))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, ControllerID, gotFrom)
}

func TestBus_NoReceiver(t *testing.T) {
	b := NewBus()
	_, err := b.Send(context.Background(), ControllerID, "gone", GetContext())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoReceiver))

	err = b.Post(context.Background(), ControllerID, "gone", NewScaleResult(100, "u"))
	assert.True(t, errors.Is(err, ErrNoReceiver))
}

func TestBus_PanicBecomesFailure(t *testing.T) {
	b := NewBus()
	b.Register("tab", HandlerFunc(func(context.Context, TabID, Message) Response {
		panic("boom")
	}))
	resp, err := b.Send(context.Background(), ControllerID, "tab", GetContext())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "boom")
}

func TestBus_ContextCancelDoesNotCancelHandler(t *testing.T) {
	b := NewBus()
	release := make(chan struct{})
	var finished atomic.Bool
	b.Register("slow", HandlerFunc(func(ctx context.Context, _ TabID, _ Message) Response {
		<-release
		finished.Store(ctx.Err() == nil)
		return OK()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Send(ctx, ControllerID, "slow", GetContext())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	b.Wait()
	assert.True(t, finished.Load(), "handler context must outlive the sender's deadline")
}

func TestBus_UnregisterIgnoresReplacement(t *testing.T) {
	b := NewBus()
	unregisterOld := b.Register("tab", HandlerFunc(func(context.Context, TabID, Message) Response { return Failf("old") }))
	b.Register("tab", HandlerFunc(func(context.Context, TabID, Message) Response { return OK() }))
	unregisterOld()

	require.True(t, b.Registered("tab"))
	resp, err := b.Send(context.Background(), ControllerID, "tab", GetContext())
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestBus_Post(t *testing.T) {
	b := NewBus()
	got := make(chan Message, 1)
	b.Register("viewer", HandlerFunc(func(_ context.Context, _ TabID, msg Message) Response {
		got <- msg
		return OK()
	}))
	require.NoError(t, b.Post(context.Background(), ControllerID, "viewer", NewScaleResult(150, "blob")))
	select {
	case msg := <-got:
		assert.Equal(t, NewScaleResult(150, "blob"), msg)
	case <-time.After(time.Second):
		t.Fatal("posted message not delivered")
	}
}

func TestFail(t *testing.T) {
	assert.Equal(t, Response{Error: "x"}, Fail(errors.New("x")))
	assert.False(t, Fail(nil).Success)
}
