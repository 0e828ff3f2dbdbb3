package service

import (
	"context"
	"errors"
	"testing"

	"go-msgbus/internal/retry"
	"go-msgbus/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageProcessor_Process(t *testing.T) {
	p := NewMessageProcessor()

	var got map[string]interface{}
	p.Sink = func(ctx context.Context, msg *models.Message, data map[string]interface{}) error {
		got = data
		return nil
	}

	msg := models.NewMessage("orders", []byte(`{"order_id":"ORD-1","total":10}`))
	require.NoError(t, p.Process(context.Background(), msg))
	assert.Equal(t, "ORD-1", got["order_id"])
	assert.Equal(t, int64(1), p.Processed())
}

func TestMessageProcessor_InvalidJSONIsPermanent(t *testing.T) {
	p := NewMessageProcessor()

	err := p.Process(context.Background(), models.NewMessage("orders", []byte("not json")))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Zero(t, p.Processed())
}

func TestMessageProcessor_SinkFailureIsRetryable(t *testing.T) {
	p := NewMessageProcessor()
	p.Sink = func(ctx context.Context, msg *models.Message, data map[string]interface{}) error {
		return errors.New("database unavailable")
	}

	err := p.Process(context.Background(), models.NewMessage("orders", []byte(`{}`)))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "database unavailable")
}
