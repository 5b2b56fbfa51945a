package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendLatest_ReplacesUnread(t *testing.T) {
	ch := make(chan int, 1)
	ctx := context.Background()

	assert.True(t, SendLatest(ctx, ch, 1))
	assert.True(t, SendLatest(ctx, ch, 2))
	assert.True(t, SendLatest(ctx, ch, 3))

	assert.Equal(t, 3, <-ch)
	assert.Empty(t, ch)
}

func TestSendLatest_Cancelled(t *testing.T) {
	ch := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, SendLatest(ctx, ch, 1))
}
