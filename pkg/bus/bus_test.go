package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilBus(t *testing.T) {
	var b *Bus

	assert.Error(t, b.Publish(context.Background(), "fleetwatch.test", map[string]string{"k": "v"}))
	assert.Error(t, b.EnsureStream("FLEETWATCH", "fleetwatch.>"))
	assert.False(t, b.Connected())

	_, err := b.Subscribe(context.Background(), "fleetwatch.test", "d", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)

	require.NotPanics(t, b.Close)
}

func TestDiscard(t *testing.T) {
	var p Publisher = Discard{}
	assert.NoError(t, p.Publish(context.Background(), "anything", struct{}{}))
}

func TestRedeliveryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, redeliveryDelay(1))
	assert.Equal(t, 10*time.Second, redeliveryDelay(5))
	assert.Equal(t, 30*time.Second, redeliveryDelay(MaxDeliver))
}
