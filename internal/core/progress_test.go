package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
)

func TestProgressPublisher_PublishesOnlyChanges(t *testing.T) {
	l := ledger.New(nil)
	require.NoError(t, l.InitializeJob(1))
	require.NoError(t, l.SetExpected(1, 10))
	require.NoError(t, l.InitializePartition(1, "partition0", 10))

	p := NewProgressPublisher(l, discard)
	p.Open(1)
	ch, cancel, ok := p.Subscribe(1)
	require.True(t, ok)
	defer cancel()

	primed := <-ch
	assert.EqualValues(t, 10, primed.Expected)

	assert.True(t, p.Publish(1))
	assert.False(t, p.Publish(1), "unchanged snapshot must not be published twice")

	require.NoError(t, l.RecordChunk(1, "partition0", 4, 4))
	assert.True(t, p.Publish(1))

	<-ch
	got := <-ch
	assert.EqualValues(t, 4, got.Processed)
	assert.EqualValues(t, 4, got.Written)

	p.Close(1)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, p.Subscribers(1))
}

func TestProgressPublisher_SubscribeRequiresOpen(t *testing.T) {
	p := NewProgressPublisher(ledger.New(nil), discard)
	_, _, ok := p.Subscribe(7)
	assert.False(t, ok)
	assert.False(t, p.Publish(7))
}

func TestProgressPublisher_Unsubscribe(t *testing.T) {
	p := NewProgressPublisher(ledger.New(nil), discard)
	p.Open(3)

	ch, cancel, ok := p.Subscribe(3)
	require.True(t, ok)
	assert.Equal(t, 1, p.Subscribers(3))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, p.Subscribers(3))

	p.Close(3)
}

func TestSend_DropsOldestWhenFull(t *testing.T) {
	ch := make(chan ledger.Progress, 2)
	for i := int64(1); i <= 5; i++ {
		send(ch, ledger.Progress{Processed: i})
	}
	first := <-ch
	second := <-ch
	assert.EqualValues(t, 4, first.Processed)
	assert.EqualValues(t, 5, second.Processed)
}
