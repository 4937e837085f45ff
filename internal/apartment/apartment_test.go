package apartment

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRefAffinity(t *testing.T) {
	session := New("session")
	worker := New("worker")

	ref := NewRef(session, "document", nil)
	v, err := ref.Get(session)
	require.NoError(t, err)
	assert.Equal(t, "document", v)

	_, err = ref.Get(worker)
	assert.ErrorIs(t, err, ErrWrongApartment)
}

func TestRefCounting(t *testing.T) {
	ap := New("session")
	var released atomic.Int32
	ref := NewRef(ap, 1, func(int) { released.Add(1) })

	clone, err := ref.Clone(ap)
	require.NoError(t, err)

	ref.Release()
	ref.Release()
	assert.Equal(t, int32(0), released.Load(), "clone still holds the value")

	_, err = ref.Get(ap)
	assert.ErrorIs(t, err, ErrReleased)

	clone.Release()
	assert.Equal(t, int32(1), released.Load())
}

func TestMarshalUnmarshalOnce(t *testing.T) {
	session := New("session")
	worker := New("worker")
	var released atomic.Int32
	ref := NewRef(session, "doc", func(string) { released.Add(1) })

	_, err := Marshal(ref, worker)
	assert.ErrorIs(t, err, ErrWrongApartment, "only the owner may marshal")

	stream, err := Marshal(ref, session)
	require.NoError(t, err)

	moved, err := stream.Unmarshal(worker)
	require.NoError(t, err)
	v, err := moved.Get(worker)
	require.NoError(t, err)
	assert.Equal(t, "doc", v)

	_, err = moved.Get(session)
	assert.ErrorIs(t, err, ErrWrongApartment)

	_, err = stream.Unmarshal(worker)
	assert.ErrorIs(t, err, ErrStreamConsumed)

	ref.Release()
	assert.Equal(t, int32(0), released.Load())
	moved.Release()
	assert.Equal(t, int32(1), released.Load())
}

func TestStreamDiscard(t *testing.T) {
	ap := New("session")
	var released atomic.Int32
	ref := NewRef(ap, 0, func(int) { released.Add(1) })
	stream, err := Marshal(ref, ap)
	require.NoError(t, err)
	ref.Release()

	stream.Discard()
	stream.Discard()
	assert.Equal(t, int32(1), released.Load())
	_, err = stream.Unmarshal(ap)
	assert.ErrorIs(t, err, ErrStreamConsumed)
}

func TestLoop(t *testing.T) {
	ap := Start("worker")
	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, ap.Post(func() { order = append(order, i) }))
	}
	ap.Post(func() { close(done) })
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	// A task may stop its own apartment.
	ap.Post(ap.Stop)
	select {
	case <-ap.Done():
	case <-time.After(time.Second):
		t.Fatal("apartment did not stop")
	}
	assert.False(t, ap.Post(func() {}))
}

func TestPlainApartmentHasNoLoop(t *testing.T) {
	ap := New("session")
	assert.False(t, ap.Post(func() {}))
	ap.Stop()
	<-ap.Done()
	assert.Contains(t, ap.String(), "session#")
}
