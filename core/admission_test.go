package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionQueueFIFOOrder(t *testing.T) {
	q := newAdmissionQueue(0)

	r1 := NewRequest(TaskParams{Prompt: "first"})
	r2 := NewRequest(TaskParams{Prompt: "second"})
	require.NoError(t, q.submit(r1))
	require.NoError(t, q.submit(r2))

	got1, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, r1.ID, got1.ID)

	got2, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, r2.ID, got2.ID)
}

func TestAdmissionQueueNextBlocksUntilSubmit(t *testing.T) {
	q := newAdmissionQueue(0)
	result := make(chan *Request, 1)

	go func() {
		req, ok := q.next()
		if ok {
			result <- req
		}
	}()

	time.Sleep(20 * time.Millisecond) // let next() start blocking

	r := NewRequest(TaskParams{Prompt: "late"})
	require.NoError(t, q.submit(r))

	select {
	case got := <-result:
		assert.Equal(t, r.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("next() never returned the submitted request")
	}
}

func TestAdmissionQueueMaxQueueRejects(t *testing.T) {
	q := newAdmissionQueue(1)
	require.NoError(t, q.submit(NewRequest(TaskParams{})))

	err := q.submit(NewRequest(TaskParams{}))
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestAdmissionQueueSubmitAfterCloseFails(t *testing.T) {
	q := newAdmissionQueue(0)
	q.close()

	err := q.submit(NewRequest(TaskParams{}))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestAdmissionQueueCloseFulfilsPendingWithShutdownError(t *testing.T) {
	q := newAdmissionQueue(0)
	var onErrCalled bool
	req := NewRequest(TaskParams{OnError: func(err error) { onErrCalled = true }})
	require.NoError(t, q.submit(req))

	q.close()

	res := req.Wait()
	assert.ErrorIs(t, res.Err, ErrShutdown)
	assert.True(t, onErrCalled)

	_, ok := q.next()
	assert.False(t, ok)
}

func TestAdmissionQueueConcurrentSubmitAllDelivered(t *testing.T) {
	q := newAdmissionQueue(0)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.submit(NewRequest(TaskParams{}))
		}()
	}
	wg.Wait()

	seen := 0
	for seen < n {
		req, ok := q.next()
		require.True(t, ok)
		require.NotNil(t, req)
		seen++
	}
	assert.Equal(t, n, seen)
}
