package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtyard/studio/pkg/protocol"
)

func TestFromWorkerNamespacesType(t *testing.T) {
	ev := protocol.ParseLine([]byte(`{"type":"progress","pct":10}`))
	env := FromWorker("job-1", "proj-1", ev)

	assert.Equal(t, "studio.progress.v1", env.Type)
	assert.Equal(t, "job-1", env.JobID)
	assert.Equal(t, "proj-1", env.ProjectID)
	assert.False(t, env.IsWorkerLog())

	logEnv := FromWorker("job-1", "proj-1", protocol.LogEvent("raw"))
	assert.True(t, logEnv.IsWorkerLog())
}

func TestJSONLWriterEmitsOneLinePerEnvelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	ctx := context.Background()

	require.NoError(t, w.Emit(ctx, Notice(TypeVersionReady, "job-1", "proj-1", map[string]string{"dir": "20260101_120000"})))
	require.NoError(t, w.Emit(ctx, FromWorker("job-1", "proj-1", protocol.LogEvent("hello"))))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	assert.Equal(t, TypeVersionReady, env.Type)
	assert.Equal(t, "job-1", env.JobID)
	assert.False(t, env.TS.IsZero())
}

func TestJSONLWriterClosed(t *testing.T) {
	w := NewJSONLWriter(&bytes.Buffer{})
	require.NoError(t, w.Close())

	err := w.Emit(context.Background(), Notice(TypeStopped, "job-1", "", nil))
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestJSONLWriterConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.Emit(ctx, FromWorker("job-1", "", protocol.LogEvent(strings.Repeat("x", 200))))
			}
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env))
	}
}

func TestBusRoutesByJobID(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	chA, unsubA := bus.Subscribe("job-a")
	defer unsubA()
	chB, unsubB := bus.Subscribe("job-b")
	defer unsubB()

	bus.Publish(Notice(TypeVersionReady, "job-a", "", nil))

	env := <-chA
	assert.Equal(t, "job-a", env.JobID)

	select {
	case env := <-chB:
		t.Fatalf("job-b subscriber received foreign envelope %v", env)
	default:
	}
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.Publish(Notice(TypeVersionReady, "job-1", "", map[string]int{"seq": i}))
	}

	for i := 0; i < 10; i++ {
		env := <-ch
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	// Publish more than the buffer without draining. Must not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Notice(TypeVersionReady, "job-1", "", nil))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe("job-1")
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Notice(TypeVersionReady, "job-1", "", nil))
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe("job-1")
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Subscribing after close yields a closed channel.
	ch2, unsub2 := bus.Subscribe("job-2")
	unsub2()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestTeeFansOut(t *testing.T) {
	var a, b bytes.Buffer
	sink := Tee(NewJSONLWriter(&a), NewJSONLWriter(&b))

	require.NoError(t, sink.Emit(context.Background(), Notice(TypeStopped, "job-1", "", nil)))
	assert.Equal(t, a.String(), b.String())
	assert.NotEmpty(t, a.String())
}
