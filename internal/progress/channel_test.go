package progress

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannel_DeliversInProductionOrder(t *testing.T) {
	req := require.New(t)
	ch := NewChannel()

	// Given a producer emitting concurrently with the consumer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i <= 100; i++ {
			ch.Emit(Event{Type: UploadProgress, Percent: i})
		}
		ch.Emit(Event{Type: TransferComplete, JobID: "job-1"})
	}()

	// When the consumer drains the channel
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []Event
	for {
		ev, err := ch.Next(ctx)
		if err == io.EOF {
			break
		}
		req.NoError(err)
		got = append(got, ev)
	}
	wg.Wait()

	// Then every event arrived in order and the terminal one is last
	req.Len(got, 102)
	for i := 0; i <= 100; i++ {
		req.Equal(i, got[i].Percent)
	}
	req.Equal(TransferComplete, got[101].Type)
}

func TestChannel_DropsEventsAfterTerminal(t *testing.T) {
	req := require.New(t)
	ch := NewChannel()

	ch.Emit(Event{Type: Error, Message: "rsync failed"})
	ch.Emit(Event{Type: TransferProgress, Percent: 50})

	ev, err := ch.Next(context.Background())
	req.NoError(err)
	req.Equal(Error, ev.Type)
	_, err = ch.Next(context.Background())
	req.ErrorIs(err, io.EOF)
	req.True(ch.Done())
}

func TestChannel_AssemblyFailedKeepsStreamOpen(t *testing.T) {
	req := require.New(t)
	ch := NewChannel()

	// Given a failed assembly followed by a successful retry
	ch.Emit(Event{Type: AssemblyFailed, Message: "assembly failed, resend any chunk to retry"})
	ch.Emit(Event{Type: Assembled, JobID: "job-1"})
	ch.Emit(Event{Type: TransferComplete, JobID: "job-1"})

	// Then the retry's events are still delivered
	var got []EventType
	for {
		ev, err := ch.Next(context.Background())
		if err == io.EOF {
			break
		}
		req.NoError(err)
		got = append(got, ev.Type)
	}
	req.Equal([]EventType{AssemblyFailed, Assembled, TransferComplete}, got)
}

func TestChannel_EmitAfterDetachIsNoop(t *testing.T) {
	req := require.New(t)
	ch := NewChannel()

	ch.Emit(Event{Type: UploadProgress, Percent: 10})
	ch.Detach()

	// When producers keep emitting
	req.NotPanics(func() {
		ch.Emit(Event{Type: UploadProgress, Percent: 20})
		ch.Emit(Event{Type: TransferComplete, JobID: "job-1"})
	})

	// Then nothing is buffered
	_, err := ch.Next(context.Background())
	req.ErrorIs(err, io.EOF)
}

func TestChannel_NextHonoursContext(t *testing.T) {
	req := require.New(t)
	ch := NewChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Next(ctx)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestEvent_MarshalJSON(t *testing.T) {
	req := require.New(t)

	raw, err := json.Marshal(Event{Type: UploadProgress, Percent: 0, Speed: "1.50"})
	req.NoError(err)
	req.JSONEq(`{"type":"upload_progress","percent":0,"speed":"1.50"}`, string(raw))

	raw, err = json.Marshal(Event{Type: TransferComplete, JobID: "job-1"})
	req.NoError(err)
	req.JSONEq(`{"type":"transfer_complete","jobId":"job-1"}`, string(raw))

	raw, err = json.Marshal(Event{Type: Error, Message: "boom"})
	req.NoError(err)
	req.JSONEq(`{"type":"error","message":"boom"}`, string(raw))

	raw, err = json.Marshal(Event{Type: AssemblyFailed, Message: "assembly failed"})
	req.NoError(err)
	req.JSONEq(`{"type":"assembly_failed","message":"assembly failed"}`, string(raw))
}

func TestHub_BuffersUntilSubscribed(t *testing.T) {
	req := require.New(t)
	hub := NewHub()

	// Given events produced before anyone listens
	sink := hub.Sink("u1")
	sink.Emit(Event{Type: UploadProgress, Percent: 50})
	sink.Emit(Event{Type: UploadProgress, Percent: 100})

	// When a client subscribes
	ch, err := hub.Subscribe("u1")
	req.NoError(err)

	// Then it sees the backlog
	ev, err := ch.Next(context.Background())
	req.NoError(err)
	req.Equal(50, ev.Percent)

	// And a second subscriber is refused
	_, err = hub.Subscribe("u1")
	req.ErrorIs(err, ErrAlreadySubscribed)
}

func TestHub_UnsubscribeDetachesUnfinishedStream(t *testing.T) {
	req := require.New(t)
	hub := NewHub()

	ch, err := hub.Subscribe("u1")
	req.NoError(err)

	// When the consumer disconnects mid-stream
	hub.Unsubscribe("u1", ch)
	hub.Emit("u1", Event{Type: TransferProgress, Percent: 10})

	// Then emission is a no-op for it
	_, err = ch.Next(context.Background())
	req.ErrorIs(err, io.EOF)

	// And a reconnecting client gets a fresh stream
	again, err := hub.Subscribe("u1")
	req.NoError(err)
	req.NotSame(ch, again)
	hub.Emit("u1", Event{Type: TransferComplete, JobID: "job-1"})
	ev, err := again.Next(context.Background())
	req.NoError(err)
	req.Equal(TransferComplete, ev.Type)
}

func TestHub_UnsubscribeAfterTerminalForgetsUpload(t *testing.T) {
	req := require.New(t)
	hub := NewHub()

	ch, err := hub.Subscribe("u1")
	req.NoError(err)
	hub.Emit("u1", Event{Type: TransferComplete, JobID: "job-1"})
	_, err = ch.Next(context.Background())
	req.NoError(err)

	hub.Unsubscribe("u1", ch)
	req.Zero(hub.Len())
}

func TestHub_SweepKeepsLiveSubscriptions(t *testing.T) {
	req := require.New(t)
	hub := NewHub()

	hub.Emit("orphan", Event{Type: UploadProgress, Percent: 10})
	_, err := hub.Subscribe("watched")
	req.NoError(err)

	removed := hub.Sweep(-time.Second)

	req.Equal([]string{"orphan"}, removed)
	req.Equal(1, hub.Len())
}
