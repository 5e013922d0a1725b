package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
)

func TestBusBroadcastDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Broadcast(Delta{RequestID: "r1"})

	select {
	case d := <-ch1:
		require.Equal(t, "r1", d.RequestID)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive delta")
	}
	select {
	case d := <-ch2:
		require.Equal(t, "r1", d.RequestID)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive delta")
	}
}

func TestBusBroadcastNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			bus.Broadcast(Delta{RequestID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber buffer")
	}
}

type fakeKafkaSink struct {
	writes []Delta
	fail   bool
}

func (f *fakeKafkaSink) WriteDelta(_ context.Context, d Delta) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.writes = append(f.writes, d)
	return nil
}

func TestPublishBroadcastsAndWritesToKafka(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	sink := &fakeKafkaSink{}
	p := New(bus, sink, observability.NewMetricsForTesting(), observability.NewLogger("error", "text"))

	p.Publish(context.Background(), Delta{RequestID: "r1", BatchIndex: 0})

	require.Len(t, sink.writes, 1)
	select {
	case d := <-ch:
		require.Equal(t, "r1", d.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestPublishSurvivesKafkaFailure(t *testing.T) {
	bus := NewBus()
	sink := &fakeKafkaSink{fail: true}
	p := New(bus, sink, observability.NewMetricsForTesting(), observability.NewLogger("error", "text"))

	require.NotPanics(t, func() {
		p.Publish(context.Background(), Delta{RequestID: "r1"})
	})
}

func TestBuildDeltaMapsDecisions(t *testing.T) {
	decisions := []domain.Decision{
		{RegionCode: "R001", RegionName: "Test", Level: domain.LevelOrange, Reason: "x", Confidence: 0.8},
	}
	delta := BuildDelta("req-1", 2, time.Unix(0, 0), decisions, map[string]string{"R001": `{"a":1}`})
	require.Equal(t, "req-1", delta.RequestID)
	require.Equal(t, 2, delta.BatchIndex)
	require.Len(t, delta.Results, 1)
	require.Equal(t, domain.LevelOrange, delta.Results[0].Level)
	require.Equal(t, `{"a":1}`, delta.Results[0].Meteorology)
}
