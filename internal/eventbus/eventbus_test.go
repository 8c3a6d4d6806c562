package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversMatchingEvents(t *testing.T) {
	bus := NewMemoryBus(16)

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeMineReloaded}}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.EventType)
	})
	require.NoError(t, err)

	ev, err := NewEnvelope(TypeMineReloaded, 5, MineReloaded{Owner: "u-1", World: "mine_alice", Migrated: 3})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))

	other, err := NewEnvelope(TypeWorldRemoved, 5, WorldRemoved{World: "spawn"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), other))

	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{TypeMineReloaded}, got)

	stats := bus.Metrics()
	assert.EqualValues(t, 2, stats.Published)
	assert.EqualValues(t, 1, stats.Consumed)

	assert.ErrorIs(t, bus.Publish(context.Background(), ev), ErrClosed)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ev, err := NewEnvelope(TypeMineUpgraded, 1, MineUpgraded{Owner: "u-1", Kind: "size", Level: 2, Cost: 10000})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, Source, ev.Source)

	payload, err := Decode[MineUpgraded](ev)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Level)
	assert.InDelta(t, 10000, payload.Cost, 1e-9)
}

func TestLowPriorityDroppedWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		<-block
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ev, _ := NewEnvelope(TypeMineUpgraded, 0, MineUpgraded{})
		require.NoError(t, bus.Publish(context.Background(), ev))
	}
	close(block)
	require.NoError(t, bus.Close())
	assert.Positive(t, bus.Metrics().Dropped)
}

func TestMetricsExporterCollects(t *testing.T) {
	bus := NewMemoryBus(8)
	reg := prometheus.NewRegistry()
	exp := NewMetricsExporter(bus, reg)

	ev, _ := NewEnvelope(TypeWorldProvisioned, 5, WorldProvisioned{World: "spawn"})
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, 5*time.Millisecond)

	exp.collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.published))
	exp.collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.published))
	require.NoError(t, bus.Close())
}
