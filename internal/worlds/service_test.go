package worlds

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/eventbus"
	"github.com/annel0/mineworlds/internal/mines"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/regen"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/storage"
	"github.com/annel0/mineworlds/internal/tracker"
	"github.com/annel0/mineworlds/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc *Service
	eng *engine.Memory
	bus eventbus.EventBus

	mu     sync.Mutex
	events []string
}

// tinyMine шахта 5x1x5 = 25 блоков, чтобы порог регенерации достигался быстро
func tinyMine() (*schematic.Template, error) {
	return schematic.NewTemplate("tiny_mine",
		schematic.Bounds{Min: vec.Vec3{X: 0, Y: 1, Z: 0}, Max: vec.Vec3{X: 4, Y: 1, Z: 4}},
		nil, schematic.NewOreLayout(42, schematic.Stone, schematic.DefaultVeins()))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithEngine(t, nil)
}

// newFixtureWithEngine wrap позволяет обернуть движок в тестовую прослойку
func newFixtureWithEngine(t *testing.T, wrap func(*engine.Memory) engine.Engine) *fixture {
	t.Helper()
	loader := schematic.NewBuiltinLoader()
	loader.Register("tiny_mine", tinyMine)

	reg := registry.New()
	t.Cleanup(reg.Close)
	eng := engine.NewMemory()
	promReg := prometheus.NewRegistry()
	var used engine.Engine = eng
	if wrap != nil {
		used = wrap(eng)
	}
	prov := provision.NewService(schematic.NewStore(loader), reg, used, provision.Config{}, provision.NewMetrics(promReg))
	tr := tracker.New(nil)
	mgr := mines.NewManager(prov, tr, storage.NewMemoryMineRepo(), mines.Config{Template: "mine_template"})
	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })

	svc := New(Config{
		SpawnWorld:         "spawn",
		SpawnTemplate:      "spawn",
		SharedMineWorld:    "mine",
		SharedMineTemplate: "tiny_mine",
		Regen:              regen.Config{Threshold: 0.8, SweepInterval: time.Hour},
	}, Deps{Provisioner: prov, Tracker: tr, Mines: mgr, Bus: bus, Registerer: promReg})
	t.Cleanup(svc.Close)

	f := &fixture{svc: svc, eng: eng, bus: bus}
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{}, func(ctx context.Context, ev *eventbus.Envelope) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev.EventType)
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) sawEvent(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func wait(t *testing.T, fut *registry.Future) (*registry.WorldInstance, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func bootstrap(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Bootstrap(ctx))
}

func TestBootstrapProvisionsStartupWorlds(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)

	list := f.svc.ListWorlds()
	require.Len(t, list, 2)
	assert.Equal(t, "mine", list[0].Name)
	assert.Equal(t, "tiny_mine", list[0].Template)
	assert.Equal(t, "spawn", list[1].Name)

	status, ok := f.svc.Scheduler().Status("mine")
	require.True(t, ok, "shared mine must be registered for regeneration")
	assert.EqualValues(t, 25, status.TotalBlocks)

	_, ok = f.svc.Scheduler().Status("spawn")
	assert.False(t, ok)

	assert.Eventually(t, func() bool { return f.sawEvent(eventbus.TypeWorldProvisioned) }, time.Second, 5*time.Millisecond)
}

func TestTeleportTracksBinding(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)
	ctx := context.Background()

	require.NoError(t, f.svc.TeleportToWorld(ctx, "P", "spawn"))
	w, ok := f.svc.GetPlayerWorld("P")
	require.True(t, ok)
	assert.Equal(t, "spawn", w)

	spawn, _ := f.svc.ResolveWorld("spawn")
	mine, _ := f.svc.ResolveWorld("mine")
	assert.Equal(t, 1, spawn.OccupantCount())

	require.NoError(t, f.svc.TeleportPlayer(ctx, "P", mine, mine.Spawn()))
	w, _ = f.svc.GetPlayerWorld("P")
	assert.Equal(t, "mine", w)
	assert.Equal(t, 0, spawn.OccupantCount())
	assert.Equal(t, 1, mine.OccupantCount())

	id, _, ok := f.eng.EntityLocation("P")
	require.True(t, ok)
	assert.Equal(t, mine.Handle, id)

	f.svc.Disconnect("P")
	_, ok = f.svc.GetPlayerWorld("P")
	assert.False(t, ok)
	assert.Equal(t, 0, mine.OccupantCount())
}

func TestTeleportToUnloadedWorld(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)
	ctx := context.Background()

	err := f.svc.TeleportToWorld(ctx, "P", "nowhere")
	assert.ErrorIs(t, err, ErrWorldNotLoaded)

	stale, _ := f.svc.ResolveWorld("mine")
	_, removed, err := f.svc.RemoveWorld(ctx, "mine")
	require.NoError(t, err)
	require.True(t, removed)

	err = f.svc.TeleportPlayer(ctx, "P", stale, stale.Spawn())
	assert.ErrorIs(t, err, ErrWorldNotLoaded)
	_, ok := f.svc.GetPlayerWorld("P")
	assert.False(t, ok)
}

func TestRemoveWorldReassignsOccupantsToSpawn(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, f.svc.TeleportToWorld(ctx, p, "mine"))
	}

	inst, removed, err := f.svc.RemoveWorld(ctx, "mine")
	require.NoError(t, err)
	require.True(t, removed)
	assert.Equal(t, "mine", inst.Name)

	_, ok := f.svc.ResolveWorld("mine")
	assert.False(t, ok)
	for _, p := range []string{"a", "b", "c"} {
		w, ok := f.svc.GetPlayerWorld(p)
		require.True(t, ok)
		assert.Equal(t, "spawn", w, "binding must never point at a removed world")
	}
	_, ok = f.svc.Scheduler().Status("mine")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return f.sawEvent(eventbus.TypeWorldRemoved) }, time.Second, 5*time.Millisecond)

	_, removed, err = f.svc.RemoveWorld(ctx, "mine")
	require.NoError(t, err)
	assert.False(t, removed)
}

// heldTeleport задерживает возврат первого телепорта сущности entity
type heldTeleport struct {
	*engine.Memory
	entity  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func holdTeleportOf(entity string) (*heldTeleport, func(*engine.Memory) engine.Engine) {
	h := &heldTeleport{entity: entity, entered: make(chan struct{}), release: make(chan struct{})}
	return h, func(m *engine.Memory) engine.Engine {
		h.Memory = m
		return h
	}
}

func (h *heldTeleport) TeleportEntity(ctx context.Context, id engine.InstanceID, entity string, to schematic.SpawnPoint) error {
	err := h.Memory.TeleportEntity(ctx, id, entity, to)
	if entity == h.entity {
		first := false
		h.once.Do(func() { first = true })
		if first {
			close(h.entered)
			<-h.release
		}
	}
	return err
}

func TestRemoveWorldWaitsForTeleportInProgress(t *testing.T) {
	held, wrap := holdTeleportOf("late")
	f := newFixtureWithEngine(t, wrap)
	bootstrap(t, f)
	ctx := context.Background()

	teleported := make(chan error, 1)
	go func() { teleported <- f.svc.TeleportToWorld(ctx, "late", "mine") }()
	<-held.entered

	removed := make(chan error, 1)
	go func() {
		_, _, err := f.svc.RemoveWorld(ctx, "mine")
		removed <- err
	}()

	select {
	case <-removed:
		t.Fatal("выгрузка не должна завершиться, пока игрок входит в мир")
	case <-time.After(50 * time.Millisecond):
	}

	close(held.release)
	require.NoError(t, <-teleported)
	require.NoError(t, <-removed)

	w, ok := f.svc.GetPlayerWorld("late")
	require.True(t, ok)
	assert.Equal(t, "spawn", w, "binding must never point at a removed world")
	_, loaded := f.svc.ResolveWorld("mine")
	assert.False(t, loaded)

	spawn, _ := f.svc.ResolveWorld("spawn")
	id, _, ok := f.eng.EntityLocation("late")
	require.True(t, ok)
	assert.Equal(t, spawn.Handle, id)
}

func TestReloadMigratesPlayerEnteringDuringReload(t *testing.T) {
	held, wrap := holdTeleportOf("late")
	f := newFixtureWithEngine(t, wrap)
	bootstrap(t, f)
	ctx := context.Background()

	mine, err := f.svc.GetOrCreateMine(ctx, "alice", "Alice")
	require.NoError(t, err)
	old, err := wait(t, f.svc.EnsureMineWorld(mine))
	require.NoError(t, err)

	teleported := make(chan error, 1)
	go func() { teleported <- f.svc.TeleportPlayer(ctx, "late", old, old.Spawn()) }()
	<-held.entered

	fut := f.svc.ReloadMine(mine)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fut.Ready(), "перезагрузка ждёт входящий телепорт")

	close(held.release)
	require.NoError(t, <-teleported)
	inst, err := wait(t, fut)
	require.NoError(t, err)
	require.NotSame(t, old, inst)

	w, ok := f.svc.GetPlayerWorld("late")
	require.True(t, ok)
	assert.Equal(t, mine.WorldName(), w)
	id, _, ok := f.eng.EntityLocation("late")
	require.True(t, ok)
	assert.Equal(t, inst.Handle, id, "игрок перенесён в новый инстанс")
	assert.Equal(t, 1, inst.OccupantCount())
}

func TestRemoveSpawnUntracksOccupants(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)
	ctx := context.Background()

	require.NoError(t, f.svc.TeleportToWorld(ctx, "a", "spawn"))
	require.NoError(t, f.svc.TeleportToWorld(ctx, "b", "mine"))

	_, removed, err := f.svc.RemoveWorld(ctx, "spawn")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok := f.svc.GetPlayerWorld("a")
	assert.False(t, ok)
	w, ok := f.svc.GetPlayerWorld("b")
	require.True(t, ok)
	assert.Equal(t, "mine", w)
}

func TestBlockBreaksTriggerRegeneration(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)

	mine, _ := f.svc.ResolveWorld("mine")
	origin := vec.Vec3{X: 0, Y: 1, Z: 0}
	original := f.eng.BlockAt(mine.Handle, origin)
	require.NoError(t, f.eng.SetBlock(mine.Handle, origin, schematic.Air))

	// 20 из 25 блоков = порог 0.8
	triggered := 0
	for i := 0; i < 20; i++ {
		if f.svc.ReportBlockBroken("mine") {
			triggered++
		}
	}
	assert.Equal(t, 1, triggered)

	require.Eventually(t, func() bool {
		st, _ := f.svc.Scheduler().State("mine")
		return st == regen.StateFresh
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, original, f.eng.BlockAt(mine.Handle, origin))
	assert.Eventually(t, func() bool { return f.sawEvent(eventbus.TypeMineRegenerated) }, time.Second, 5*time.Millisecond)
}

func TestPrivateMineFlow(t *testing.T) {
	f := newFixture(t)
	bootstrap(t, f)
	ctx := context.Background()

	mine, err := f.svc.GetOrCreateMine(ctx, "u-1", "Alice")
	require.NoError(t, err)

	inst, err := wait(t, f.svc.EnsureMineWorld(mine))
	require.NoError(t, err)
	assert.Equal(t, "mine_alice", inst.Name)
	_, ok := f.svc.Scheduler().Status("mine_alice")
	assert.True(t, ok)

	require.NoError(t, f.svc.TeleportPlayer(ctx, "u-1", inst, inst.Spawn()))

	ok, err = f.svc.UpgradeMineSize(mine, func(float64) bool { return false })
	assert.False(t, ok)
	assert.ErrorIs(t, err, mines.ErrInsufficientFunds)

	ok, err = f.svc.UpgradeMineBeacons(mine, func(float64) bool { return true })
	assert.True(t, ok)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.sawEvent(eventbus.TypeMineUpgraded) }, time.Second, 5*time.Millisecond)

	fresh, err := wait(t, f.svc.ReloadMine(mine))
	require.NoError(t, err)
	assert.NotEqual(t, inst.Handle, fresh.Handle)
	w, _ := f.svc.GetPlayerWorld("u-1")
	assert.Equal(t, "mine_alice", w)
	assert.Eventually(t, func() bool { return f.sawEvent(eventbus.TypeMineReloaded) }, time.Second, 5*time.Millisecond)
}
