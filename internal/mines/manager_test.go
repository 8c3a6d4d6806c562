package mines

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/mineworlds/internal/engine"
	"github.com/annel0/mineworlds/internal/provision"
	"github.com/annel0/mineworlds/internal/registry"
	"github.com/annel0/mineworlds/internal/schematic"
	"github.com/annel0/mineworlds/internal/storage"
	"github.com/annel0/mineworlds/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mgr     *Manager
	eng     *engine.Memory
	reg     *registry.Registry
	tracker *tracker.Tracker
	repo    *storage.MemoryMineRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	eng := engine.NewMemory()
	store := schematic.NewStore(schematic.NewBuiltinLoader())
	svc := provision.NewService(store, reg, eng, provision.Config{}, provision.NewMetrics(prometheus.NewRegistry()))
	tr := tracker.New(nil)
	repo := storage.NewMemoryMineRepo()
	return &fixture{
		mgr:     NewManager(svc, tr, repo, Config{Template: "mine_template", MigrationParallelism: 2}),
		eng:     eng,
		reg:     reg,
		tracker: tr,
		repo:    repo,
	}
}

func wait(t *testing.T, f *registry.Future) (*registry.WorldInstance, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestCostFormulas(t *testing.T) {
	assert.InDelta(t, 10000, SizeCost(1), 1e-6)
	assert.InDelta(t, 15000, SizeCost(2), 1e-6)
	assert.InDelta(t, 22500, SizeCost(3), 1e-6)

	assert.InDelta(t, 5000, BeaconCost(0), 1e-6)
	assert.InDelta(t, 10000, BeaconCost(1), 1e-6)
	assert.InDelta(t, 40000, BeaconCost(3), 1e-6)

	assert.InDelta(t, 1.0, Multiplier(0), 1e-9)
	assert.InDelta(t, 3.5, Multiplier(10), 1e-9)
}

func TestGetOrCreateMineDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.mgr.GetOrCreateMine(ctx, "u-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, 1, mine.SizeLevel())
	assert.Equal(t, 0, mine.BeaconLevel())
	assert.False(t, mine.IsPublic())
	assert.Zero(t, mine.TaxRate())
	assert.Equal(t, "mine_alice", mine.WorldName())
	assert.Nil(t, mine.Instance())

	again, err := f.mgr.GetOrCreateMine(ctx, "u-1", "Alice")
	require.NoError(t, err)
	assert.Same(t, mine, again)

	_, found, err := f.repo.Load(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 0, f.eng.Created())
}

func TestGetOrCreateMineRestoresFromRepo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Save(ctx, storage.MineRecord{
		OwnerID: "u-2", OwnerName: "Bob", MineName: "Pit", SizeLevel: 5, BeaconLevel: 2,
		TaxRate: 3, Allowed: []string{"u-9"},
	}))

	mine, err := f.mgr.GetOrCreateMine(ctx, "u-2", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Pit", mine.Name())
	assert.Equal(t, 5, mine.SizeLevel())
	assert.Equal(t, 1.0, mine.TaxRate())
	assert.True(t, mine.CanAccess("u-9"))
}

func TestEnsureWorldBindsOnce(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)

	first, err := wait(t, f.mgr.EnsureWorld(mine))
	require.NoError(t, err)
	assert.Equal(t, "mine_alice", first.Name)
	assert.Same(t, first, mine.Instance())

	second, err := wait(t, f.mgr.EnsureWorld(mine))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, f.eng.Created())
}

func TestEnsureWorldConcurrentSingleBuild(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*registry.WorldInstance, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := wait(t, f.mgr.EnsureWorld(mine))
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}
	wg.Wait()

	for _, inst := range results {
		assert.Same(t, results[0], inst)
	}
	assert.EqualValues(t, 1, f.eng.Created())
}

func TestReloadMigratesOccupants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, err := f.mgr.GetOrCreateMine(ctx, "u-1", "Alice")
	require.NoError(t, err)

	old, err := wait(t, f.mgr.EnsureWorld(mine))
	require.NoError(t, err)

	players := []string{"p1", "p2", "p3"}
	for _, p := range players {
		require.NoError(t, f.eng.TeleportEntity(ctx, old.Handle, p, old.Spawn()))
		f.tracker.Track(p, old.Name)
	}

	var reloaded atomic.Int32
	f.mgr.SetHooks(Hooks{OnReloaded: func(s Snapshot, inst *registry.WorldInstance, migrated int) {
		reloaded.Add(int32(migrated))
	}})

	fresh, err := wait(t, f.mgr.Reload(mine))
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.NotEqual(t, old.Handle, fresh.Handle)
	assert.Same(t, fresh, mine.Instance())

	cur, ok := f.reg.Resolve("mine_alice")
	require.True(t, ok)
	assert.Same(t, fresh, cur)

	for _, p := range players {
		w, ok := f.tracker.CurrentWorld(p)
		require.True(t, ok)
		assert.Equal(t, "mine_alice", w)

		id, _, ok := f.eng.EntityLocation(p)
		require.True(t, ok)
		assert.Equal(t, fresh.Handle, id)
	}
	assert.Equal(t, 3, fresh.OccupantCount())
	assert.EqualValues(t, 3, reloaded.Load())

	_, err = f.eng.ListOccupants(ctx, old.Handle)
	assert.ErrorIs(t, err, engine.ErrUnknownInstance)
}

func TestReloadFailureRestoresOldInstance(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)
	old, err := wait(t, f.mgr.EnsureWorld(mine))
	require.NoError(t, err)

	f.eng.FailCreate = func(name string) error { return assert.AnError }

	_, err = wait(t, f.mgr.Reload(mine))
	require.Error(t, err)
	assert.ErrorIs(t, err, provision.ErrEngineInstanceCreationFailed)

	cur, ok := f.reg.Resolve("mine_alice")
	require.True(t, ok)
	assert.Same(t, old, cur)
	assert.Same(t, old, mine.Instance())
}

func TestUpgradeSize(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)

	t.Run("Declined payment leaves level", func(t *testing.T) {
		calls := 0
		ok := f.mgr.UpgradeSize(mine, func(cost float64) bool {
			calls++
			assert.InDelta(t, 10000, cost, 1e-6)
			return false
		})
		assert.False(t, ok)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, mine.SizeLevel())
	})

	t.Run("Accepted payment increments once", func(t *testing.T) {
		calls := 0
		ok := f.mgr.UpgradeSize(mine, func(cost float64) bool {
			calls++
			return true
		})
		assert.True(t, ok)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, mine.SizeLevel())

		rec, _, err := f.repo.Load(context.Background(), "u-1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.SizeLevel)
	})

	t.Run("Max level does not charge", func(t *testing.T) {
		for mine.SizeLevel() < MaxSizeLevel {
			require.True(t, f.mgr.UpgradeSize(mine, func(float64) bool { return true }))
		}
		err := f.mgr.TryUpgradeSize(mine, func(float64) bool {
			t.Fatal("payFn must not be called at max level")
			return true
		})
		assert.ErrorIs(t, err, ErrMaxLevel)
		_, maxed := f.mgr.PreviewSizeUpgrade(mine)
		assert.True(t, maxed)
	})
}

func TestUpgradeBeaconsConcurrent(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)

	var charged sync.Map
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := f.mgr.UpgradeBeacons(mine, func(cost float64) bool {
				_, dup := charged.LoadOrStore(cost, true)
				return !dup
			})
			if ok {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	// Второй запрос видит новый уровень и платит уже другую цену
	assert.EqualValues(t, 2, successes.Load())
	assert.Equal(t, 2, mine.BeaconLevel())
	_, ok := charged.Load(BeaconCost(0))
	assert.True(t, ok)
	_, ok = charged.Load(BeaconCost(1))
	assert.True(t, ok)

	err = f.mgr.TryUpgradeBeacons(mine, func(float64) bool { return false })
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	cost, maxed := f.mgr.PreviewBeaconUpgrade(mine)
	assert.False(t, maxed)
	assert.InDelta(t, 20000, cost, 1e-6)
}

func TestAccessControl(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "owner", "Owner")
	require.NoError(t, err)
	f.mgr.Allow(mine, "B")

	assert.True(t, f.mgr.CanAccess(mine, "owner"))
	assert.True(t, f.mgr.CanAccess(mine, "B"))
	assert.False(t, f.mgr.CanAccess(mine, "stranger"))

	f.mgr.SetPublic(mine, true)
	assert.True(t, f.mgr.CanAccess(mine, "stranger"))

	f.mgr.SetPublic(mine, false)
	f.mgr.Disallow(mine, "B")
	assert.False(t, f.mgr.CanAccess(mine, "B"))
}

func TestMetadataMutations(t *testing.T) {
	f := newFixture(t)
	mine, err := f.mgr.GetOrCreateMine(context.Background(), "u-1", "Alice")
	require.NoError(t, err)

	f.mgr.SetTaxRate(mine, 1.7)
	assert.Equal(t, 1.0, mine.TaxRate())
	f.mgr.SetTaxRate(mine, -0.2)
	assert.Equal(t, 0.0, mine.TaxRate())
	f.mgr.SetTaxRate(mine, 0.15)
	assert.InDelta(t, 0.15, mine.TaxRate(), 1e-9)

	f.mgr.Rename(mine, "Deep Pit")
	require.True(t, f.mgr.UpgradeBeacons(mine, func(float64) bool { return true }))
	f.mgr.ResetLevels(mine)

	s := mine.Snapshot()
	assert.Equal(t, "Deep Pit", s.MineName)
	assert.Equal(t, 1, s.SizeLevel)
	assert.Equal(t, 0, s.BeaconLevel)
	assert.InDelta(t, 1.0, s.Multiplier, 1e-9)
	assert.False(t, s.Loaded)

	list := f.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "u-1", list[0].OwnerID)
}

func TestBindToDifferentWorldPanics(t *testing.T) {
	mine := newMine("u-1", "Alice")
	mine.bind("mine_alice", registry.NewInstance("mine_alice", nil, "a#1"))
	assert.Panics(t, func() {
		mine.bind("mine_bob", registry.NewInstance("mine_bob", nil, "b#1"))
	})
}

func TestLoadAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Save(ctx, storage.MineRecord{OwnerID: "a", OwnerName: "A", SizeLevel: 2}))
	require.NoError(t, f.repo.Save(ctx, storage.MineRecord{OwnerID: "b", OwnerName: "B", SizeLevel: 3}))

	n, err := f.mgr.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mine, ok := f.mgr.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, mine.SizeLevel())
}
