package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
)

func testPoolConfig() config.PoolConfig {
	cfg := config.DefaultPoolConfig()
	cfg.InitialSize = 10
	cfg.MaxSize = 50
	cfg.EmergencyLimit = 100
	// Disable speculative pre-warm scaling so sizes are deterministic
	cfg.Cooldown = time.Hour
	return cfg
}

func TestManagerPreWarm(t *testing.T) {
	mgr := NewManager(testPoolConfig(), zap.NewNop())

	for _, kind := range Kinds {
		s := mgr.Stats()[kind]
		assert.Equal(t, 10, s.Size, "kind %s", kind)
		assert.Equal(t, 10, s.Idle)
		assert.Equal(t, 0, s.Borrowed)
	}
}

func TestBorrowReturnRoundTrip(t *testing.T) {
	mgr := NewManager(testPoolConfig(), zap.NewNop())

	obj, err := mgr.Borrow(KindRequest, config.PriorityNormal)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, KindRequest, obj.Kind())
	assert.True(t, obj.Tracked())
	assert.EqualValues(t, 1, obj.UseCount())

	s := mgr.Stats()[KindRequest]
	assert.Equal(t, 1, s.Borrowed)
	assert.Equal(t, 9, s.Idle)

	require.NoError(t, mgr.Return(obj))
	s = mgr.Stats()[KindRequest]
	assert.Equal(t, 0, s.Borrowed)
	assert.Equal(t, 10, s.Idle)
}

func TestResetIsIndistinguishableFromNew(t *testing.T) {
	mgr := NewManager(testPoolConfig(), zap.NewNop())

	obj, err := mgr.Borrow(KindResponse, config.PriorityNormal)
	require.NoError(t, err)
	obj.SetData("status", 200)
	obj.Buf = append(obj.Buf, []byte("payload")...)
	require.NoError(t, mgr.Return(obj))

	// Drain until the same object comes back; the pool is LIFO so it is the
	// first borrow.
	again, err := mgr.Borrow(KindResponse, config.PriorityNormal)
	require.NoError(t, err)

	_, ok := again.GetData("status")
	assert.False(t, ok)
	assert.Empty(t, again.Buf)
	assert.EqualValues(t, 1, again.UseCount())
}

func TestBorrowUnknownKind(t *testing.T) {
	mgr := NewManager(testPoolConfig(), zap.NewNop())

	_, err := mgr.Borrow(Kind("socket"), config.PriorityNormal)
	require.Error(t, err)
	assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeValidation))
}

func TestReturnAccountingErrors(t *testing.T) {
	mgr := NewManager(testPoolConfig(), zap.NewNop())

	t.Run("nil object", func(t *testing.T) {
		err := mgr.Return(nil)
		require.Error(t, err)
		assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeAccounting))
	})

	t.Run("double return", func(t *testing.T) {
		obj, err := mgr.Borrow(KindURI, config.PriorityNormal)
		require.NoError(t, err)
		require.NoError(t, mgr.Return(obj))

		err = mgr.Return(obj)
		require.Error(t, err)
		assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeAccounting))
	})

	t.Run("wrong pool kind", func(t *testing.T) {
		cfg := testPoolConfig()
		reqPool := newKindPool(KindRequest, cfg, zap.NewNop())
		respPool := newKindPool(KindResponse, cfg, zap.NewNop())

		obj := reqPool.borrow(config.PriorityNormal, cfg.MaxSize)
		err := respPool.giveBack(obj)
		require.Error(t, err)
		assert.True(t, kerrors.IsType(err, kerrors.ErrorTypeAccounting))
	})
}

func TestElasticOverflow(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Overflow = config.OverflowElastic
	mgr := NewManager(cfg, zap.NewNop())

	// 60 concurrent holders against max=50: the last 10 come from elastic
	// expansion and stay within the emergency limit.
	objs := make([]*Object, 0, 60)
	seen := make(map[*Object]bool)
	for i := 0; i < 60; i++ {
		obj, err := mgr.Borrow(KindStream, config.PriorityNormal)
		require.NoError(t, err)
		require.True(t, obj.Tracked())
		require.False(t, seen[obj], "object handed out twice")
		seen[obj] = true
		objs = append(objs, obj)
	}

	s := mgr.Stats()[KindStream]
	assert.Equal(t, 60, s.Size)
	assert.Equal(t, 60, s.Borrowed)
	assert.Equal(t, 10, s.Ephemeral)
	assert.LessOrEqual(t, s.Size, cfg.EmergencyLimit)
	assert.Equal(t, 60, s.HighWater)

	// Release everything; ephemeral objects are destroyed once load
	// subsides instead of joining the steady-state pool.
	for _, obj := range objs {
		require.NoError(t, mgr.Return(obj))
	}
	s = mgr.Stats()[KindStream]
	assert.Equal(t, 0, s.Borrowed)
	assert.Equal(t, 50, s.Size)
	assert.Equal(t, 0, s.Ephemeral)
}

func TestElasticOverflowStopsAtEmergencyLimit(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Overflow = config.OverflowElastic
	mgr := NewManager(cfg, zap.NewNop())

	objs := make([]*Object, 0, 110)
	for i := 0; i < 110; i++ {
		obj, err := mgr.Borrow(KindRequest, config.PriorityNormal)
		require.NoError(t, err)
		objs = append(objs, obj)
	}

	s := mgr.Stats()[KindRequest]
	assert.Equal(t, cfg.EmergencyLimit, s.Size)

	tracked := 0
	for _, obj := range objs {
		if obj.Tracked() {
			tracked++
		}
	}
	assert.Equal(t, cfg.EmergencyLimit, tracked)
	// Past the emergency limit borrows still succeed via untracked fallback
	assert.Equal(t, 110-cfg.EmergencyLimit, len(objs)-tracked)
}

func TestFallbackOverflow(t *testing.T) {
	cfg := testPoolConfig()
	cfg.InitialSize = 1
	cfg.MaxSize = 1
	cfg.EmergencyLimit = 1
	cfg.Overflow = config.OverflowFallback
	mgr := NewManager(cfg, zap.NewNop())

	first, err := mgr.Borrow(KindRequest, config.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, first.Tracked())

	second, err := mgr.Borrow(KindRequest, config.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, second.Tracked(), "exhausted pool must fall back to untracked allocation")

	// Untracked objects are discarded on return, not re-admitted
	require.NoError(t, mgr.Return(second))
	assert.Equal(t, 1, mgr.Stats()[KindRequest].Size)
}

func TestPriorityOverflow(t *testing.T) {
	cfg := testPoolConfig()
	cfg.InitialSize = 1
	cfg.MaxSize = 1
	cfg.EmergencyLimit = 3
	cfg.Overflow = config.OverflowPriority
	mgr := NewManager(cfg, zap.NewNop())

	_, err := mgr.Borrow(KindRequest, config.PriorityBatch)
	require.NoError(t, err)

	// At max size the cutoff is still generous: high-priority work gets a
	// pooled object.
	sys, err := mgr.Borrow(KindRequest, config.PrioritySystem)
	require.NoError(t, err)
	assert.True(t, sys.Tracked())
	assert.True(t, sys.Ephemeral())

	// Deeper into the overflow span the cutoff tightens and batch work is
	// pushed to fallback allocation.
	batch, err := mgr.Borrow(KindRequest, config.PriorityBatch)
	require.NoError(t, err)
	assert.False(t, batch.Tracked())
}

func TestRecycleRetiresAgedObjects(t *testing.T) {
	cfg := testPoolConfig()
	cfg.InitialSize = 1
	cfg.MaxSize = 1
	cfg.EmergencyLimit = 1
	cfg.Overflow = config.OverflowRecycle
	mgr := NewManager(cfg, zap.NewNop())

	for i := 0; i < recycleMaxUses+1; i++ {
		obj, err := mgr.Borrow(KindURI, config.PriorityNormal)
		require.NoError(t, err)
		require.NoError(t, mgr.Return(obj))
	}

	s := mgr.Stats()[KindURI]
	assert.GreaterOrEqual(t, s.Recycled, uint64(1), "aged object should have been retired")
	assert.Equal(t, 1, s.Size)
}

func TestConcurrentBorrowReturn(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Overflow = config.OverflowElastic
	mgr := NewManager(cfg, zap.NewNop())

	const workers = 8
	const iterations = 200

	// Tracked handles currently held by some worker; a handle observed here
	// twice was handed to two concurrent borrowers.
	var mu sync.Mutex
	inUse := make(map[*Object]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				obj, err := mgr.Borrow(KindRequest, config.PriorityNormal)
				if err != nil {
					t.Errorf("borrow failed: %v", err)
					return
				}
				if obj.Tracked() {
					mu.Lock()
					if inUse[obj] {
						t.Error("handle handed to two concurrent borrowers")
					}
					inUse[obj] = true
					mu.Unlock()
				}

				obj.SetData("worker", worker)

				if obj.Tracked() {
					mu.Lock()
					delete(inUse, obj)
					mu.Unlock()
				}
				if err := mgr.Return(obj); err != nil {
					t.Errorf("return failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	s := mgr.Stats()[KindRequest]
	assert.Equal(t, 0, s.Borrowed, "all handles returned")
	assert.EqualValues(t, workers*iterations, s.Borrows)
	assert.LessOrEqual(t, s.Size, cfg.EmergencyLimit)
	assert.GreaterOrEqual(t, s.Size, cfg.InitialSize)
}

func TestSweepShrinksTowardInitial(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Overflow = config.OverflowElastic
	mgr := NewManager(cfg, zap.NewNop())

	// Grow the pool, then release everything
	objs := make([]*Object, 0, 50)
	for i := 0; i < 50; i++ {
		obj, err := mgr.Borrow(KindRequest, config.PriorityNormal)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		require.NoError(t, mgr.Return(obj))
	}
	require.Equal(t, 50, mgr.Stats()[KindRequest].Size)

	// Each sweep at zero utilization halves the gap toward initial
	mgr.Sweep()
	assert.Equal(t, 30, mgr.Stats()[KindRequest].Size)
	mgr.Sweep()
	assert.Equal(t, 20, mgr.Stats()[KindRequest].Size)

	for i := 0; i < 10; i++ {
		mgr.Sweep()
	}
	assert.Equal(t, cfg.InitialSize, mgr.Stats()[KindRequest].Size)
}

func TestSweepAppliesPressureFactor(t *testing.T) {
	cfg := testPoolConfig()
	factor := 1.0
	mgr := NewManager(cfg, zap.NewNop(), WithPressure(func() float64 { return factor }))

	// Hold enough objects to keep utilization above the shrink threshold
	objs := make([]*Object, 0, 40)
	for i := 0; i < 40; i++ {
		obj, err := mgr.Borrow(KindRequest, config.PriorityNormal)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.Equal(t, 40, mgr.Stats()[KindRequest].Size)

	// Critical pressure advises halving even though utilization is high;
	// only idle objects can actually be destroyed.
	factor = 0.5
	mgr.Sweep()
	s := mgr.Stats()[KindRequest]
	assert.Equal(t, 40, s.Size, "borrowed objects must never be destroyed")

	for _, obj := range objs[20:] {
		require.NoError(t, mgr.Return(obj))
	}
	mgr.Sweep()
	s = mgr.Stats()[KindRequest]
	assert.Equal(t, 20, s.Size)
	assert.Equal(t, 20, s.Borrowed)
}

func TestAutoScalePreWarms(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Cooldown = 0 // scaling never rate-limited
	mgr := NewManager(cfg, zap.NewNop())

	// Push utilization past the scale threshold
	for i := 0; i < 9; i++ {
		_, err := mgr.Borrow(KindRequest, config.PriorityNormal)
		require.NoError(t, err)
	}

	// The next borrow sees utilization >= 0.8 and doubles the pool
	_, err := mgr.Borrow(KindRequest, config.PriorityNormal)
	require.NoError(t, err)

	s := mgr.Stats()[KindRequest]
	assert.Greater(t, s.Size, 10)
	assert.LessOrEqual(t, s.Size, cfg.MaxSize)
	assert.Greater(t, s.Idle, 0, "scale-up should pre-warm idle objects")
}
