// Package pool provides per-kind object pooling with auto-scaling and
// overflow strategies for keel.
//
// Each pool kind (request, response, uri, stream) owns its own state and
// lock, so pools never become the bottleneck they exist to prevent. Borrow
// never blocks on I/O and never fails to produce a usable object: when a pool
// is exhausted it degrades to allocation through the configured overflow
// strategy. Return resets the object and makes it available again; returning
// an object of the wrong kind, or one that was never borrowed, is a
// pool-accounting bug and is reported loudly rather than swallowed.
//
// Example usage:
//
//	mgr := pool.NewManager(config.DefaultPoolConfig(), logger)
//	obj, err := mgr.Borrow(pool.KindRequest, config.PriorityNormal)
//	defer mgr.Return(obj)
package pool

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steadyops/keel/pkg/config"
	kerrors "github.com/steadyops/keel/pkg/errors"
)

// Kind is a category of reusable object.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindURI      Kind = "uri"
	KindStream   Kind = "stream"
)

// Kinds lists every pool kind a Manager owns.
var Kinds = []Kind{KindRequest, KindResponse, KindURI, KindStream}

// recycleMaxUses is the lifetime use count past which the recycle overflow
// strategy retires an idle object instead of reusing it.
const recycleMaxUses = 512

// Object is a reusable instance of one pool kind. An object handed to a
// caller is never concurrently handed to another caller until returned.
type Object struct {
	// Data carries the opaque payload fields
	Data map[string]interface{}
	// Buf is a reusable byte buffer for body/stream payloads
	Buf []byte

	kind         Kind
	id           uint64
	lastReset    time.Time
	useCount     int64
	lifetimeUses int64
	ephemeral    bool
	tracked      bool
}

// Kind returns the object's pool kind.
func (o *Object) Kind() Kind { return o.kind }

// UseCount returns the number of borrows since the last reset.
func (o *Object) UseCount() int64 { return o.useCount }

// LastReset returns when the object was last reset.
func (o *Object) LastReset() time.Time { return o.lastReset }

// Tracked reports whether the object is owned by a pool. Untracked objects
// come from overflow fallback allocation and are discarded after use.
func (o *Object) Tracked() bool { return o.tracked }

// Ephemeral reports whether the object was minted past the pool's steady
// maximum under elastic expansion.
func (o *Object) Ephemeral() bool { return o.ephemeral }

// SetData sets a payload field.
func (o *Object) SetData(key string, value interface{}) {
	if o.Data == nil {
		o.Data = make(map[string]interface{}, 8)
	}
	o.Data[key] = value
}

// GetData retrieves a payload field.
func (o *Object) GetData(key string) (interface{}, bool) {
	if o.Data == nil {
		return nil, false
	}
	v, ok := o.Data[key]
	return v, ok
}

// reset clears the payload so a recycled object is indistinguishable from a
// freshly constructed one.
func (o *Object) reset() {
	for k := range o.Data {
		delete(o.Data, k)
	}
	o.Buf = o.Buf[:0]
	o.useCount = 0
	o.lastReset = time.Now()
}

// Stats is a read-only snapshot of one kind's pool state.
type Stats struct {
	Kind        Kind    `json:"kind"`
	Size        int     `json:"size"`
	HighWater   int     `json:"high_water"`
	Borrowed    int     `json:"borrowed"`
	Idle        int     `json:"idle"`
	Utilization float64 `json:"utilization"`
	Borrows     uint64  `json:"borrows"`
	Returns     uint64  `json:"returns"`
	Overflows   uint64  `json:"overflows"`
	Fallbacks   uint64  `json:"fallbacks"`
	Recycled    uint64  `json:"recycled"`
	Ephemeral   int     `json:"ephemeral"`
}

// kindPool owns all state for one object kind. All mutation happens under mu;
// Borrow and Return are pure in-memory operations.
type kindPool struct {
	kind   Kind
	cfg    config.PoolConfig
	logger *zap.Logger

	mu        sync.Mutex
	idle      []*Object
	borrowed  map[uint64]*Object
	size      int
	highWater int
	nextID    uint64
	lastScale time.Time

	borrows   uint64
	returns   uint64
	overflows uint64
	fallbacks uint64
	recycled  uint64
	ephemeral int
}

func newKindPool(kind Kind, cfg config.PoolConfig, logger *zap.Logger) *kindPool {
	p := &kindPool{
		kind:      kind,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "pool"), zap.String("kind", string(kind))),
		idle:      make([]*Object, 0, cfg.MaxSize),
		borrowed:  make(map[uint64]*Object, cfg.MaxSize),
		lastScale: time.Now(),
	}
	// Pre-warm to the initial size
	for i := 0; i < cfg.InitialSize; i++ {
		p.idle = append(p.idle, p.mintLocked(false))
	}
	return p
}

// mintLocked constructs a new tracked object and grows size. Caller holds mu.
func (p *kindPool) mintLocked(ephemeral bool) *Object {
	p.nextID++
	p.size++
	if p.size > p.highWater {
		p.highWater = p.size
	}
	if ephemeral {
		p.ephemeral++
	}
	return &Object{
		Data:      make(map[string]interface{}, 8),
		Buf:       make([]byte, 0, 1024),
		kind:      p.kind,
		id:        p.nextID,
		lastReset: time.Now(),
		ephemeral: ephemeral,
		tracked:   true,
	}
}

// destroyLocked removes a tracked object from the pool accounting. Caller
// holds mu.
func (p *kindPool) destroyLocked(o *Object) {
	p.size--
	if o.ephemeral {
		p.ephemeral--
	}
}

// utilizationLocked is borrowed / size. Can transiently exceed 1 only under
// overflow. Caller holds mu.
func (p *kindPool) utilizationLocked() float64 {
	if p.size == 0 {
		return 0
	}
	return float64(len(p.borrowed)) / float64(p.size)
}

// borrow hands out an idle object, mints a fresh one, or applies the overflow
// strategy. It never fails to produce a usable object.
func (p *kindPool) borrow(priority config.Priority, advisoryMax int) *Object {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.borrows++
	p.maybeScaleLocked(advisoryMax)

	if o := p.popIdleLocked(); o != nil {
		return p.handOutLocked(o)
	}

	if p.size < p.cfg.MaxSize {
		o := p.mintLocked(false)
		return p.handOutLocked(o)
	}

	return p.overflowLocked(priority)
}

// popIdleLocked takes an idle object, honoring the recycle strategy's
// retirement of heavily used objects. Caller holds mu.
func (p *kindPool) popIdleLocked() *Object {
	for len(p.idle) > 0 {
		o := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.Overflow == config.OverflowRecycle && o.lifetimeUses >= recycleMaxUses {
			// Retire the aged object and replace it in-place
			p.destroyLocked(o)
			p.recycled++
			return p.mintLocked(false)
		}
		return o
	}
	return nil
}

func (p *kindPool) handOutLocked(o *Object) *Object {
	o.useCount++
	o.lifetimeUses++
	p.borrowed[o.id] = o
	return o
}

// overflowLocked applies the configured strategy once size == max and no idle
// object exists. Caller holds mu.
func (p *kindPool) overflowLocked(priority config.Priority) *Object {
	p.overflows++

	switch p.cfg.Overflow {
	case config.OverflowElastic:
		if p.size < p.cfg.EmergencyLimit {
			o := p.mintLocked(true)
			return p.handOutLocked(o)
		}

	case config.OverflowPriority:
		if p.size < p.cfg.EmergencyLimit && priority.Rank() <= p.priorityCutoffLocked() {
			o := p.mintLocked(true)
			return p.handOutLocked(o)
		}

	case config.OverflowRecycle:
		// Idle is empty here by construction; nothing to reclaim, so
		// degrade to fallback allocation.

	case config.OverflowFallback:
	}

	// Graceful degradation: a fresh untracked object. It bypasses reuse and
	// is discarded after use, so borrow never fails.
	p.fallbacks++
	return &Object{
		Data:      make(map[string]interface{}, 8),
		Buf:       make([]byte, 0, 1024),
		kind:      p.kind,
		lastReset: time.Now(),
	}
}

// priorityCutoffLocked computes the rank at or above which requests still
// receive a pooled object under priority overflow. The cutoff tightens as the
// pool approaches the emergency limit: at max size everything above batch
// qualifies, near the emergency limit only system work does. Caller holds mu.
func (p *kindPool) priorityCutoffLocked() int {
	span := p.cfg.EmergencyLimit - p.cfg.MaxSize
	if span <= 0 {
		return 0
	}
	frac := float64(p.size-p.cfg.MaxSize) / float64(span)
	cutoff := int(math.Round((1 - frac) * float64(config.PriorityLow.Rank())))
	if cutoff < 0 {
		cutoff = 0
	}
	return cutoff
}

// maybeScaleLocked grows the pool multiplicatively when utilization crosses
// the scale threshold. Growth is rate-limited by the cooldown and bounded by
// the memory-pressure-advised maximum. Caller holds mu.
func (p *kindPool) maybeScaleLocked(advisoryMax int) {
	if p.size >= advisoryMax {
		return
	}
	if p.utilizationLocked() < p.cfg.ScaleThreshold {
		return
	}
	if time.Since(p.lastScale) < p.cfg.Cooldown {
		return
	}

	target := int(math.Ceil(float64(p.size) * p.cfg.ScaleFactor))
	if target > advisoryMax {
		target = advisoryMax
	}
	for p.size < target {
		p.idle = append(p.idle, p.mintLocked(false))
	}
	p.lastScale = time.Now()
	p.logger.Debug("pool scaled up", zap.Int("size", p.size))
}

// giveBack resets and re-admits a borrowed object. Returning an object of the
// wrong kind or one not previously borrowed indicates a pool-accounting bug
// and is reported as an error.
func (p *kindPool) giveBack(o *Object) error {
	if o.kind != p.kind {
		return kerrors.Newf(kerrors.ErrorTypeAccounting,
			"returned %s object to %s pool", o.kind, p.kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.borrowed[o.id]; !ok {
		return kerrors.New(kerrors.ErrorTypeAccounting,
			"returned object was not borrowed from this pool").
			WithDetail("kind", string(o.kind))
	}
	delete(p.borrowed, o.id)
	p.returns++
	o.reset()

	// Ephemeral objects are preferentially destroyed once load subsides
	// rather than joining the steady-state pool.
	if o.ephemeral && p.utilizationLocked() < p.cfg.ScaleThreshold {
		p.destroyLocked(o)
		return nil
	}
	p.idle = append(p.idle, o)
	return nil
}

// sweep shrinks the pool toward its initial size when utilization is low and
// applies the memory-pressure sizing factor. Runs on the manager's timer, not
// per call.
func (p *kindPool) sweep(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Idle ephemerals go first regardless of utilization
	p.dropIdleLocked(func(o *Object) bool { return o.ephemeral }, p.size-p.cfg.InitialSize)

	target := p.size
	if p.utilizationLocked() <= p.cfg.ShrinkThreshold {
		// Shrink half the gap toward initial per sweep
		target = p.size - (p.size-p.cfg.InitialSize)/2
	}
	if factor < 1.0 {
		if advised := int(float64(p.size) * factor); advised < target {
			target = advised
		}
	}
	if target < p.cfg.InitialSize {
		target = p.cfg.InitialSize
	}
	if target < p.size {
		p.dropIdleLocked(func(*Object) bool { return true }, p.size-target)
	}
}

// dropIdleLocked destroys up to n idle objects matching the predicate,
// oldest (least recently returned) first. Caller holds mu.
func (p *kindPool) dropIdleLocked(match func(*Object) bool, n int) {
	if n <= 0 {
		return
	}
	kept := p.idle[:0]
	for _, o := range p.idle {
		if n > 0 && match(o) {
			p.destroyLocked(o)
			n--
			continue
		}
		kept = append(kept, o)
	}
	p.idle = kept
}

// stats snapshots the pool state.
func (p *kindPool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Kind:        p.kind,
		Size:        p.size,
		HighWater:   p.highWater,
		Borrowed:    len(p.borrowed),
		Idle:        len(p.idle),
		Utilization: p.utilizationLocked(),
		Borrows:     p.borrows,
		Returns:     p.returns,
		Overflows:   p.overflows,
		Fallbacks:   p.fallbacks,
		Recycled:    p.recycled,
		Ephemeral:   p.ephemeral,
	}
}
