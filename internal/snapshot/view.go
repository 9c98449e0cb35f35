package snapshot

import (
	"context"
	"strconv"
	"sync"
	"time"

	"qms/entry-queue/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleStaff Role = "staff"
)

const (
	DefaultGuestStaleness = 10 * time.Second
	DefaultStaffStaleness = 3 * time.Second
)

// ParseRole maps a client-supplied role to a known one; anything unknown is
// treated as a guest, which has the looser bound.
func ParseRole(value string) Role {
	if Role(value) == RoleStaff {
		return RoleStaff
	}
	return RoleGuest
}

type Loader interface {
	Snapshot(ctx context.Context) (store.Snapshot, error)
}

// Cache is a shared tier that several processes can read through.
type Cache interface {
	Get(ctx context.Context) (store.Snapshot, bool, error)
	Set(ctx context.Context, snapshot store.Snapshot, ttl time.Duration) error
	Delete(ctx context.Context) error
}

type Options struct {
	GuestStaleness time.Duration
	StaffStaleness time.Duration
	Shared         Cache
	Now            func() time.Time
	Logger         zerolog.Logger
}

// View serves snapshots no older than the caller's role allows. The revision
// it hands out never decreases, and after Invalidate(rev) it never hands out
// anything below rev.
type View struct {
	loader Loader
	shared Cache
	bounds map[Role]time.Duration
	now    func() time.Time
	logger zerolog.Logger
	loads  singleflight.Group

	mu         sync.Mutex
	current    store.Snapshot
	valid      bool
	floor      int64
	generation uint64
}

func NewView(loader Loader, options Options) *View {
	guest := options.GuestStaleness
	if guest <= 0 {
		guest = DefaultGuestStaleness
	}
	staff := options.StaffStaleness
	if staff <= 0 {
		staff = DefaultStaffStaleness
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &View{
		loader: loader,
		shared: options.Shared,
		bounds: map[Role]time.Duration{RoleGuest: guest, RoleStaff: staff},
		now:    now,
		logger: options.Logger,
	}
}

// Bound is the staleness bound for role.
func (v *View) Bound(role Role) time.Duration {
	if bound, ok := v.bounds[role]; ok {
		return bound
	}
	return v.bounds[RoleGuest]
}

// Get does not hold the view lock during I/O. Concurrent misses share one
// store load per generation.
func (v *View) Get(ctx context.Context, role Role) (store.Snapshot, error) {
	bound := v.Bound(role)

	v.mu.Lock()
	if v.valid && v.fresh(v.current, bound) {
		current := v.current
		v.mu.Unlock()
		return current, nil
	}
	minRevision := v.floor
	if v.current.Revision > minRevision {
		minRevision = v.current.Revision
	}
	generation := v.generation
	v.mu.Unlock()

	if v.shared != nil {
		cached, ok, err := v.shared.Get(ctx)
		if err != nil {
			v.logger.Warn().Err(err).Msg("snapshot cache read failed")
		} else if ok && v.fresh(cached, bound) && cached.Revision >= minRevision {
			return v.keep(cached), nil
		}
	}

	result := v.loads.DoChan(strconv.FormatUint(generation, 10), func() (interface{}, error) {
		return v.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return store.Snapshot{}, res.Err
		}
		return res.Val.(store.Snapshot), nil
	}
}

func (v *View) load(ctx context.Context) (store.Snapshot, error) {
	loaded, err := v.loader.Snapshot(ctx)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := v.keep(loaded)
	if v.shared != nil && snap.Revision == loaded.Revision {
		if err := v.shared.Set(ctx, loaded, v.sharedTTL()); err != nil {
			v.logger.Warn().Err(err).Msg("snapshot cache write failed")
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot after a write committed at revision.
// Later reads through this view skip anything older than revision, including
// entries another process put in the shared tier.
func (v *View) Invalidate(ctx context.Context, revision int64) {
	v.mu.Lock()
	v.valid = false
	v.generation++
	if revision > v.floor {
		v.floor = revision
	}
	v.mu.Unlock()

	if v.shared != nil {
		if err := v.shared.Delete(context.WithoutCancel(ctx)); err != nil {
			v.logger.Warn().Err(err).Msg("snapshot cache delete failed")
		}
	}
}

func (v *View) sharedTTL() time.Duration {
	ttl := v.bounds[RoleGuest]
	if staff := v.bounds[RoleStaff]; staff < ttl {
		ttl = staff
	}
	return ttl
}

func (v *View) fresh(snapshot store.Snapshot, bound time.Duration) bool {
	return v.now().Sub(snapshot.TakenAt) < bound
}

// keep records snapshot unless a newer revision is already held, and
// returns what the view now serves.
func (v *View) keep(snapshot store.Snapshot) store.Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	newer := snapshot.Revision > v.current.Revision ||
		(snapshot.Revision == v.current.Revision && snapshot.TakenAt.After(v.current.TakenAt))
	if newer {
		v.current = snapshot
	}
	// a load that started before the last write cannot satisfy the floor
	v.valid = v.current.Revision >= v.floor
	return v.current
}
