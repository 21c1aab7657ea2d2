// Package registry orchestrates the thing store, the quota tracker and the
// contact relay. It is the only writer of things and quota counters.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/erazemk/najdeno/internal/geo"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/quota"
)

// Defaults used by New.
const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultRadius       = 1000.0
	DefaultMaxRadius    = 50000.0

	compensationTimeout = 5 * time.Second
)

// SpatialStore persists things and answers radius queries.
type SpatialStore interface {
	Insert(ctx context.Context, t model.Thing) (*model.Thing, error)
	FindByID(ctx context.Context, id string) (*model.Thing, error)
	FindByOwner(ctx context.Context, ownerID string) ([]model.Thing, error)
	FindNearby(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.NearbyThing, error)
	Update(ctx context.Context, id, ownerID string, u model.ThingUpdate) (*model.Thing, error)
	Remove(ctx context.Context, id, ownerID string) (bool, error)
	SetPhoto(ctx context.Context, id, ownerID string, photo []byte, mime string) (bool, error)
	GetPhoto(ctx context.Context, id string) ([]byte, string, error)
}

// QuotaTracker counts things created per owner and week.
type QuotaTracker interface {
	Window(asOf time.Time) quota.Window
	CurrentCount(ctx context.Context, ownerID string, asOf time.Time) (int, error)
	IncrementIfUnderLimit(ctx context.Context, ownerID string, limit int, asOf time.Time) (int, error)
	Decrement(ctx context.Context, ownerID string, asOf time.Time) error
}

// Relay forwards a message about a thing to its owner's contact address.
type Relay interface {
	Relay(ctx context.Context, to, headline, message string) error
}

// Metrics receives registry events.
type Metrics interface {
	ThingCreated()
	QuotaRejected()
	CompensationFailed()
	NearbyQuery(results int, elapsed time.Duration)
	ContactRelayed(err error)
}

type nopMetrics struct{}

func (nopMetrics) ThingCreated()                  {}
func (nopMetrics) QuotaRejected()                 {}
func (nopMetrics) CompensationFailed()            {}
func (nopMetrics) NearbyQuery(int, time.Duration) {}
func (nopMetrics) ContactRelayed(error)           {}

// Registry is the item registry.
type Registry struct {
	Things SpatialStore
	Quotas QuotaTracker
	Relay  Relay

	// Limit is the number of things an owner may create per window.
	Limit int

	// StoreTimeout bounds every store call. Zero disables the deadline.
	StoreTimeout time.Duration

	// MaxRadius caps nearby queries. Zero means no cap.
	MaxRadius float64

	Now     func() time.Time
	Metrics Metrics
	Logger  *slog.Logger
}

// New returns a registry with default limit, timeout and radius cap.
func New(things SpatialStore, quotas QuotaTracker, relay Relay) *Registry {
	return &Registry{
		Things:       things,
		Quotas:       quotas,
		Relay:        relay,
		Limit:        quota.DefaultLimit,
		StoreTimeout: DefaultStoreTimeout,
		MaxRadius:    DefaultMaxRadius,
		Now:          time.Now,
		Metrics:      nopMetrics{},
		Logger:       slog.Default(),
	}
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Registry) metrics() Metrics {
	if r.Metrics == nil {
		return nopMetrics{}
	}
	return r.Metrics
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Registry) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.StoreTimeout)
}

// NewThing is the caller-supplied part of a thing.
type NewThing struct {
	Headline       string
	Description    string
	Latitude       float64
	Longitude      float64
	ContactAddress string
}

// CreateItem validates the thing, takes one slot of the owner's weekly quota
// and persists the thing. If the insert fails after the slot was taken, the
// slot is released once on a best-effort basis and the insert error is
// returned. A crash between the two leaves the counter one too high.
func (r *Registry) CreateItem(ctx context.Context, ownerID string, in NewThing) (*model.Thing, error) {
	now := r.now()
	t := model.Thing{
		OwnerID:        ownerID,
		Headline:       in.Headline,
		Description:    in.Description,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		ContactAddress: in.ContactAddress,
		Status:         model.ThingStatusActive,
		CreatedAt:      now,
	}
	if err := t.Normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	if _, err := r.Quotas.IncrementIfUnderLimit(ctx, ownerID, r.Limit, now); err != nil {
		var qe *model.QuotaExceededError
		if errors.As(err, &qe) {
			r.metrics().QuotaRejected()
			r.logger().Warn("weekly quota reached", "owner", ownerID, "limit", qe.Limit,
				"window", qe.WindowStart.Format(time.DateOnly))
			return nil, err
		}
		return nil, model.NewStorageError("checking quota", err)
	}

	stored, err := r.Things.Insert(ctx, t)
	if err != nil {
		r.compensate(ctx, ownerID, now, err)
		return nil, model.NewStorageError("creating thing", err)
	}

	r.metrics().ThingCreated()
	r.logger().Info("thing created", "id", stored.ID, "owner", ownerID)
	return stored, nil
}

// compensate releases the quota slot taken for a failed insert. It runs once,
// detached from the caller's cancellation, and only logs its own failure.
func (r *Registry) compensate(ctx context.Context, ownerID string, asOf time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := r.Quotas.Decrement(ctx, ownerID, asOf); err != nil {
		r.metrics().CompensationFailed()
		r.logger().Error("releasing quota slot after failed insert",
			"owner", ownerID, "window", r.Quotas.Window(asOf).Key(), "insert_error", cause, "error", err)
	}
}

// GetNearby returns the number of active things within radiusMeters of
// center and the things themselves, nearest first.
func (r *Registry) GetNearby(ctx context.Context, center geo.Point, radiusMeters float64) (int, []model.NearbyThing, error) {
	if err := model.ValidatePoint(center.Lat, center.Lng); err != nil {
		return 0, nil, err
	}
	if !(radiusMeters > 0) {
		return 0, nil, &model.ValidationError{Field: "radius", Reason: "must be positive"}
	}
	if r.MaxRadius > 0 && radiusMeters > r.MaxRadius {
		return 0, nil, &model.ValidationError{Field: "radius", Reason: "exceeds maximum search radius"}
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	start := time.Now()
	hits, err := r.Things.FindNearby(ctx, center, radiusMeters)
	if err != nil {
		return 0, nil, model.NewStorageError("finding nearby things", err)
	}
	r.metrics().NearbyQuery(len(hits), time.Since(start))

	if hits == nil {
		hits = []model.NearbyThing{}
	}
	return len(hits), hits, nil
}

// GetThing returns a thing by ID or model.ErrNotFound.
func (r *Registry) GetThing(ctx context.Context, id string) (*model.Thing, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	t, err := r.Things.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStorageError("getting thing", err)
	}
	if t == nil {
		return nil, model.ErrNotFound
	}
	return t, nil
}

// ListOwned returns the owner's things, newest first.
func (r *Registry) ListOwned(ctx context.Context, ownerID string) ([]model.Thing, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	things, err := r.Things.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, model.NewStorageError("listing owner things", err)
	}
	if things == nil {
		things = []model.Thing{}
	}
	return things, nil
}

// UpdateOwned applies u to the caller's thing. A missing thing and a thing
// owned by someone else both yield model.ErrNotFoundOrForbidden.
func (r *Registry) UpdateOwned(ctx context.Context, id, ownerID string, u model.ThingUpdate) (*model.Thing, error) {
	if u.Empty() {
		return nil, &model.ValidationError{Reason: "no fields to update"}
	}

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	t, err := r.Things.Update(ctx, id, ownerID, u)
	if err != nil {
		return nil, model.NewStorageError("updating thing", err)
	}
	if t == nil {
		return nil, model.ErrNotFoundOrForbidden
	}
	return t, nil
}

// DeleteOwned removes the caller's thing. A missing thing and a thing owned
// by someone else both yield model.ErrNotFoundOrForbidden. Deleting a thing
// does not give back its quota slot.
func (r *Registry) DeleteOwned(ctx context.Context, id, ownerID string) error {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	removed, err := r.Things.Remove(ctx, id, ownerID)
	if err != nil {
		return model.NewStorageError("deleting thing", err)
	}
	if !removed {
		return model.ErrNotFoundOrForbidden
	}
	r.logger().Info("thing deleted", "id", id, "owner", ownerID)
	return nil
}

// SetPhoto attaches an already normalized photo to the caller's thing.
func (r *Registry) SetPhoto(ctx context.Context, id, ownerID string, photo []byte, mime string) error {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	ok, err := r.Things.SetPhoto(ctx, id, ownerID, photo, mime)
	if err != nil {
		return model.NewStorageError("setting thing photo", err)
	}
	if !ok {
		return model.ErrNotFoundOrForbidden
	}
	return nil
}

// GetPhoto returns a thing's photo, or model.ErrNotFound when the thing or
// its photo does not exist.
func (r *Registry) GetPhoto(ctx context.Context, id string) ([]byte, string, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	photo, mime, err := r.Things.GetPhoto(ctx, id)
	if err != nil {
		return nil, "", model.NewStorageError("getting thing photo", err)
	}
	if photo == nil {
		return nil, "", model.ErrNotFound
	}
	return photo, mime, nil
}

// ContactOwner relays message to the owner of thing id. The owner's address
// is never returned to the caller. Delivery failures are returned as
// *model.DeliveryError and are not retried.
func (r *Registry) ContactOwner(ctx context.Context, id, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return &model.ValidationError{Field: "message", Reason: "required"}
	}

	storeCtx, cancel := r.storeContext(ctx)
	t, err := r.Things.FindByID(storeCtx, id)
	cancel()
	if err != nil {
		return model.NewStorageError("getting thing", err)
	}
	if t == nil {
		return model.ErrNotFound
	}

	err = r.Relay.Relay(ctx, t.ContactAddress, t.Headline, message)
	r.metrics().ContactRelayed(err)
	if err != nil {
		r.logger().Error("relaying contact message", "thing", id, "error", err)
		var de *model.DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &model.DeliveryError{Err: err}
	}

	r.logger().Info("contact message relayed", "thing", id)
	return nil
}

// QuotaStatus reports how much of the current window the owner has used.
func (r *Registry) QuotaStatus(ctx context.Context, ownerID string) (*model.QuotaStatus, error) {
	now := r.now()

	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	used, err := r.Quotas.CurrentCount(ctx, ownerID, now)
	if err != nil {
		return nil, model.NewStorageError("reading quota", err)
	}

	w := r.Quotas.Window(now)
	return &model.QuotaStatus{
		Limit:       r.Limit,
		Used:        used,
		Remaining:   max(r.Limit-used, 0),
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}, nil
}
