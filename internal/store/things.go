package store

import (
	"cmp"
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/najdeno/internal/geo"
	"github.com/erazemk/najdeno/internal/model"
)

const thingColumns = `id, owner_id, headline, description, latitude, longitude, contact_address,
	status, photo_mime IS NOT NULL, created_at, updated_at`

// Things is the SQLite spatial store for reported things. Every row carries a
// grid spatial key (cell_y, cell_x) written in the same statement as its
// coordinates; radius queries read candidate cells through the partial index
// on active things and filter them by exact haversine distance.
type Things struct {
	DB *sql.DB

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewThings returns a store backed by db.
func NewThings(db *sql.DB) *Things {
	return &Things{DB: db, Now: time.Now}
}

func (s *Things) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Insert validates and persists t, assigning its ID and, when unset, its
// CreatedAt. The stored row is returned.
func (s *Things) Insert(ctx context.Context, t model.Thing) (*model.Thing, error) {
	if err := t.Normalize(); err != nil {
		return nil, err
	}

	t.ID = uuid.NewString()
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = now
	t.HasPhoto = false
	cell := geo.CellOf(geo.Point{Lat: t.Latitude, Lng: t.Longitude})

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO things (id, owner_id, headline, description, latitude, longitude,
		                     cell_y, cell_x, contact_address, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Headline, t.Description, t.Latitude, t.Longitude,
		cell.Y, cell.X, t.ContactAddress, t.Status, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, model.NewStorageError("inserting thing", err)
	}

	return &t, nil
}

// FindByID returns a thing by ID, or nil if it does not exist.
func (s *Things) FindByID(ctx context.Context, id string) (*model.Thing, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+thingColumns+` FROM things WHERE id = ?`, id)
	t, err := scanThing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("getting thing", err)
	}
	return t, nil
}

// FindByOwner returns all things of an owner, newest first.
func (s *Things) FindByOwner(ctx context.Context, ownerID string) ([]model.Thing, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+thingColumns+` FROM things WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID,
	)
	if err != nil {
		return nil, model.NewStorageError("listing owner things", err)
	}
	defer rows.Close()

	var things []model.Thing
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, model.NewStorageError("scanning thing", err)
		}
		things = append(things, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("listing owner things", err)
	}
	return things, nil
}

// FindNearby returns active things within radiusMeters of center, nearest
// first. Equal distances are ordered newest first, then by ID.
func (s *Things) FindNearby(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.NearbyThing, error) {
	if err := model.ValidatePoint(center.Lat, center.Lng); err != nil {
		return nil, err
	}
	if !(radiusMeters > 0) {
		return nil, &model.ValidationError{Field: "radius", Reason: "must be positive"}
	}

	ranges := geo.CoveringCells(center, radiusMeters)
	clauses := make([]string, len(ranges))
	args := make([]any, 0, 4*len(ranges))
	for i, r := range ranges {
		clauses[i] = `(cell_y BETWEEN ? AND ? AND cell_x BETWEEN ? AND ?)`
		args = append(args, r.MinY, r.MaxY, r.MinX, r.MaxX)
	}

	// The literal status predicate lets SQLite pick the partial cell index.
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+thingColumns+` FROM things
		 WHERE status = 'active' AND (`+strings.Join(clauses, " OR ")+`)`,
		args...,
	)
	if err != nil {
		return nil, model.NewStorageError("finding nearby things", err)
	}
	defer rows.Close()

	var hits []model.NearbyThing
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, model.NewStorageError("scanning thing", err)
		}
		d := geo.Distance(center, geo.Point{Lat: t.Latitude, Lng: t.Longitude})
		if d > radiusMeters {
			continue
		}
		hits = append(hits, model.NearbyThing{Thing: *t, Distance: d})
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("finding nearby things", err)
	}

	slices.SortFunc(hits, compareNearby)
	return hits, nil
}

func compareNearby(a, b model.NearbyThing) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Update applies u to the thing if it exists and belongs to ownerID. It
// returns nil when there is no such thing for that owner; the two cases are
// not distinguished. Coordinate changes rewrite the spatial key in the same
// statement.
func (s *Things) Update(ctx context.Context, id, ownerID string, u model.ThingUpdate) (*model.Thing, error) {
	var (
		sets []string
		args []any
	)

	if u.Headline != nil {
		h := strings.TrimSpace(*u.Headline)
		if h == "" {
			return nil, &model.ValidationError{Field: "headline", Reason: "must not be empty"}
		}
		sets = append(sets, "headline = ?")
		args = append(args, h)
	}
	if u.Description != nil {
		d := strings.TrimSpace(*u.Description)
		if d == "" {
			return nil, &model.ValidationError{Field: "description", Reason: "must not be empty"}
		}
		sets = append(sets, "description = ?")
		args = append(args, d)
	}
	if u.Status != nil {
		if !model.ValidThingStatus(*u.Status) {
			return nil, &model.ValidationError{Field: "status", Reason: "must be active or resolved"}
		}
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if (u.Latitude == nil) != (u.Longitude == nil) {
		return nil, &model.ValidationError{Field: "coordinates", Reason: "latitude and longitude must be changed together"}
	}
	if u.Latitude != nil {
		if err := model.ValidatePoint(*u.Latitude, *u.Longitude); err != nil {
			return nil, err
		}
		cell := geo.CellOf(geo.Point{Lat: *u.Latitude, Lng: *u.Longitude})
		sets = append(sets, "latitude = ?", "longitude = ?", "cell_y = ?", "cell_x = ?")
		args = append(args, *u.Latitude, *u.Longitude, cell.Y, cell.X)
	}
	if len(sets) == 0 {
		return nil, &model.ValidationError{Reason: "no fields to update"}
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixNano(), id, ownerID)

	row := s.DB.QueryRowContext(ctx,
		`UPDATE things SET `+strings.Join(sets, ", ")+`
		 WHERE id = ? AND owner_id = ?
		 RETURNING `+thingColumns,
		args...,
	)
	t, err := scanThing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("updating thing", err)
	}
	return t, nil
}

// Remove deletes the thing if it belongs to ownerID and reports whether a row
// was removed.
func (s *Things) Remove(ctx context.Context, id, ownerID string) (bool, error) {
	result, err := s.DB.ExecContext(ctx,
		`DELETE FROM things WHERE id = ? AND owner_id = ?`, id, ownerID,
	)
	if err != nil {
		return false, model.NewStorageError("deleting thing", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, model.NewStorageError("deleting thing", err)
	}
	return n > 0, nil
}

// SetPhoto stores a photo for the thing if it belongs to ownerID and reports
// whether the thing was found.
func (s *Things) SetPhoto(ctx context.Context, id, ownerID string, photo []byte, mime string) (bool, error) {
	result, err := s.DB.ExecContext(ctx,
		`UPDATE things SET photo = ?, photo_mime = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		photo, mime, s.now().UnixNano(), id, ownerID,
	)
	if err != nil {
		return false, model.NewStorageError("setting thing photo", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, model.NewStorageError("setting thing photo", err)
	}
	return n > 0, nil
}

// GetPhoto returns a thing's photo and MIME type. Data is nil when the thing
// does not exist or has no photo.
func (s *Things) GetPhoto(ctx context.Context, id string) ([]byte, string, error) {
	var photo []byte
	var mime sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT photo, photo_mime FROM things WHERE id = ?`, id,
	).Scan(&photo, &mime)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", model.NewStorageError("getting thing photo", err)
	}
	return photo, mime.String, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThing(row scanner) (*model.Thing, error) {
	var t model.Thing
	var created, updated int64
	err := row.Scan(&t.ID, &t.OwnerID, &t.Headline, &t.Description, &t.Latitude, &t.Longitude,
		&t.ContactAddress, &t.Status, &t.HasPhoto, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return &t, nil
}
