package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/najdeno/internal/db"
	"github.com/erazemk/najdeno/internal/geo"
	"github.com/erazemk/najdeno/internal/model"
)

func newThing(owner string, lat, lng float64) model.Thing {
	return model.Thing{
		OwnerID:        owner,
		Headline:       "Black umbrella",
		Description:    "Left on a bench near the fountain",
		Latitude:       lat,
		Longitude:      lng,
		ContactAddress: owner + "@example.com",
	}
}

func TestThingsInsertAndFindByID(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	in := newThing("ana", 46.0511, 14.5051)
	stored, err := things.Insert(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := things.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, in.OwnerID, got.OwnerID)
	assert.Equal(t, in.Headline, got.Headline)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.Latitude, got.Latitude)
	assert.Equal(t, in.Longitude, got.Longitude)
	assert.Equal(t, in.ContactAddress, got.ContactAddress)
	assert.Equal(t, model.ThingStatusActive, got.Status)
	assert.False(t, got.HasPhoto)
	assert.True(t, stored.CreatedAt.Equal(got.CreatedAt))
}

func TestThingsInsertKeepsCallerCreatedAt(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	at := time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC)
	in := newThing("ana", 0, 0)
	in.CreatedAt = at

	stored, err := things.Insert(ctx, in)
	require.NoError(t, err)

	got, err := things.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, at.Equal(got.CreatedAt))
}

func TestThingsInsertValidation(t *testing.T) {
	database := db.NewTestDB(t)
	things := NewThings(database)
	ctx := context.Background()

	tests := []struct {
		name  string
		edit  func(*model.Thing)
		field string
	}{
		{"empty headline", func(th *model.Thing) { th.Headline = "  " }, "headline"},
		{"empty description", func(th *model.Thing) { th.Description = "" }, "description"},
		{"latitude", func(th *model.Thing) { th.Latitude = 90.5 }, "latitude"},
		{"longitude", func(th *model.Thing) { th.Longitude = -180.01 }, "longitude"},
		{"status", func(th *model.Thing) { th.Status = "lost" }, "status"},
		{"owner", func(th *model.Thing) { th.OwnerID = "" }, "owner_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newThing("ana", 1, 1)
			tt.edit(&th)

			_, err := things.Insert(ctx, th)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM things`).Scan(&n))
	assert.Zero(t, n, "invalid things must not be written")
}

func TestThingsFindNearbyNewYork(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	stored, err := things.Insert(ctx, newThing("ana", 40.7128, -74.0060))
	require.NoError(t, err)

	hits, err := things.FindNearby(ctx, geo.Point{Lat: 40.7130, Lng: -74.0055}, 1000)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, stored.ID, hits[0].ID)
	assert.Less(t, hits[0].Distance, 1000.0)
	want := geo.Distance(geo.Point{Lat: 40.7130, Lng: -74.0055}, geo.Point{Lat: 40.7128, Lng: -74.0060})
	assert.InDelta(t, want, hits[0].Distance, 1.0)
	assert.InDelta(t, 47.65, hits[0].Distance, 1.0)
}

func TestThingsFindNearbyFiltersAndOrders(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	center := geo.Point{Lat: 46.0500, Lng: 14.5000}

	near, err := things.Insert(ctx, newThing("ana", 46.0501, 14.5000)) // ~11 m
	require.NoError(t, err)
	mid, err := things.Insert(ctx, newThing("bor", 46.0540, 14.5000)) // ~445 m
	require.NoError(t, err)
	_, err = things.Insert(ctx, newThing("cene", 46.0700, 14.5000)) // ~2.2 km
	require.NoError(t, err)
	resolved, err := things.Insert(ctx, newThing("ana", 46.0502, 14.5000))
	require.NoError(t, err)

	status := model.ThingStatusResolved
	_, err = things.Update(ctx, resolved.ID, "ana", model.ThingUpdate{Status: &status})
	require.NoError(t, err)

	hits, err := things.FindNearby(ctx, center, 1000)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].ID)
	assert.Equal(t, mid.ID, hits[1].ID)
}

func TestThingsFindNearbyTiesNewestFirst(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		th := newThing(fmt.Sprintf("user%d", i), 10, 10)
		th.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		stored, err := things.Insert(ctx, th)
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}

	hits, err := things.FindNearby(ctx, geo.Point{Lat: 10.001, Lng: 10}, 500)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
}

func TestThingsFindNearbyDistanceConsistency(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))
	center := geo.Point{Lat: 46.05, Lng: 14.50}

	var inserted []*model.Thing
	for i := 0; i < 200; i++ {
		th := newThing("ana", center.Lat+(rng.Float64()-0.5)*0.1, center.Lng+(rng.Float64()-0.5)*0.1)
		th.CreatedAt = time.Unix(int64(rng.IntN(5)), 0) // force timestamp ties
		stored, err := things.Insert(ctx, th)
		require.NoError(t, err)
		inserted = append(inserted, stored)
	}

	for _, radius := range []float64{50, 500, 1500, 4000, 10000} {
		hits, err := things.FindNearby(ctx, center, radius)
		require.NoError(t, err)

		want := 0
		for _, th := range inserted {
			if geo.Distance(center, geo.Point{Lat: th.Latitude, Lng: th.Longitude}) <= radius {
				want++
			}
		}
		assert.Len(t, hits, want, "radius %v", radius)

		for i, h := range hits {
			d := geo.Distance(center, geo.Point{Lat: h.Latitude, Lng: h.Longitude})
			assert.Equal(t, d, h.Distance)
			assert.LessOrEqual(t, h.Distance, radius)
			if i > 0 {
				prev := hits[i-1]
				require.LessOrEqual(t, prev.Distance, h.Distance)
				if prev.Distance == h.Distance {
					assert.False(t, prev.CreatedAt.Before(h.CreatedAt))
				}
			}
		}
	}
}

func TestThingsFindNearbyAcrossAntimeridian(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	west, _ := things.Insert(ctx, newThing("ana", -16.5, -179.9995))
	east, _ := things.Insert(ctx, newThing("bor", -16.5, 179.9995))

	hits, err := things.FindNearby(ctx, geo.Point{Lat: -16.5, Lng: 180}, 200)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.ElementsMatch(t, []string{west.ID, east.ID}, []string{hits[0].ID, hits[1].ID})
}

func TestThingsFindNearbyNearPole(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	far, _ := things.Insert(ctx, newThing("ana", 89.9995, 120))
	hits, err := things.FindNearby(ctx, geo.Point{Lat: 89.9995, Lng: -60}, 500)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, far.ID, hits[0].ID)
}

func TestThingsFindNearbyValidation(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	var ve *model.ValidationError
	_, err := things.FindNearby(ctx, geo.Point{Lat: 100, Lng: 0}, 1000)
	assert.ErrorAs(t, err, &ve)
	_, err = things.FindNearby(ctx, geo.Point{Lat: 0, Lng: 0}, 0)
	assert.ErrorAs(t, err, &ve)
}

func TestThingsFindNearbyDeadline(t *testing.T) {
	things := NewThings(db.NewTestDB(t))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	hits, err := things.FindNearby(ctx, geo.Point{Lat: 0, Lng: 0}, 1000)
	assert.Nil(t, hits)

	var se *model.StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Timeout)
}

func TestThingsFindByOwnerNewestFirst(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		th := newThing("ana", 1, 1)
		th.Headline = fmt.Sprintf("thing %d", i)
		th.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		_, err := things.Insert(ctx, th)
		require.NoError(t, err)
	}
	_, err := things.Insert(ctx, newThing("bor", 1, 1))
	require.NoError(t, err)

	mine, err := things.FindByOwner(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "thing 2", mine[0].Headline)
	assert.Equal(t, "thing 0", mine[2].Headline)
}

func TestThingsUpdate(t *testing.T) {
	database := db.NewTestDB(t)
	things := NewThings(database)
	ctx := context.Background()

	stored, err := things.Insert(ctx, newThing("ana", 46.05, 14.50))
	require.NoError(t, err)

	headline := "Red umbrella"
	lat, lng := 45.55, 13.73
	updated, err := things.Update(ctx, stored.ID, "ana", model.ThingUpdate{
		Headline:  &headline,
		Latitude:  &lat,
		Longitude: &lng,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, headline, updated.Headline)
	assert.Equal(t, lat, updated.Latitude)
	assert.Equal(t, stored.Description, updated.Description)

	// The spatial key follows the coordinates.
	var cellY, cellX int64
	require.NoError(t, database.QueryRow(
		`SELECT cell_y, cell_x FROM things WHERE id = ?`, stored.ID,
	).Scan(&cellY, &cellX))
	assert.Equal(t, geo.CellOf(geo.Point{Lat: lat, Lng: lng}), geo.Cell{Y: cellY, X: cellX})

	hits, err := things.FindNearby(ctx, geo.Point{Lat: lat, Lng: lng}, 100)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = things.FindNearby(ctx, geo.Point{Lat: 46.05, Lng: 14.50}, 1000)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestThingsUpdateNonOwnerLooksLikeMissing(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()

	stored, err := things.Insert(ctx, newThing("ana", 1, 1))
	require.NoError(t, err)

	headline := "Mine now"
	u := model.ThingUpdate{Headline: &headline}

	byStranger, errStranger := things.Update(ctx, stored.ID, "bor", u)
	missing, errMissing := things.Update(ctx, "no-such-id", "bor", u)

	assert.Nil(t, byStranger)
	assert.Nil(t, missing)
	assert.NoError(t, errStranger)
	assert.NoError(t, errMissing)

	got, _ := things.FindByID(ctx, stored.ID)
	assert.Equal(t, "Black umbrella", got.Headline)
}

func TestThingsUpdateValidation(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	stored, _ := things.Insert(ctx, newThing("ana", 1, 1))

	empty := ""
	lat := 10.0
	bad := "lost"
	far := 200.0

	tests := []struct {
		name string
		u    model.ThingUpdate
	}{
		{"no fields", model.ThingUpdate{}},
		{"empty headline", model.ThingUpdate{Headline: &empty}},
		{"latitude alone", model.ThingUpdate{Latitude: &lat}},
		{"bad status", model.ThingUpdate{Status: &bad}},
		{"bad longitude", model.ThingUpdate{Latitude: &lat, Longitude: &far}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := things.Update(ctx, stored.ID, "ana", tt.u)
			var ve *model.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestThingsRemove(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	stored, _ := things.Insert(ctx, newThing("ana", 1, 1))

	removed, err := things.Remove(ctx, stored.ID, "bor")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = things.Remove(ctx, "no-such-id", "ana")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = things.Remove(ctx, stored.ID, "ana")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := things.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThingsPhoto(t *testing.T) {
	things := NewThings(db.NewTestDB(t))
	ctx := context.Background()
	stored, _ := things.Insert(ctx, newThing("ana", 1, 1))

	ok, err := things.SetPhoto(ctx, stored.ID, "bor", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = things.SetPhoto(ctx, stored.ID, "ana", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, ok)

	data, mime, err := things.GetPhoto(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
	assert.Equal(t, "image/jpeg", mime)

	got, _ := things.FindByID(ctx, stored.ID)
	assert.True(t, got.HasPhoto)

	data, _, err = things.GetPhoto(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestThingsStorageErrorOnClosedDB(t *testing.T) {
	database := db.NewTestDB(t)
	things := NewThings(database)
	database.Close()

	_, err := things.FindNearby(context.Background(), geo.Point{Lat: 0, Lng: 0}, 1000)
	var se *model.StorageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Timeout)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
