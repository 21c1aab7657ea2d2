package model

import (
	"errors"
	"strings"
	"time"

	"github.com/erazemk/najdeno/internal/geo"
)

// Thing is a reported lost or found item tagged with a location.
type Thing struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Headline    string    `json:"headline"`
	Description string    `json:"description"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Status      string    `json:"status"`
	HasPhoto    bool      `json:"has_photo"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// ContactAddress is the owner's email at creation time. It is only ever
	// handed to the contact relay and never serialized.
	ContactAddress string `json:"-"`
}

// Thing statuses. Only active things are returned by proximity search.
const (
	ThingStatusActive   = "active"
	ThingStatusResolved = "resolved"
)

// ValidThingStatus reports whether s is a known thing status.
func ValidThingStatus(s string) bool {
	return s == ThingStatusActive || s == ThingStatusResolved
}

// Normalize trims the text fields, defaults the status and validates t as a
// new thing.
func (t *Thing) Normalize() error {
	t.Headline = strings.TrimSpace(t.Headline)
	t.Description = strings.TrimSpace(t.Description)

	if t.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "required"}
	}
	if t.Headline == "" {
		return &ValidationError{Field: "headline", Reason: "required"}
	}
	if t.Description == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	if err := ValidatePoint(t.Latitude, t.Longitude); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = ThingStatusActive
	}
	if !ValidThingStatus(t.Status) {
		return &ValidationError{Field: "status", Reason: "must be active or resolved"}
	}
	return nil
}

// ValidatePoint converts a coordinate range failure into a ValidationError.
func ValidatePoint(lat, lng float64) error {
	switch err := (geo.Point{Lat: lat, Lng: lng}).Validate(); {
	case errors.Is(err, geo.ErrLatitude):
		return &ValidationError{Field: "latitude", Reason: err.Error()}
	case errors.Is(err, geo.ErrLongitude):
		return &ValidationError{Field: "longitude", Reason: err.Error()}
	}
	return nil
}

// NearbyThing is a proximity search hit.
type NearbyThing struct {
	Thing
	Distance float64 `json:"distance"`
}

// ThingUpdate holds the owner-editable fields of a thing. Nil fields are left
// unchanged. Latitude and Longitude must be set together.
type ThingUpdate struct {
	Headline    *string  `json:"headline,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ThingUpdate) Empty() bool {
	return u.Headline == nil && u.Description == nil && u.Status == nil &&
		u.Latitude == nil && u.Longitude == nil
}

// QuotaStatus is a user's contribution count for the current window.
type QuotaStatus struct {
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}
