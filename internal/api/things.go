package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/erazemk/najdeno/internal/geo"
	"github.com/erazemk/najdeno/internal/imaging"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/registry"
	"github.com/erazemk/najdeno/internal/store"
)

// ThingsHandler handles the thing endpoints. The owner of every mutating
// request is the authenticated user.
type ThingsHandler struct {
	Registry      *registry.Registry
	DB            *sql.DB
	DefaultRadius float64
}

type createThingRequest struct {
	Headline    string   `json:"headline"`
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

type contactRequest struct {
	Message string `json:"message"`
}

// Create handles POST /api/things.
func (h *ThingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req createThingRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, kindBadRequest, "invalid request body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, r, &model.ValidationError{Field: "coordinates", Reason: "latitude and longitude are required"})
		return
	}

	// The thing keeps the address the owner has right now.
	user, err := store.GetUser(r.Context(), h.DB, claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if user == nil {
		jsonError(w, http.StatusNotFound, model.KindNotFound, "account not found")
		return
	}

	thing, err := h.Registry.CreateItem(r.Context(), claims.UserID, registry.NewThing{
		Headline:       req.Headline,
		Description:    req.Description,
		Latitude:       *req.Latitude,
		Longitude:      *req.Longitude,
		ContactAddress: user.Email,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]any{
		"message": "Thing created successfully",
		"thing":   thing,
	})
}

// Nearby handles GET /api/things/nearby?lat=&lng=&radius=.
func (h *ThingsHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" || q.Get("lng") == "" {
		writeError(w, r, &model.ValidationError{Field: "coordinates", Reason: "lat and lng are required"})
		return
	}

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		writeError(w, r, &model.ValidationError{Field: "lat", Reason: "must be a number"})
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		writeError(w, r, &model.ValidationError{Field: "lng", Reason: "must be a number"})
		return
	}

	radius := h.DefaultRadius
	if radius <= 0 {
		radius = registry.DefaultRadius
	}
	if s := q.Get("radius"); s != "" {
		radius, err = strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(w, r, &model.ValidationError{Field: "radius", Reason: "must be a number"})
			return
		}
	}

	count, things, err := h.Registry.GetNearby(r.Context(), geo.Point{Lat: lat, Lng: lng}, radius)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"count":  count,
		"things": things,
	})
}

// Mine handles GET /api/things/my-things.
func (h *ThingsHandler) Mine(w http.ResponseWriter, r *http.Request) {
	things, err := h.Registry.ListOwned(r.Context(), GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"count":  len(things),
		"things": things,
	})
}

// Get handles GET /api/things/{id}.
func (h *ThingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	thing, err := h.Registry.GetThing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"thing": thing})
}

// Update handles PUT /api/things/{id}.
func (h *ThingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.ThingUpdate
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, kindBadRequest, "invalid request body")
		return
	}

	thing, err := h.Registry.UpdateOwned(r.Context(), chi.URLParam(r, "id"), GetClaims(r.Context()).UserID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"message": "Thing updated successfully",
		"thing":   thing,
	})
}

// Delete handles DELETE /api/things/{id}.
func (h *ThingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.DeleteOwned(r.Context(), chi.URLParam(r, "id"), GetClaims(r.Context()).UserID); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Thing deleted successfully"})
}

// Contact handles POST /api/things/{id}/contact.
func (h *ThingsHandler) Contact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, kindBadRequest, "invalid request body")
		return
	}

	if err := h.Registry.ContactOwner(r.Context(), chi.URLParam(r, "id"), req.Message); err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "Message sent successfully",
	})
}

// UploadPhoto handles PUT /api/things/{id}/photo.
func (h *ThingsHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	// Room for the multipart framing around the largest accepted photo.
	r.Body = http.MaxBytesReader(w, r.Body, imaging.MaxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(imaging.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, http.StatusRequestEntityTooLarge, kindTooLarge, "photo too large")
			return
		}
		jsonError(w, http.StatusBadRequest, kindBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		jsonError(w, http.StatusBadRequest, kindBadRequest, "photo file required")
		return
	}
	defer file.Close()

	photo, err := imaging.NormalizePhoto(file)
	switch {
	case errors.Is(err, imaging.ErrTooLarge):
		jsonError(w, http.StatusRequestEntityTooLarge, kindTooLarge, err.Error())
		return
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		writeError(w, r, &model.ValidationError{Field: "photo", Reason: err.Error()})
		return
	case err != nil:
		writeError(w, r, err)
		return
	}

	err = h.Registry.SetPhoto(r.Context(), chi.URLParam(r, "id"), GetClaims(r.Context()).UserID, photo.Data, photo.MIME)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "photo uploaded"})
}

// GetPhoto handles GET /api/things/{id}/photo.
func (h *ThingsHandler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	data, mime, err := h.Registry.GetPhoto(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

// QuotaHandler reports the caller's weekly contribution quota.
type QuotaHandler struct {
	Registry *registry.Registry
}

// Get handles GET /api/quota.
func (h *QuotaHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.Registry.QuotaStatus(r.Context(), GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, status)
}
