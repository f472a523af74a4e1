package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/remote"
	"github.com/wispberry-tech/travelease/session"
)

// createdAtLayout matches the timestamps the rental API already stores.
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultAvailability is given to new listings that do not set one.
const DefaultAvailability = "Available"

// authorized returns the rental client acting for the visitor, and the
// visitor. Routes using it sit behind the gate, so the user is set.
func (s *Server) authorized(r *http.Request) (*remote.Client, *core.Identity) {
	store := mustStore(r)
	client := s.rental.WithTokenSource(remote.BearerSource(r.Context(), store.Token))
	return client, store.Snapshot().User
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.rental.Vehicles(r.Context())
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleLatestVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.rental.LatestVehicles(r.Context())
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleVehicleDetails(w http.ResponseWriter, r *http.Request) {
	client, _ := s.authorized(r)
	vehicle, err := client.Vehicle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	client, user := s.authorized(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "You are not signed in")
		return
	}

	vehicle, err := client.Vehicle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRentalError(w, err)
		return
	}
	result, err := client.Book(r.Context(), remote.BookingFor(*vehicle, user.Email))
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	client, user := s.authorized(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "You are not signed in")
		return
	}

	bookings, err := client.Bookings(r.Context(), user.Email)
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	client, _ := s.authorized(r)
	result, err := client.CancelBooking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMyVehicles(w http.ResponseWriter, r *http.Request) {
	client, user := s.authorized(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "You are not signed in")
		return
	}

	vehicles, err := client.VehiclesOwnedBy(r.Context(), user.Email)
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleAddVehicle(w http.ResponseWriter, r *http.Request) {
	client, user := s.authorized(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "You are not signed in")
		return
	}

	var vehicle remote.Vehicle
	if err := s.decodeJSON(w, r, &vehicle); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vehicle.ID = ""
	vehicle.UserEmail = user.Email
	vehicle.CreatedAt = s.now().UTC().Format(createdAtLayout)
	if vehicle.Owner == "" {
		vehicle.Owner = user.DisplayName
	}
	if vehicle.Availability == "" {
		vehicle.Availability = DefaultAvailability
	}

	result, err := client.AddVehicle(r.Context(), vehicle)
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdateVehicle(w http.ResponseWriter, r *http.Request) {
	client, user := s.authorized(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "You are not signed in")
		return
	}

	var vehicle remote.Vehicle
	if err := s.decodeJSON(w, r, &vehicle); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vehicle.ID = ""
	vehicle.UserEmail = user.Email

	result, err := client.UpdateVehicle(r.Context(), chi.URLParam(r, "id"), vehicle)
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	client, _ := s.authorized(r)
	result, err := client.DeleteVehicle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRentalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeRentalError maps rental API failures to responses. Client errors of
// the rental API are passed through; anything else is a bad gateway.
func writeRentalError(w http.ResponseWriter, err error) {
	var apiErr *remote.APIError
	var perr *session.ProviderError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		writeError(w, apiErr.StatusCode, msg)
	case errors.Is(err, session.ErrNetworkUnavailable), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Network unavailable, please try again")
	case errors.As(err, &perr):
		writeError(w, http.StatusUnauthorized, perr.Message)
	default:
		slog.Warn("Rental API request failed", "error", err)
		writeError(w, http.StatusBadGateway, "Rental service unavailable")
	}
}
