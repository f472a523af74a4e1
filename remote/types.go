package remote

import (
	"encoding/json"
	"fmt"
)

// Vehicle is a rental listing.
type Vehicle struct {
	ID           string      `json:"_id,omitempty"`
	VehicleName  string      `json:"vehicleName" validate:"required"`
	Owner        string      `json:"owner"`
	Categories   string      `json:"categories" validate:"required"`
	PricePerDay  json.Number `json:"pricePerDay" validate:"required,numeric"`
	Location     string      `json:"location" validate:"required"`
	Availability string      `json:"availability"`
	Description  string      `json:"description"`
	CoverImage   string      `json:"coverImage" validate:"omitempty,url"`
	UserEmail    string      `json:"userEmail"`
	CreatedAt    string      `json:"createdAt,omitempty"`
}

// Booking is a reservation of a vehicle by a user.
type Booking struct {
	ID          string      `json:"_id,omitempty"`
	VehicleID   string      `json:"vehicleId"`
	VehicleName string      `json:"vehicleName"`
	Owner       string      `json:"owner"`
	Category    string      `json:"category"`
	PricePerDay json.Number `json:"pricePerDay"`
	Location    string      `json:"location"`
	CoverImage  string      `json:"coverImage"`
	UserEmail   string      `json:"userEmail"`
}

// BookingFor builds the booking of vehicle by email.
func BookingFor(v Vehicle, email string) Booking {
	return Booking{
		VehicleID:   v.ID,
		VehicleName: v.VehicleName,
		Owner:       v.Owner,
		Category:    v.Categories,
		PricePerDay: v.PricePerDay,
		Location:    v.Location,
		CoverImage:  v.CoverImage,
		UserEmail:   email,
	}
}

// UserRecord is the profile stored for every registered user.
type UserRecord struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	PhotoURL  string `json:"photoURL"`
	CreatedAt string `json:"createdAt"`
}

// WriteResult is the acknowledgement of a mutation.
type WriteResult struct {
	InsertedID    string `json:"insertedId,omitempty"`
	ModifiedCount int    `json:"modifiedCount,omitempty"`
	DeletedCount  int    `json:"deletedCount,omitempty"`
	Message       string `json:"message,omitempty"`
}

// APIError is a non-2xx answer of the rental API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rental api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("rental api: status %d: %s", e.StatusCode, e.Message)
}
