package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type Route struct {
	ID          int64   `json:"route_id"`
	FromCity    string  `json:"from_city"`
	ToCity      string  `json:"to_city"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
	Coordinates []Coord `json:"coordinates,omitempty"`
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Profile is either a passenger or a driver row; UserID links it to the
// identity layer and is what ratings are keyed on.
type Profile struct {
	ID         int64   `json:"id"`
	UserID     int64   `json:"user_id"`
	Role       Role    `json:"role"`
	Name       string  `json:"name"`
	VehicleNo  string  `json:"vehicle_no,omitempty"`
	AvgRating  float64 `json:"avg_rating"`
	TotalRides int     `json:"total_rides"`
}

type RideRequest struct {
	ID              int64           `json:"request_id"`
	PassengerID     int64           `json:"passenger_id"`
	FromCity        string          `json:"from_city"`
	ToCity          string          `json:"to_city"`
	DateTime        time.Time       `json:"date_time"`
	PassengersCount int             `json:"passengers_count"`
	Preferences     json.RawMessage `json:"preferences,omitempty"`
	Status          RequestStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

type RideOffer struct {
	ID             int64       `json:"offer_id"`
	DriverID       int64       `json:"driver_id"`
	VehicleNo      string      `json:"vehicle_no"`
	RouteID        int64       `json:"route_id"`
	RequestID      *int64      `json:"request_id,omitempty"`
	AvailableSeats int         `json:"available_seats"`
	PricePerKm     float64     `json:"price_per_km"`
	EstimatedFare  float64     `json:"estimated_fare"`
	Status         OfferStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Ride struct {
	ID                   int64      `json:"ride_id"`
	OfferID              int64      `json:"offer_id"`
	PassengerID          int64      `json:"passenger_id"`
	DriverID             int64      `json:"driver_id"`
	SeatsBooked          int        `json:"seats_booked"`
	TotalFare            float64    `json:"total_fare"`
	StartTime            *time.Time `json:"start_time,omitempty"`
	EndTime              *time.Time `json:"end_time,omitempty"`
	Status               RideStatus `json:"status"`
	CurrentPositionIndex int        `json:"current_position_index"`
	CreatedAt            time.Time  `json:"created_at"`
}

type Rating struct {
	ID        int64     `json:"rating_id"`
	RideID    int64     `json:"ride_id"`
	RatedBy   int64     `json:"rated_by"`
	RatedUser int64     `json:"rated_user"`
	Value     int       `json:"value"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reputation is the recomputed aggregate persisted onto every profile owned
// by a user.
type Reputation struct {
	UserID     int64   `json:"user_id"`
	AvgRating  float64 `json:"avg_rating"`
	TotalRides int     `json:"total_rides"`
}

type RatingStats struct {
	UserID             int64   `json:"user_id"`
	AverageRating      float64 `json:"average_rating"`
	TotalRatings       int     `json:"total_ratings"`
	MinRating          int     `json:"min_rating"`
	MaxRating          int     `json:"max_rating"`
	PositiveRatings    int     `json:"positive_ratings"`
	PositivePercentage float64 `json:"positive_percentage"`
}

type Notification struct {
	ID        int64     `json:"notification_id"`
	UserID    int64     `json:"user_id"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type Incident struct {
	ID           int64     `json:"incident_id"`
	RideID       int64     `json:"ride_id"`
	UserID       int64     `json:"user_id"`
	IncidentType string    `json:"incident_type"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserReport struct {
	ID           int64     `json:"report_id"`
	RideID       int64     `json:"ride_id"`
	ReportedBy   int64     `json:"reported_by"`
	ReportedUser int64     `json:"reported_user"`
	Reason       string    `json:"reason"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// OpenOffer is an offer joined with its route and driver for passenger browsing.
type OpenOffer struct {
	RideOffer
	FromCity     string  `json:"from_city"`
	ToCity       string  `json:"to_city"`
	DistanceKm   float64 `json:"distance_km"`
	DriverName   string  `json:"driver_name"`
	DriverRating float64 `json:"driver_rating"`
}

type MatchedRideDetails struct {
	RequestID     int64      `json:"request_id"`
	RideID        int64      `json:"ride_id"`
	OfferID       int64      `json:"offer_id"`
	DriverID      int64      `json:"driver_id"`
	DriverName    string     `json:"driver_name"`
	DriverRating  float64    `json:"driver_rating"`
	VehicleNo     string     `json:"vehicle_no"`
	FromCity      string     `json:"from_city"`
	ToCity        string     `json:"to_city"`
	DistanceKm    float64    `json:"distance_km"`
	EstimatedFare float64    `json:"estimated_fare"`
	TotalFare     float64    `json:"total_fare"`
	SeatsBooked   int        `json:"seats_booked"`
	RideStatus    RideStatus `json:"ride_status"`
}

// Participants resolves the two sides of a ride to their linked user ids.
type Participants struct {
	PassengerUserID int64
	DriverUserID    int64
}

func (p Participants) Has(userID int64) bool {
	return userID == p.PassengerUserID || userID == p.DriverUserID
}

// RideEvent is published after every committed ride change.
type RideEvent struct {
	EventID       string     `json:"event_id"`
	Type          string     `json:"type"`
	RideID        int64      `json:"ride_id"`
	OfferID       int64      `json:"offer_id"`
	Status        RideStatus `json:"status"`
	PositionIndex int        `json:"position_index"`
	Position      *Coord     `json:"position,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

const (
	EventRideCreated   = "ride.created"
	EventRideStarted   = "ride.started"
	EventRideCompleted = "ride.completed"
	EventRideCancelled = "ride.cancelled"
	EventRideMoved     = "ride.moved"
)

// NewRideEvent describes ride r after a committed change of kind typ.
func NewRideEvent(typ string, r Ride) RideEvent {
	return RideEvent{
		Type:          typ,
		RideID:        r.ID,
		OfferID:       r.OfferID,
		Status:        r.Status,
		PositionIndex: r.CurrentPositionIndex,
	}
}
