package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool/internal/apperrors"
	"github.com/example/carpool/internal/models"
)

// MemoryStore is an in-process Store. Transactions run one at a time on a
// private copy of the state that replaces the shared state on commit, so a
// failed transaction leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	seq           int64
	routes        map[int64]models.Route
	passengers    map[int64]models.Profile
	drivers       map[int64]models.Profile
	requests      map[int64]models.RideRequest
	offers        map[int64]models.RideOffer
	rides         map[int64]models.Ride
	ratings       map[int64]models.Rating
	notifications map[int64]models.Notification
	incidents     map[int64]models.Incident
	reports       map[int64]models.UserReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

func newMemState() *memState {
	return &memState{
		routes:        make(map[int64]models.Route),
		passengers:    make(map[int64]models.Profile),
		drivers:       make(map[int64]models.Profile),
		requests:      make(map[int64]models.RideRequest),
		offers:        make(map[int64]models.RideOffer),
		rides:         make(map[int64]models.Ride),
		ratings:       make(map[int64]models.Rating),
		notifications: make(map[int64]models.Notification),
		incidents:     make(map[int64]models.Incident),
		reports:       make(map[int64]models.UserReport),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		seq:           s.seq,
		routes:        cloneMap(s.routes),
		passengers:    cloneMap(s.passengers),
		drivers:       cloneMap(s.drivers),
		requests:      cloneMap(s.requests),
		offers:        cloneMap(s.offers),
		rides:         cloneMap(s.rides),
		ratings:       cloneMap(s.ratings),
		notifications: cloneMap(s.notifications),
		incidents:     cloneMap(s.incidents),
		reports:       cloneMap(s.reports),
	}
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// AddRoute seeds the route catalog and returns the stored route.
func (m *MemoryStore) AddRoute(r models.Route) models.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.state.nextID()
	}
	m.state.routes[r.ID] = r
	return r
}

// AddPassenger seeds a passenger profile linked to userID.
func (m *MemoryStore) AddPassenger(userID int64, name string) models.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := models.Profile{ID: m.state.nextID(), UserID: userID, Role: models.RolePassenger, Name: name}
	m.state.passengers[p.ID] = p
	return p
}

// AddDriver seeds a driver profile linked to userID.
func (m *MemoryStore) AddDriver(userID int64, name, vehicleNo string) models.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := models.Profile{ID: m.state.nextID(), UserID: userID, Role: models.RoleDriver, Name: name, VehicleNo: vehicleNo}
	m.state.drivers[p.ID] = p
	return p
}

// Ratings returns every stored rating received by userID.
func (m *MemoryStore) Ratings(userID int64) []models.Rating {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rating
	for _, r := range m.state.ratings {
		if r.RatedUser == userID {
			out = append(out, r)
		}
	}
	return out
}

// Rides returns every stored ride ordered by id.
func (m *MemoryStore) Rides() []models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0, len(m.state.rides))
	for _, r := range m.state.rides {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offers returns every stored offer ordered by id.
func (m *MemoryStore) Offers() []models.RideOffer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideOffer, 0, len(m.state.offers))
	for _, o := range m.state.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Incidents returns every incident logged for rideID.
func (m *MemoryStore) Incidents(rideID int64) []models.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Incident
	for _, i := range m.state.incidents {
		if i.RideID == rideID {
			out = append(out, i)
		}
	}
	return out
}

// Reports returns every user report filed for rideID.
func (m *MemoryStore) Reports(rideID int64) []models.UserReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.UserReport
	for _, r := range m.state.reports {
		if r.RideID == rideID {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Connectivity(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work, now: m.now}); err != nil {
		return apperrors.Connectivity(err)
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) read() (*memState, func()) {
	m.mu.RLock()
	return m.state, m.mu.RUnlock
}

func (m *MemoryStore) GetRequest(_ context.Context, id int64) (models.RideRequest, error) {
	st, done := m.read()
	defer done()
	return st.getRequest(id)
}

func (m *MemoryStore) GetOffer(_ context.Context, id int64) (models.RideOffer, error) {
	st, done := m.read()
	defer done()
	return st.getOffer(id)
}

func (m *MemoryStore) GetRide(_ context.Context, id int64) (models.Ride, error) {
	st, done := m.read()
	defer done()
	return st.getRide(id)
}

func (m *MemoryStore) Passenger(_ context.Context, id int64) (models.Profile, error) {
	st, done := m.read()
	defer done()
	p, ok := st.passengers[id]
	if !ok {
		return models.Profile{}, apperrors.ErrProfileNotFound
	}
	return p, nil
}

func (m *MemoryStore) Driver(_ context.Context, id int64) (models.Profile, error) {
	st, done := m.read()
	defer done()
	return st.driver(id)
}

func (m *MemoryStore) ProfilesByUser(_ context.Context, userID int64) ([]models.Profile, error) {
	st, done := m.read()
	defer done()
	return st.profilesByUser(userID), nil
}

func (m *MemoryStore) Participants(_ context.Context, rideID int64) (models.Participants, error) {
	st, done := m.read()
	defer done()
	return st.participants(rideID)
}

func (m *MemoryStore) RouteByCities(_ context.Context, from, to string) (models.Route, error) {
	st, done := m.read()
	defer done()
	for _, r := range st.routes {
		if strings.EqualFold(r.FromCity, from) && strings.EqualFold(r.ToCity, to) {
			return r, nil
		}
	}
	return models.Route{}, apperrors.ErrRouteNotFound
}

func (m *MemoryStore) RouteByID(_ context.Context, id int64) (models.Route, error) {
	st, done := m.read()
	defer done()
	r, ok := st.routes[id]
	if !ok {
		return models.Route{}, apperrors.ErrRouteNotFound
	}
	return r, nil
}

func (m *MemoryStore) RouteCities(_ context.Context) ([]string, []string, error) {
	st, done := m.read()
	defer done()
	fromSet, toSet := map[string]struct{}{}, map[string]struct{}{}
	for _, r := range st.routes {
		fromSet[r.FromCity] = struct{}{}
		toSet[r.ToCity] = struct{}{}
	}
	return sortedKeys(fromSet), sortedKeys(toSet), nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func limitOf(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func (m *MemoryStore) ListOpenRequests(_ context.Context, limit int) ([]models.RideRequest, error) {
	st, done := m.read()
	defer done()
	out := []models.RideRequest{}
	for _, r := range st.requests {
		if r.Status == models.RequestPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limitOf(limit, 100)), nil
}

func (m *MemoryStore) ListOpenOffers(_ context.Context, f OfferFilter) ([]models.OpenOffer, error) {
	st, done := m.read()
	defer done()
	out := []models.OpenOffer{}
	for _, o := range st.offers {
		if !o.Status.Bookable() || o.AvailableSeats <= 0 || o.AvailableSeats < f.MinSeats {
			continue
		}
		rt := st.routes[o.RouteID]
		if f.FromCity != "" && !strings.EqualFold(rt.FromCity, f.FromCity) {
			continue
		}
		if f.ToCity != "" && !strings.EqualFold(rt.ToCity, f.ToCity) {
			continue
		}
		d := st.drivers[o.DriverID]
		out = append(out, models.OpenOffer{
			RideOffer:    o,
			FromCity:     rt.FromCity,
			ToCity:       rt.ToCity,
			DistanceKm:   rt.DistanceKm,
			DriverName:   d.Name,
			DriverRating: d.AvgRating,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limitOf(f.Limit, 100)), nil
}

func (m *MemoryStore) MatchedRideDetails(_ context.Context, requestID int64) (models.MatchedRideDetails, error) {
	st, done := m.read()
	defer done()
	req, err := st.getRequest(requestID)
	if err != nil {
		return models.MatchedRideDetails{}, err
	}
	for _, o := range st.offers {
		if o.RequestID == nil || *o.RequestID != requestID {
			continue
		}
		for _, r := range st.rides {
			if r.OfferID != o.ID {
				continue
			}
			d := st.drivers[o.DriverID]
			rt := st.routes[o.RouteID]
			return models.MatchedRideDetails{
				RequestID:     req.ID,
				RideID:        r.ID,
				OfferID:       o.ID,
				DriverID:      d.ID,
				DriverName:    d.Name,
				DriverRating:  d.AvgRating,
				VehicleNo:     o.VehicleNo,
				FromCity:      rt.FromCity,
				ToCity:        rt.ToCity,
				DistanceKm:    rt.DistanceKm,
				EstimatedFare: o.EstimatedFare,
				TotalFare:     r.TotalFare,
				SeatsBooked:   r.SeatsBooked,
				RideStatus:    r.Status,
			}, nil
		}
	}
	return models.MatchedRideDetails{}, apperrors.ErrRideNotFound
}

func (m *MemoryStore) ridesWhere(limit int, keep func(models.Ride) bool) []models.Ride {
	st, done := m.read()
	defer done()
	out := []models.Ride{}
	for _, r := range st.rides {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limitOf(limit, 50))
}

func (m *MemoryStore) RidesForPassenger(_ context.Context, passengerID int64, limit int) ([]models.Ride, error) {
	return m.ridesWhere(limit, func(r models.Ride) bool { return r.PassengerID == passengerID }), nil
}

func (m *MemoryStore) RidesForDriver(_ context.Context, driverID int64, limit int) ([]models.Ride, error) {
	return m.ridesWhere(limit, func(r models.Ride) bool { return r.DriverID == driverID }), nil
}

func (m *MemoryStore) ActiveRideForUser(_ context.Context, userID int64) (models.Ride, error) {
	st, done := m.read()
	defer done()
	var best *models.Ride
	for _, r := range st.rides {
		if r.Status != models.RideActive {
			continue
		}
		if st.passengers[r.PassengerID].UserID != userID && st.drivers[r.DriverID].UserID != userID {
			continue
		}
		if best == nil || r.ID > best.ID {
			r := r
			best = &r
		}
	}
	if best == nil {
		return models.Ride{}, apperrors.ErrNoActiveRide
	}
	return *best, nil
}

func (m *MemoryStore) HasRated(_ context.Context, rideID, raterUserID int64) (bool, error) {
	st, done := m.read()
	defer done()
	return st.hasRated(rideID, raterUserID), nil
}

func (m *MemoryStore) RatingsForUser(_ context.Context, userID int64, limit int) ([]models.Rating, error) {
	st, done := m.read()
	defer done()
	out := []models.Rating{}
	for _, r := range st.ratings {
		if r.RatedUser == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limitOf(limit, 20)), nil
}

func (m *MemoryStore) RatingStats(_ context.Context, userID int64) (models.RatingStats, error) {
	st, done := m.read()
	defer done()
	var values []int
	for _, r := range st.ratings {
		if r.RatedUser == userID {
			values = append(values, r.Value)
		}
	}
	return ComputeStats(userID, values), nil
}

func (m *MemoryStore) Notifications(_ context.Context, userID int64, limit int) ([]models.Notification, error) {
	st, done := m.read()
	defer done()
	out := []models.Notification{}
	for _, n := range st.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return truncate(out, limitOf(limit, 50)), nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, userID int64) (int, error) {
	st, done := m.read()
	defer done()
	n := 0
	for _, x := range st.notifications {
		if x.UserID == userID && !x.IsRead {
			n++
		}
	}
	return n, nil
}

func truncate[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// state helpers shared by reads and transactions

func (s *memState) getRequest(id int64) (models.RideRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return models.RideRequest{}, apperrors.ErrRequestNotFound
	}
	return r, nil
}

func (s *memState) getOffer(id int64) (models.RideOffer, error) {
	o, ok := s.offers[id]
	if !ok {
		return models.RideOffer{}, apperrors.ErrOfferNotFound
	}
	return o, nil
}

func (s *memState) getRide(id int64) (models.Ride, error) {
	r, ok := s.rides[id]
	if !ok {
		return models.Ride{}, apperrors.ErrRideNotFound
	}
	return r, nil
}

func (s *memState) driver(id int64) (models.Profile, error) {
	d, ok := s.drivers[id]
	if !ok {
		return models.Profile{}, apperrors.ErrProfileNotFound
	}
	return d, nil
}

func (s *memState) profilesByUser(userID int64) []models.Profile {
	var out []models.Profile
	for _, d := range s.drivers {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	for _, p := range s.passengers {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (s *memState) participants(rideID int64) (models.Participants, error) {
	r, err := s.getRide(rideID)
	if err != nil {
		return models.Participants{}, err
	}
	return models.Participants{
		PassengerUserID: s.passengers[r.PassengerID].UserID,
		DriverUserID:    s.drivers[r.DriverID].UserID,
	}, nil
}

func (s *memState) hasRated(rideID, rater int64) bool {
	for _, r := range s.ratings {
		if r.RideID == rideID && r.RatedBy == rater {
			return true
		}
	}
	return false
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) GetRequest(_ context.Context, id int64) (models.RideRequest, error) {
	return t.st.getRequest(id)
}

func (t *memTx) GetOffer(_ context.Context, id int64) (models.RideOffer, error) {
	return t.st.getOffer(id)
}

func (t *memTx) Driver(_ context.Context, id int64) (models.Profile, error) {
	return t.st.driver(id)
}

func (t *memTx) Participants(_ context.Context, rideID int64) (models.Participants, error) {
	return t.st.participants(rideID)
}

func (t *memTx) InsertRequest(_ context.Context, r *models.RideRequest) error {
	if _, ok := t.st.passengers[r.PassengerID]; !ok {
		return apperrors.ErrProfileNotFound
	}
	r.ID = t.st.nextID()
	r.CreatedAt = t.now()
	t.st.requests[r.ID] = *r
	return nil
}

func (t *memTx) ClaimRequest(_ context.Context, requestID int64, to models.RequestStatus) error {
	r, ok := t.st.requests[requestID]
	if !ok || r.Status != models.RequestPending {
		return apperrors.ErrConflict
	}
	r.Status = to
	t.st.requests[requestID] = r
	return nil
}

func (t *memTx) InsertOffer(_ context.Context, o *models.RideOffer) error {
	if _, ok := t.st.drivers[o.DriverID]; !ok {
		return apperrors.ErrProfileNotFound
	}
	if _, ok := t.st.routes[o.RouteID]; !ok {
		return apperrors.ErrRouteNotFound
	}
	o.ID = t.st.nextID()
	o.CreatedAt = t.now()
	t.st.offers[o.ID] = *o
	return nil
}

func (t *memTx) ReserveSeats(_ context.Context, offerID int64, seats int) (models.RideOffer, error) {
	o, ok := t.st.offers[offerID]
	if !ok || !o.Status.Bookable() || o.AvailableSeats < seats {
		return models.RideOffer{}, apperrors.ErrConflict
	}
	o.AvailableSeats -= seats
	o.Status = models.AfterBooking(o.AvailableSeats)
	t.st.offers[offerID] = o
	return o, nil
}

func (t *memTx) ReleaseSeats(_ context.Context, offerID int64, seats int) error {
	o, ok := t.st.offers[offerID]
	if !ok {
		return apperrors.ErrOfferNotFound
	}
	o.AvailableSeats += seats
	if o.Status == models.OfferFull {
		o.Status = models.OfferBooked
	}
	t.st.offers[offerID] = o
	return nil
}

func (t *memTx) LockOffer(_ context.Context, offerID int64) (models.RideOffer, error) {
	return t.st.getOffer(offerID)
}

func (t *memTx) SetOfferStatus(_ context.Context, offerID int64, to models.OfferStatus) error {
	o, ok := t.st.offers[offerID]
	if !ok {
		return apperrors.ErrOfferNotFound
	}
	o.Status = to
	t.st.offers[offerID] = o
	return nil
}

func (t *memTx) InsertRide(_ context.Context, r *models.Ride) error {
	if _, ok := t.st.offers[r.OfferID]; !ok {
		return apperrors.ErrOfferNotFound
	}
	if _, ok := t.st.passengers[r.PassengerID]; !ok {
		return apperrors.ErrProfileNotFound
	}
	r.ID = t.st.nextID()
	r.CreatedAt = t.now()
	t.st.rides[r.ID] = *r
	return nil
}

func (t *memTx) LockRide(_ context.Context, rideID int64) (models.Ride, error) {
	return t.st.getRide(rideID)
}

func (t *memTx) TransitionRide(_ context.Context, rideID int64, from, to models.RideStatus, at time.Time) error {
	r, ok := t.st.rides[rideID]
	if !ok || r.Status != from {
		return apperrors.ErrConflict
	}
	r.Status = to
	switch to {
	case models.RideActive:
		r.StartTime = &at
	case models.RideCompleted, models.RideCancelled:
		r.EndTime = &at
	}
	t.st.rides[rideID] = r
	return nil
}

func (t *memTx) CountRides(_ context.Context, offerID, excludeRideID int64, statuses ...models.RideStatus) (int, error) {
	n := 0
	for _, r := range t.st.rides {
		if r.OfferID != offerID || r.ID == excludeRideID {
			continue
		}
		for _, s := range statuses {
			if r.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (t *memTx) AdvancePosition(_ context.Context, rideID int64, from, to int) error {
	r, ok := t.st.rides[rideID]
	if !ok || r.Status != models.RideActive || r.CurrentPositionIndex != from {
		return apperrors.ErrConflict
	}
	r.CurrentPositionIndex = to
	t.st.rides[rideID] = r
	return nil
}

func (t *memTx) InsertRating(_ context.Context, r *models.Rating) error {
	if t.st.hasRated(r.RideID, r.RatedBy) {
		return apperrors.ErrDuplicateRating
	}
	r.ID = t.st.nextID()
	r.CreatedAt = t.now()
	t.st.ratings[r.ID] = *r
	return nil
}

func (t *memTx) RecomputeReputation(_ context.Context, userID int64) (models.Reputation, error) {
	sum, count := 0, 0
	for _, r := range t.st.ratings {
		if r.RatedUser == userID {
			sum += r.Value
			count++
		}
	}
	rep := models.Reputation{UserID: userID, TotalRides: count}
	if count > 0 {
		rep.AvgRating = float64(sum) / float64(count)
	}
	updated := 0
	for id, d := range t.st.drivers {
		if d.UserID == userID {
			d.AvgRating, d.TotalRides = rep.AvgRating, rep.TotalRides
			t.st.drivers[id] = d
			updated++
		}
	}
	for id, p := range t.st.passengers {
		if p.UserID == userID {
			p.AvgRating, p.TotalRides = rep.AvgRating, rep.TotalRides
			t.st.passengers[id] = p
			updated++
		}
	}
	if updated == 0 {
		return models.Reputation{}, apperrors.ErrProfileNotFound
	}
	return rep, nil
}

func (t *memTx) InsertNotification(_ context.Context, n *models.Notification) error {
	n.ID = t.st.nextID()
	n.CreatedAt = t.now()
	t.st.notifications[n.ID] = *n
	return nil
}

func (t *memTx) MarkAllRead(_ context.Context, userID int64) (int, error) {
	n := 0
	for id, x := range t.st.notifications {
		if x.UserID == userID && !x.IsRead {
			x.IsRead = true
			t.st.notifications[id] = x
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertIncident(_ context.Context, i *models.Incident) error {
	if _, ok := t.st.rides[i.RideID]; !ok {
		return apperrors.ErrRideNotFound
	}
	i.ID = t.st.nextID()
	i.CreatedAt = t.now()
	t.st.incidents[i.ID] = *i
	return nil
}

func (t *memTx) InsertUserReport(_ context.Context, r *models.UserReport) error {
	if _, ok := t.st.rides[r.RideID]; !ok {
		return apperrors.ErrRideNotFound
	}
	r.ID = t.st.nextID()
	r.CreatedAt = t.now()
	t.st.reports[r.ID] = *r
	return nil
}
