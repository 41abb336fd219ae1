// Package backendtest is an in-process stand-in for the hosted backend:
// auth endpoints, tenant-scoped record endpoints, and the realtime auth
// channel, backed by maps. Tests run the real client against it.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/reliability/ratelimit"
)

// AnonKey is the publishable API key the fake backend accepts.
const AnonKey = "test-anon-key"

type user struct {
	id           string
	email        string
	passwordHash []byte
}

// Server is the fake hosted backend.
type Server struct {
	hs      *httptest.Server
	tokens  *tokenManager
	wsUp    websocket.Upgrader
	limiter *ratelimit.Limiter

	mu               sync.Mutex
	usersByEmail     map[string]*user
	usersByID        map[string]*user
	orgs             map[string]domain.Organization
	slugs            map[string]bool
	memberships      []domain.Membership
	nextMembershipID int64
	items            map[string]domain.InventoryItem
	refreshTokens    map[string]string // refresh token -> user id
	conns            map[*websocket.Conn]string
	failRemaining    int
}

// New starts the fake backend.
func New() *Server {
	s := &Server{
		tokens:           newTokenManager("backendtest-secret"),
		limiter:          ratelimit.NewLimiter(30, time.Minute),
		usersByEmail:     map[string]*user{},
		usersByID:        map[string]*user{},
		orgs:             map[string]domain.Organization{},
		slugs:            map[string]bool{},
		nextMembershipID: 1,
		items:            map[string]domain.InventoryItem{},
		refreshTokens:    map[string]string{},
		conns:            map[*websocket.Conn]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/signup", s.handleSignup)
	mux.HandleFunc("POST /auth/v1/token", s.handleToken)
	mux.HandleFunc("POST /auth/v1/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/v1/recover", s.handleRecover)
	mux.HandleFunc("PUT /auth/v1/user", s.handleUpdateUser)
	mux.HandleFunc("/rest/v1/organizations", s.handleOrganizations)
	mux.HandleFunc("/rest/v1/user_organizations", s.handleMemberships)
	mux.HandleFunc("/rest/v1/inventory", s.handleInventory)
	mux.HandleFunc("GET /realtime/v1/auth", s.handleRealtime)

	s.hs = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.failRemaining > 0 {
			s.failRemaining--
			s.mu.Unlock()
			http.Error(w, `{"message":"service unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	return s
}

// URL returns the backend base URL.
func (s *Server) URL() string { return s.hs.URL }

// SetAuthRateLimit replaces the per-email throttle on credential
// endpoints. The default is generous; tests tighten it to observe 429s.
func (s *Server) SetAuthRateLimit(maxRequests int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter.Stop()
	s.limiter = ratelimit.NewLimiter(maxRequests, window)
}

// Close shuts the backend down and drops realtime connections.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = map[*websocket.Conn]string{}
	s.limiter.Stop()
	s.mu.Unlock()
	s.hs.Close()
}

// FailNextRequests makes the next n requests return 503, for retry and
// error-surfacing tests.
func (s *Server) FailNextRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
}

// SeedUser registers a confirmed user directly.
func (s *Server) SeedUser(email, password string) domain.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	u := &user{id: uuid.NewString(), email: email, passwordHash: hash}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersByEmail[email] = u
	s.usersByID[u.id] = u
	return domain.User{ID: u.id, Email: u.email}
}

// SeedOrganization creates an organization row directly.
func (s *Server) SeedOrganization(name, slug string) domain.Organization {
	org := domain.Organization{ID: uuid.NewString(), Name: name, Slug: slug, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	s.slugs[slug] = true
	return org
}

// SeedMembership links a user to an organization directly.
func (s *Server) SeedMembership(userID, orgID string, role domain.Role) domain.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := domain.Membership{
		ID:             s.nextMembershipID,
		UserID:         userID,
		OrganizationID: orgID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	s.nextMembershipID++
	s.memberships = append(s.memberships, m)
	return m
}

// SeedItem creates an inventory row directly.
func (s *Server) SeedItem(item domain.InventoryItem) domain.InventoryItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return item
}

// EmitSignedOut pushes a SIGNED_OUT event to every realtime connection
// authenticated as userID, simulating a sign-out on another device.
func (s *Server) EmitSignedOut(userID string) {
	s.broadcast(userID, map[string]any{"event": string(domain.AuthSignedOut)})
}

// EmitTokenRefreshed pushes a TOKEN_REFRESHED event with a fresh session
// to every realtime connection authenticated as userID.
func (s *Server) EmitTokenRefreshed(userID string) {
	s.mu.Lock()
	u := s.usersByID[userID]
	s.mu.Unlock()
	if u == nil {
		return
	}
	s.broadcast(userID, map[string]any{
		"event":   string(domain.AuthTokenRefreshed),
		"session": s.sessionEnvelope(u),
	})
}

func (s *Server) broadcast(userID string, msg map[string]any) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn, id := range s.conns {
		if id == userID {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteJSON(msg)
	}
}

// RealtimeConnections reports the number of live realtime subscriptions,
// so tests can wait for the client to connect.
func (s *Server) RealtimeConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) sessionEnvelope(u *user) map[string]any {
	access, err := s.tokens.generate(u.id, u.email, time.Hour)
	if err != nil {
		panic(err)
	}
	refresh := uuid.NewString()

	s.mu.Lock()
	s.refreshTokens[refresh] = u.id
	s.mu.Unlock()

	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user":          map[string]string{"id": u.id, "email": u.email},
	}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "validation_failed", "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "password must be at least 8 characters")
		return
	}
	if !s.allowAuthAttempt(req.Email) {
		writeError(w, http.StatusTooManyRequests, "over_request_rate_limit", "too many sign-up attempts, try again later")
		return
	}

	s.mu.Lock()
	if _, exists := s.usersByEmail[req.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "email_exists", "email address already registered")
		return
	}
	s.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to hash password")
		return
	}
	u := &user{id: uuid.NewString(), email: req.Email, passwordHash: hash}

	s.mu.Lock()
	s.usersByEmail[u.email] = u
	s.usersByID[u.id] = u
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, s.sessionEnvelope(u))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("grant_type") {
	case "password":
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}
		if !s.allowAuthAttempt(req.Email) {
			writeError(w, http.StatusTooManyRequests, "over_request_rate_limit", "too many sign-in attempts, try again later")
			return
		}

		s.mu.Lock()
		u := s.usersByEmail[req.Email]
		s.mu.Unlock()
		if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
			writeError(w, http.StatusBadRequest, "invalid_credentials", "invalid login credentials")
			return
		}
		writeJSON(w, http.StatusOK, s.sessionEnvelope(u))

	case "refresh_token":
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}

		s.mu.Lock()
		userID, ok := s.refreshTokens[req.RefreshToken]
		if ok {
			delete(s.refreshTokens, req.RefreshToken)
		}
		u := s.usersByID[userID]
		s.mu.Unlock()
		if !ok || u == nil {
			writeError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or revoked")
			return
		}
		writeJSON(w, http.StatusOK, s.sessionEnvelope(u))

	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "email is required")
		return
	}
	// Recovery email delivery is the hosted service's concern; respond as
	// if it was queued regardless of whether the account exists.
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to hash password")
		return
	}

	s.mu.Lock()
	if u := s.usersByID[c.Subject]; u != nil {
		u.passwordHash = hash
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": c.Subject})
}

func (s *Server) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		id := eqParam(r, "id")
		var out []domain.Organization
		s.mu.Lock()
		for _, org := range s.orgs {
			if id == "" || org.ID == id {
				out = append(out, org)
			}
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, nonNil(out))

	case http.MethodPost:
		var rows []struct {
			Name string `json:"name"`
			Slug string `json:"slug"`
		}
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil || len(rows) == 0 {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}

		out := make([]domain.Organization, 0, len(rows))
		s.mu.Lock()
		for _, row := range rows {
			if s.slugs[row.Slug] {
				s.mu.Unlock()
				writeError(w, http.StatusConflict, "23505",
					`duplicate key value violates unique constraint "organizations_slug_key"`)
				return
			}
			org := domain.Organization{
				ID:        uuid.NewString(),
				Name:      row.Name,
				Slug:      row.Slug,
				CreatedAt: time.Now().UTC(),
			}
			s.orgs[org.ID] = org
			s.slugs[org.Slug] = true
			out = append(out, org)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, out)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}

	switch r.Method {
	case http.MethodGet:
		userID := eqParam(r, "user_id")
		var out []domain.Membership
		s.mu.Lock()
		for _, m := range s.memberships {
			if userID == "" || m.UserID == userID {
				out = append(out, m)
			}
		}
		s.mu.Unlock()

		// Only id ordering is used by the client; ascending keeps the
		// lowest-membership-id tie-break observable.
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if limit := r.URL.Query().Get("limit"); limit == "1" && len(out) > 1 {
			out = out[:1]
		}
		writeJSON(w, http.StatusOK, nonNil(out))

	case http.MethodPost:
		var rows []struct {
			UserID         string `json:"user_id"`
			OrganizationID string `json:"organization_id"`
			Role           string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil || len(rows) == 0 {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}

		out := make([]domain.Membership, 0, len(rows))
		s.mu.Lock()
		for _, row := range rows {
			m := domain.Membership{
				ID:             s.nextMembershipID,
				UserID:         row.UserID,
				OrganizationID: row.OrganizationID,
				Role:           domain.Role(row.Role),
				CreatedAt:      time.Now().UTC(),
			}
			s.nextMembershipID++
			s.memberships = append(s.memberships, m)
			out = append(out, m)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, out)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}

	orgID := eqParam(r, "organization_id")
	itemID := eqParam(r, "id")

	switch r.Method {
	case http.MethodGet:
		var out []domain.InventoryItem
		s.mu.Lock()
		for _, item := range s.items {
			if (orgID == "" || item.OrganizationID == orgID) && (itemID == "" || item.ID == itemID) {
				out = append(out, item)
			}
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		writeJSON(w, http.StatusOK, nonNil(out))

	case http.MethodPost:
		var rows []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil || len(rows) == 0 {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}

		out := make([]domain.InventoryItem, 0, len(rows))
		s.mu.Lock()
		for _, row := range rows {
			item := domain.InventoryItem{
				ID:             uuid.NewString(),
				OrganizationID: str(row["organization_id"]),
				Name:           str(row["name"]),
				Category:       str(row["category"]),
				Quantity:       num(row["quantity"]),
				Unit:           str(row["unit"]),
				MinStock:       num(row["min_stock"]),
				UpdatedAt:      time.Now().UTC(),
			}
			s.items[item.ID] = item
			out = append(out, item)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, out)

	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
			return
		}

		var out []domain.InventoryItem
		s.mu.Lock()
		for id, item := range s.items {
			if (orgID != "" && item.OrganizationID != orgID) || (itemID != "" && item.ID != itemID) {
				continue
			}
			if v, ok := patch["name"]; ok {
				item.Name = str(v)
			}
			if v, ok := patch["category"]; ok {
				item.Category = str(v)
			}
			if v, ok := patch["quantity"]; ok {
				item.Quantity = num(v)
			}
			if v, ok := patch["unit"]; ok {
				item.Unit = str(v)
			}
			if v, ok := patch["min_stock"]; ok {
				item.MinStock = num(v)
			}
			item.UpdatedAt = time.Now().UTC()
			s.items[id] = item
			out = append(out, item)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, nonNil(out))

	case http.MethodDelete:
		s.mu.Lock()
		for id, item := range s.items {
			if (orgID == "" || item.OrganizationID == orgID) && (itemID == "" || item.ID == itemID) {
				delete(s.items, id)
			}
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	c, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid or expired token")
		return
	}

	conn, err := s.wsUp.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = c.Subject
	s.mu.Unlock()

	// Hold the connection open; the client never sends, it only listens.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) allowAuthAttempt(email string) bool {
	s.mu.Lock()
	l := s.limiter
	s.mu.Unlock()
	return l.Allow(email)
}

func (s *Server) authenticate(r *http.Request) (*claims, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.tokens.validate(token)
}

func eqParam(r *http.Request, name string) string {
	return strings.TrimPrefix(r.URL.Query().Get(name), "eq.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
