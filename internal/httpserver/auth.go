package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/history"
)

// Request payloads for signup/login.
type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authUser is placed into request context by auth middleware.
type authUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ctxUserKey is the context key type for storing authUser.
type ctxUserKey struct{}

func userFrom(ctx context.Context) *authUser {
	u, _ := ctx.Value(ctxUserKey{}).(*authUser)
	return u
}

// mountAuthRoutes registers authentication + gated routes (/auth/*, /stats/me, /rounds/*).
// Without a history store there are no accounts; the routes answer 503.
func (s *Server) mountAuthRoutes(r chi.Router) {
	if s.hist == nil {
		unavailable := func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, http.StatusServiceUnavailable, "history_disabled")
		}
		r.HandleFunc("/auth/*", unavailable)
		r.HandleFunc("/stats/*", unavailable)
		r.HandleFunc("/rounds/*", unavailable)
		return
	}

	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/rounds/leaderboard", s.handleLeaderboard)
	r.With(s.withOptionalAuth()).Get("/rounds/mine", s.handleMyRounds)

	r.With(s.requireAuth()).Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, userFrom(r.Context()))
	})

	r.With(s.requireAuth()).Get("/stats/me", func(w http.ResponseWriter, r *http.Request) {
		u, err := s.hist.UserByID(r.Context(), userFrom(r.Context()).ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          u.ID,
			"gamesPlayed": u.GamesPlayed,
			"wins":        u.Wins,
			"streak":      u.Streak,
		})
	})
}

// handleSignup creates a new user, signs a JWT, sets auth cookie, and claims anon history.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json")
		return
	}
	u, err := s.hist.CreateUser(r.Context(), body.Username, body.Password)
	switch {
	case errors.Is(err, history.ErrUsernameTaken):
		writeErr(w, http.StatusConflict, "Username taken")
		return
	case errors.Is(err, history.ErrInvalidSignup):
		writeErr(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), history.ErrInvalidSignup.Error()+": "))
		return
	case err != nil:
		log.Error().Err(err).Msg("create user")
		writeErr(w, http.StatusInternalServerError, "signup_failed")
		return
	}
	if !s.issueSession(w, r, u.ID, u.Username) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "username": u.Username, "createdAt": u.CreatedAt})
}

// handleLogin authenticates user, sets cookie, and claims anon history.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json")
		return
	}
	u, err := s.hist.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if !s.issueSession(w, r, u.ID, u.Username) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "username": u.Username})
}

// issueSession signs a token, sets the cookie and moves guest rounds to the account.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, id, username string) bool {
	tok, exp, err := s.signJWT(id, username)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "sign_failed")
		return false
	}
	s.setAuthCookie(w, tok, exp)
	if c, err := r.Cookie(anonCookieName); err == nil && c.Value != "" {
		if err := s.hist.ClaimAnonymous(r.Context(), c.Value, id); err != nil {
			log.Warn().Err(err).Msg("claim anon rounds")
		}
	}
	return true
}

// handleLogout clears the auth cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearAuthCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMyRounds lists the caller's rounds (account, else guest cookie).
func (s *Server) handleMyRounds(w http.ResponseWriter, r *http.Request) {
	var o history.Owner
	if me := userFrom(r.Context()); me != nil {
		o.UserID = me.ID
	} else if c, err := r.Cookie(anonCookieName); err == nil {
		o.AnonymousID = c.Value
	}
	if o.UserID == "" && o.AnonymousID == "" {
		writeJSON(w, http.StatusOK, []history.Round{})
		return
	}
	rounds, err := s.hist.RoundsFor(r.Context(), o, queryInt(r, "limit", 50))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

// handleLeaderboard returns the best won rounds.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.hist.Leaderboard(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"top": rows})
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 || n > 100 {
		return def
	}
	return n
}

// --------------------------- optional auth ---------------------------------

// withOptionalAuth decorates requests with user context if a valid JWT is present.
// It never 401s; used for routes where guests are allowed.
func (s *Server) withOptionalAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, err := s.authenticate(r); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, u))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth enforces a valid JWT and injects authUser into request context.
func (s *Server) requireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := s.authenticate(r)
			if errors.Is(err, errNoToken) {
				writeErr(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, u)))
		})
	}
}

var errNoToken = errors.New("no token")

// authenticate verifies the bearer/cookie token and that the user still exists.
func (s *Server) authenticate(r *http.Request) (*authUser, error) {
	tokenStr := s.bearerOrCookie(r)
	if tokenStr == "" {
		return nil, errNoToken
	}
	if s.hist == nil {
		return nil, errors.New("accounts disabled")
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	id, _ := claims["id"].(string)
	username, _ := claims["username"].(string)
	if id == "" || username == "" {
		return nil, errors.New("invalid token")
	}
	// Ensure user still exists
	if _, err := s.hist.UserByID(r.Context(), id); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Msg("lookup token user")
		}
		return nil, errors.New("invalid token")
	}
	return &authUser{ID: id, Username: username}, nil
}

const anonCookieName = "numguess_anon"

// ensureAnonID returns an existing anon cookie or sets a new one.
// Used to associate guest rounds with a stable identifier.
func (s *Server) ensureAnonID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(anonCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := history.GenID()
	http.SetCookie(w, s.cookie(anonCookieName, id, time.Now().Add(180*24*time.Hour)))
	return id
}

// ------------------------------ JWT & cookies ------------------------------

// signJWT creates an HS256 JWT with id/username and the configured expiry.
func (s *Server) signJWT(id, username string) (string, time.Time, error) {
	exp := time.Now().Add(time.Duration(s.cfg.JWTExpiresDays) * 24 * time.Hour)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       id,
		"username": username,
		"exp":      exp.Unix(),
		"iat":      time.Now().Unix(),
	})
	ss, err := t.SignedString([]byte(s.cfg.JWTSecret))
	return ss, exp, err
}

// cookie builds an HttpOnly cookie; Secure + SameSite=None in production.
func (s *Server) cookie(name, value string, exp time.Time) *http.Cookie {
	secure := s.cfg.Production()
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode // required for third-party contexts when Secure
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
		Expires:  exp,
	}
}

func (s *Server) setAuthCookie(w http.ResponseWriter, token string, exp time.Time) {
	http.SetCookie(w, s.cookie(s.cfg.CookieName, token, exp))
}

func (s *Server) clearAuthCookie(w http.ResponseWriter) {
	c := s.cookie(s.cfg.CookieName, "", time.Time{})
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// bearerOrCookie extracts a bearer token from Authorization header or auth cookie.
func (s *Server) bearerOrCookie(r *http.Request) string {
	if a := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(a), "bearer ") {
		return strings.TrimSpace(a[7:])
	}
	if c, err := r.Cookie(s.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}
