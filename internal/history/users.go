package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUsernameTaken = errors.New("username taken")
	ErrInvalidSignup = errors.New("invalid signup")
)

// User matches the users table shape.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	GamesPlayed  int       `json:"gamesPlayed"`
	Wins         int       `json:"wins"`
	Streak       int       `json:"streak"`
}

// CreateUser validates input, checks uniqueness, hashes password, and inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, pw string) (*User, error) {
	username = strings.TrimSpace(username)
	if err := validateSignup(username, pw); err != nil {
		return nil, err
	}
	var exists int
	_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE lower(username)=lower(?)`, username).Scan(&exists)
	if exists == 1 {
		return nil, ErrUsernameTaken
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           GenID(),
		Username:     username,
		PasswordHash: string(h),
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return u, nil
}

// UserByName / UserByID load a user row; sql.ErrNoRows when missing.
func (s *Store) UserByName(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at, games_played, wins, streak
	                                  FROM users WHERE lower(username)=lower(?)`, strings.TrimSpace(username))
	return scanUser(row)
}

func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at, games_played, wins, streak
	                                  FROM users WHERE id=?`, id)
	return scanUser(row)
}

// Authenticate returns the user when the password matches.
func (s *Store) Authenticate(ctx context.Context, username, pw string) (*User, error) {
	u, err := s.UserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(pw)) != nil {
		return nil, errors.New("invalid password")
	}
	return u, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &created, &u.GamesPlayed, &u.Wins, &u.Streak); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// validateSignup enforces basic username/password rules.
func validateSignup(u, p string) error {
	if len(u) < 3 || len(u) > 24 {
		return fmt.Errorf("%w: username must be 3-24 chars", ErrInvalidSignup)
	}
	for _, r := range u {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("%w: username: letters, numbers, underscore only", ErrInvalidSignup)
		}
	}
	if len(p) < 8 || len(p) > 72 {
		return fmt.Errorf("%w: password must be 8-72 chars", ErrInvalidSignup)
	}
	return nil
}

// GenID creates a 22-char URL-safe, crypto-random identifier (no padding).
func GenID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
