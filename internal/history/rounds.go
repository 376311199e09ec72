// internal/history/rounds.go
//
// SQLite ledger of played rounds.
// Only outcomes are recorded (guess count, score, revealed secret); the live
// game state stays with the session host and is never restored from here.

package history

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Round statuses.
const (
	StatusPlaying = "playing"
	StatusWon     = "won"
	StatusLost    = "lost"
)

// Owner identifies who played a round: a user, or a guest cookie.
type Owner struct {
	UserID      string
	AnonymousID string
}

// Round is one row of the rounds table.
type Round struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Guesses    int    `json:"guesses"`
	Score      *int   `json:"score,omitempty"`
	Secret     *int   `json:"secret,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// LBRow is one leaderboard entry.
type LBRow struct {
	Player   string `json:"player"`
	Score    int    `json:"score"`
	Guesses  int    `json:"guesses"`
	RoundID  string `json:"roundId"`
	Finished string `json:"finishedAt"`
}

// Store wraps the database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a Store over an already migrated database.
func NewStore(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// StartRound inserts a playing row for a fresh round.
func (s *Store) StartRound(ctx context.Context, roundID, sessionID string, o Owner) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rounds (id, session_id, user_id, anonymous_id, status, started_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		roundID, sessionID, nullable(o.UserID), nullable(o.AnonymousID), StatusPlaying, s.stamp(),
	)
	return err
}

// RecordGuess bumps the guess counter of a round still in play.
func (s *Store) RecordGuess(ctx context.Context, roundID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET guesses = guesses + 1 WHERE id=? AND status=?`, roundID, StatusPlaying)
	return err
}

// FinishRound closes a round and, when a user owns it, updates their stats
// in the same transaction. Finishing an already finished round is a no-op.
func (s *Store) FinishRound(ctx context.Context, roundID string, won bool, score, secret int) error {
	status := StatusLost
	if won {
		status = StatusWon
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        UPDATE rounds SET status=?, score=?, secret=?, finished_at=?
        WHERE id=? AND status=?`,
		status, score, secret, s.stamp(), roundID, StatusPlaying,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	var userID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM rounds WHERE id=?`, roundID).Scan(&userID); err != nil {
		return err
	}
	if userID.Valid {
		if err := bumpStats(ctx, tx, userID.String, won); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// bumpStats increments games played; updates wins and streak based on result (within tx).
func bumpStats(ctx context.Context, tx *sql.Tx, userID string, won bool) error {
	var gp, wins, streak int
	row := tx.QueryRowContext(ctx, `SELECT games_played, wins, streak FROM users WHERE id=?`, userID)
	if err := row.Scan(&gp, &wins, &streak); err != nil {
		return err
	}
	gp++
	if won {
		wins++
		streak++
	} else {
		streak = 0
	}
	_, err := tx.ExecContext(ctx, `UPDATE users SET games_played=?, wins=?, streak=? WHERE id=?`, gp, wins, streak, userID)
	return err
}

// RoundsFor lists the most recent rounds of an owner, newest first.
func (s *Store) RoundsFor(ctx context.Context, o Owner, limit int) ([]Round, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, arg := `user_id=?`, o.UserID
	if o.UserID == "" {
		clause, arg = `anonymous_id=?`, o.AnonymousID
	}
	if arg == "" {
		return nil, errors.New("history: empty owner")
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, status, guesses, score, secret, started_at, COALESCE(finished_at, '')
        FROM rounds WHERE `+clause+`
        ORDER BY started_at DESC LIMIT ?`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Round{}
	for rows.Next() {
		var r Round
		var score, secret sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Status, &r.Guesses, &score, &secret, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		// The secret of a round in play is never handed out.
		if r.Status != StatusPlaying {
			r.Score = intPtr(score)
			r.Secret = intPtr(secret)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

/**
 * Leaderboard fetches the best won rounds.
 *
 * - Ordered by score DESC, then guesses ASC, then finished_at ASC.
 * - Guest rounds are listed as "guest".
 * - Default limit is 20 if not specified.
 */
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LBRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT COALESCE(u.username, 'guest'), r.score, r.guesses, r.id, r.finished_at
        FROM rounds r LEFT JOIN users u ON u.id = r.user_id
        WHERE r.status = ?
        ORDER BY r.score DESC, r.guesses ASC, r.finished_at ASC
        LIMIT ?`, StatusWon, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LBRow, 0, limit)
	for rows.Next() {
		var r LBRow
		if err := rows.Scan(&r.Player, &r.Score, &r.Guesses, &r.RoundID, &r.Finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimAnonymous transfers guest rounds to a user account after auth.
func (s *Store) ClaimAnonymous(ctx context.Context, anonID, userID string) error {
	if anonID == "" || userID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET user_id=?, anonymous_id=NULL WHERE anonymous_id=?`, userID, anonID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
