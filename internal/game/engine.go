// internal/game/engine.go
//
// Game controller for a single number-guessing round.
// Responsibilities:
//   - Produce the initial "no game yet" state.
//   - Reduce (state, action) into the next state: input edits, new rounds, scoring.
//   - Pick secrets uniformly in [0, SecretRange).
//
// Notes:
//   - Reduce is pure apart from the secret source, which runs exactly once per StartNewGame.
//   - Guesses are never rejected: text that does not parse becomes NaN and simply never wins.
//   - Permitted is the host-side guard; Reduce itself stays unconditional.
package game

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

const newGameFeedback = "Secret Number Generated. Good luck guessing it!"

// ErrNotPermitted is returned by Permitted when the state's control flags
// do not allow the action.
var ErrNotPermitted = errors.New("action not permitted")

// SecretSource yields the hidden number for a new round.
type SecretSource func() int

// GenerateSecret returns a uniformly distributed integer in [0, SecretRange).
func GenerateSecret() int {
	return rand.IntN(SecretRange)
}

// Controller reduces actions into states using its secret source.
type Controller struct {
	secret SecretSource
}

// NewController returns a Controller drawing secrets from src.
// A nil src falls back to GenerateSecret.
func NewController(src SecretSource) *Controller {
	if src == nil {
		src = GenerateSecret
	}
	return &Controller{secret: src}
}

var defaultController = NewController(nil)

// Reduce applies a to s with the default secret source.
func Reduce(s State, a Action) State {
	return defaultController.Reduce(s, a)
}

// Initial is the state before any round: starting allowed, guessing locked.
func Initial() State {
	return State{
		CanStartNewGame: true,
		AcceptingInput:  false,
		CanSubmitGuess:  false,
	}
}

// Reduce applies a to s and returns the next state.
func (c *Controller) Reduce(s State, a Action) State {
	next, _ := c.Step(s, a)
	return next
}

// Step is Reduce that also reports which branch fired.
// Unknown or nil actions return a copy of s with EventNone.
func (c *Controller) Step(s State, a Action) (State, Event) {
	next := s.Clone()

	switch act := a.(type) {
	case SetPendingGuess:
		next.PendingGuess = act.Text
		return next, EventInputChanged

	case StartNewGame:
		secret := c.drawSecret()
		next.CanStartNewGame = false
		next.AcceptingInput = true
		next.CanSubmitGuess = true
		next.Feedback = ptr(newGameFeedback)
		next.TrialsRemaining = TrialBudget
		next.SecretNumber = &secret
		next.PendingGuess = ""
		return next, EventStarted

	case SubmitGuess:
		return submit(next, act.Text)
	}
	return next, EventNone
}

// submit scores a guess. next is already a private copy.
func submit(next State, text string) (State, Event) {
	guess := parseGuess(text)
	remaining := next.TrialsRemaining - 1

	if next.SecretNumber != nil && guess == float64(*next.SecretNumber) {
		next.CanStartNewGame = true
		next.AcceptingInput = false
		next.CanSubmitGuess = false
		next.Feedback = ptr(fmt.Sprintf("You Win! Your score is %d%%", next.TrialsRemaining*10))
		return next, EventWon
	}

	if remaining == 0 {
		next.CanStartNewGame = true
		next.AcceptingInput = false
		next.CanSubmitGuess = false
		next.Feedback = ptr("You Lost. The secret number was " + formatSecret(next.SecretNumber))
		next.TrialsRemaining = TrialBudget
		return next, EventLost
	}

	secret := 0
	if next.SecretNumber != nil {
		secret = *next.SecretNumber
	}
	ev := EventTooLow
	msg := formatGuess(guess) + " is too low"
	if guess > float64(secret) {
		ev = EventTooHigh
		msg = formatGuess(guess) + " is too high"
	}
	next.Feedback = &msg
	next.TrialsRemaining = remaining
	return next, ev
}

// drawSecret folds whatever the source returns into [0, SecretRange).
func (c *Controller) drawSecret() int {
	n := c.secret() % SecretRange
	if n < 0 {
		n += SecretRange
	}
	return n
}

// parseGuess reads decimal notation (optionally signed, fractional or with an
// exponent). Anything else, the empty string included, is NaN.
func parseGuess(text string) float64 {
	t := strings.TrimSpace(text)
	switch t {
	case "":
		return math.NaN()
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	// ParseFloat also knows "inf", "nan", hex floats and underscores.
	if strings.ContainsAny(t, "iInNxXpP_") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return f
}

func formatGuess(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	// Plain decimals in [1e-6, 1e21), shortest exponent form outside it.
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits
}

func formatSecret(n *int) string {
	if n == nil {
		return "null"
	}
	return strconv.Itoa(*n)
}

// Permitted reports whether the control flags of s allow a.
// Anything but the three action values, nil included, is refused.
// Hosts call it before dispatching; Reduce does not.
func Permitted(s State, a Action) error {
	var ok bool
	switch a.(type) {
	case SetPendingGuess:
		ok = s.AcceptingInput
	case StartNewGame:
		ok = s.CanStartNewGame
	case SubmitGuess:
		ok = s.CanSubmitGuess
	default:
		ok = false
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPermitted, ActionName(a))
	}
	return nil
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.Feedback != nil {
		out.Feedback = ptr(*s.Feedback)
	}
	if s.SecretNumber != nil {
		out.SecretNumber = ptr(*s.SecretNumber)
	}
	return out
}

// Playing reports whether a round is in progress.
func (s State) Playing() bool {
	return s.SecretNumber != nil && s.CanSubmitGuess
}

// View is the copy of s handed to clients: the secret stays hidden while a
// round is in progress.
func (s State) View() State {
	out := s.Clone()
	if s.Playing() {
		out.SecretNumber = nil
	}
	return out
}

func ptr[T any](v T) *T { return &v }
