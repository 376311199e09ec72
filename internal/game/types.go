// internal/game/types.go
//
// Core type definitions for the number-guessing game controller.
// Defines:
//   - State:  the full value a host threads through Reduce.
//   - Action: closed set of player actions (SetPendingGuess, StartNewGame, SubmitGuess).
//   - Event:  which branch of the reduction fired (for hosts: history, metrics).

package game

const (
	// SecretRange is the exclusive upper bound of the hidden number.
	SecretRange = 100
	// TrialBudget is the number of guesses granted per round.
	TrialBudget = 10
)

// State holds everything the presentation layer renders.
// It is replaced whole on every transition and never modified in place.
type State struct {
	CanStartNewGame bool    `json:"canStartNewGame"`
	AcceptingInput  bool    `json:"acceptingInput"`
	CanSubmitGuess  bool    `json:"canSubmitGuess"`
	Feedback        *string `json:"feedback"`        // nil before the first round
	TrialsRemaining int     `json:"trialsRemaining"` // 0..TrialBudget
	SecretNumber    *int    `json:"secretNumber"`    // nil before the first round
	PendingGuess    string  `json:"pendingGuess"`
}

// Action is a player action. The unexported method keeps other packages from
// declaring new variants, but pointers to the variants and structs embedding
// one still satisfy it; Step and Permitted treat those as unknown.
type Action interface {
	actionName() string
}

// SetPendingGuess mirrors an edit of the guess input field.
type SetPendingGuess struct {
	Text string
}

// StartNewGame begins a fresh round.
type StartNewGame struct{}

// SubmitGuess scores Text against the secret.
type SubmitGuess struct {
	Text string
}

func (SetPendingGuess) actionName() string { return "SetPendingGuess" }
func (StartNewGame) actionName() string    { return "StartNewGame" }
func (SubmitGuess) actionName() string     { return "SubmitGuess" }

// ActionName reports the tag of a; "unknown" for nil.
func ActionName(a Action) string {
	if a == nil {
		return "unknown"
	}
	return a.actionName()
}

// Event reports which branch of a transition fired.
type Event string

const (
	EventNone         Event = "none"
	EventInputChanged Event = "input_changed"
	EventStarted      Event = "started"
	EventTooHigh      Event = "too_high"
	EventTooLow       Event = "too_low"
	EventWon          Event = "won"
	EventLost         Event = "lost"
)

// Finished reports whether e ends a round.
func (e Event) Finished() bool { return e == EventWon || e == EventLost }
