// Command play is a terminal front end for the guessing game. It holds the
// game state itself and feeds every keystroke-level action through the
// reducer, the same way the HTTP host does for its sessions.
//
//	n        start a new game
//	<number> guess
//	q        quit
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/game"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := run(os.Stdin, os.Stdout, game.NewController(nil)); err != nil {
		log.Fatal().Err(err).Msg("play")
	}
}

func run(in io.Reader, out io.Writer, ctrl *game.Controller) error {
	state := game.Initial()
	sc := bufio.NewScanner(in)

	fmt.Fprintln(out, "GUESS A NUMBER BETWEEN 0 AND 100")
	render(out, state)

	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())

		var a game.Action
		switch strings.ToLower(line) {
		case "q", "quit":
			return nil
		case "n", "new":
			a = game.StartNewGame{}
		default:
			// Typing into the field, then pressing GUESS.
			if err := game.Permitted(state, game.SetPendingGuess{Text: line}); err != nil {
				fmt.Fprintln(out, "press n to start a new game")
				continue
			}
			state = ctrl.Reduce(state, game.SetPendingGuess{Text: line})
			a = game.SubmitGuess{Text: state.PendingGuess}
		}

		if err := game.Permitted(state, a); err != nil {
			fmt.Fprintln(out, "finish this round first")
			continue
		}
		state = ctrl.Reduce(state, a)
		render(out, state)
	}
}

func render(out io.Writer, s game.State) {
	if s.Feedback != nil {
		fmt.Fprintln(out, *s.Feedback)
	}
	switch {
	case s.CanSubmitGuess:
		fmt.Fprintf(out, "%d TRIALS REMAINING\n", s.TrialsRemaining)
	case s.CanStartNewGame:
		fmt.Fprintln(out, "n: NEW GAME   q: QUIT")
	}
}
