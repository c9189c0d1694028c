package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess    = 0 // Selection produced a result
	ExitNoWinner   = 1 // Selection ran but no eligible candidate exists
	ExitError      = 2 // Configuration or runtime error
)

// NoWinnerError indicates that selection ran cleanly, but no group survived
// the eligibility guards.
type NoWinnerError struct {
	Message string
}

func (e *NoWinnerError) Error() string {
	return e.Message
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var noWinner *NoWinnerError
		if errors.As(err, &noWinner) {
			os.Exit(ExitNoWinner)
		}

		// All other errors are configuration/runtime errors
		os.Exit(ExitError)
	}
}
