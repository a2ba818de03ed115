package cmd

import "fmt"

// SilentExit ends the command with Code without printing an error. The
// command has already told the user what happened.
type SilentExit struct {
	Code int
}

func (e *SilentExit) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// NewSilentExit returns a SilentExit for code.
func NewSilentExit(code int) *SilentExit {
	return &SilentExit{Code: code}
}
