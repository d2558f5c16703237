package cli

import (
	"fmt"
	"io"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// PrintError writes err to w. KlyveErrors use their what/why/fix form;
// verbose adds the code and cause.
func PrintError(w io.Writer, err error, verbose bool) {
	if kErr := kerrors.AsKlyveError(err); kErr != nil {
		fmt.Fprintln(w, kErr.UserMessage())
		if verbose {
			fmt.Fprintf(w, "\nCode: %s\n", kErr.Code)
			if kErr.Cause != nil {
				fmt.Fprintf(w, "Cause: %v\n", kErr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if kErr := kerrors.AsKlyveError(err); kErr != nil {
		return kErr.Category().ExitCode()
	}
	return 1
}
