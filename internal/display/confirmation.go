package display

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotConfirmed is returned when the operator declines or input is not
// interactive
var ErrNotConfirmed = errors.New("operation not confirmed")

// ConfirmationDialog asks the operator to type a phrase before a destructive
// operation
type ConfirmationDialog struct {
	Title   string
	Details []string
	// Phrase must be typed back exactly
	Phrase string

	colors      *ColorSystem
	writer      io.Writer
	reader      *bufio.Reader
	interactive bool
}

// NewConfirmationDialog creates a dialog reading from stdin
func (p *Printer) NewConfirmationDialog(title, phrase string) *ConfirmationDialog {
	return &ConfirmationDialog{
		Title:       title,
		Phrase:      phrase,
		colors:      p.colors,
		writer:      p.out,
		reader:      bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// WithInput replaces stdin, marking the dialog interactive
func (cd *ConfirmationDialog) WithInput(r io.Reader) *ConfirmationDialog {
	cd.reader = bufio.NewReader(r)
	cd.interactive = true
	return cd
}

// AddDetails adds lines shown under the warning
func (cd *ConfirmationDialog) AddDetails(details ...string) *ConfirmationDialog {
	cd.Details = append(cd.Details, details...)
	return cd
}

// Confirm shows the dialog and returns the typed phrase, which doubles as the
// confirmation token
func (cd *ConfirmationDialog) Confirm() (string, error) {
	if !cd.interactive {
		return "", fmt.Errorf("%w: stdin is not a terminal, pass --confirm", ErrNotConfirmed)
	}

	theme := cd.colors.Theme()
	fmt.Fprintln(cd.writer)
	fmt.Fprintln(cd.writer, cd.colors.Colorize("! DESTRUCTIVE OPERATION: "+cd.Title, theme.Error))
	for _, line := range cd.Details {
		fmt.Fprintf(cd.writer, "  %s\n", line)
	}
	fmt.Fprintf(cd.writer, "Type %s to continue: ", cd.colors.Colorize(cd.Phrase, theme.Warning))

	input, err := cd.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	input = strings.TrimSpace(input)
	if input != cd.Phrase {
		return "", ErrNotConfirmed
	}
	return input, nil
}
