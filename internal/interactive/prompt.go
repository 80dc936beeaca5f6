// Package interactive asks the operator at a terminal to accept license
// agreements.
package interactive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// Response is the operator's answer to one prompt.
type Response int

const (
	ResponseNo   Response = iota // reject this agreement
	ResponseYes                  // accept this agreement
	ResponseAll                  // accept this and every remaining agreement
	ResponseQuit                 // reject this and every remaining agreement
)

// maxEulaPreview is the number of characters of license text shown before
// the operator is asked to decide.
const maxEulaPreview = 4000

// Prompter is an updater.EulaGate that asks on in/out. Prompts are
// serialized; once the operator answers "all" or "quit" no further prompts
// are shown.
type Prompter struct {
	out   io.Writer
	lines chan string

	mu     sync.Mutex
	sticky *updater.EulaDecision
}

// NewPrompter prompts on stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO prompts on custom input and output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{out: out, lines: make(chan string)}
	go p.readLines(in)
	return p
}

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readLines feeds lines to prompts so a cancelled prompt does not leave a
// blocked read behind. The channel is closed at EOF.
func (p *Prompter) readLines(in io.Reader) {
	defer close(p.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// Resolve shows the agreement and waits for an answer. EOF and invalid
// input reject.
func (p *Prompter) Resolve(ctx context.Context, eula updater.Eula) (updater.EulaDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sticky != nil {
		return *p.sticky, nil
	}

	vendor := eula.Vendor
	if vendor == "" {
		vendor = "the vendor"
	}
	fmt.Fprintf(p.out, "\n%s requires accepting a license agreement from %s:\n\n", eula.ComponentID, vendor)
	fmt.Fprintln(p.out, preview(eula.Text))

	resp, err := p.prompt(ctx, "Accept the license for %s?", eula.ComponentID)
	if err != nil {
		return updater.EulaRejected, err
	}

	switch resp {
	case ResponseYes:
		return updater.EulaAccepted, nil
	case ResponseAll:
		d := updater.EulaAccepted
		p.sticky = &d
		return d, nil
	case ResponseQuit:
		d := updater.EulaRejected
		p.sticky = &d
		fmt.Fprintln(p.out, "Rejecting all remaining agreements.")
		return d, nil
	default:
		return updater.EulaRejected, nil
	}
}

func (p *Prompter) prompt(ctx context.Context, format string, args ...any) (Response, error) {
	fmt.Fprintf(p.out, format, args...)
	fmt.Fprint(p.out, " [y/n/a/q] ")

	var line string
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return ResponseNo, ctx.Err()
	case l, ok := <-p.lines:
		if !ok {
			return ResponseQuit, nil
		}
		line = l
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return ResponseYes, nil
	case "n", "no":
		return ResponseNo, nil
	case "a", "all":
		return ResponseAll, nil
	case "q", "quit":
		return ResponseQuit, nil
	default:
		fmt.Fprintln(p.out, "Invalid response, rejecting.")
		return ResponseNo, nil
	}
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxEulaPreview {
		return text
	}
	return string(r[:maxEulaPreview]) + "\n[...]"
}
