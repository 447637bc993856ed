// Package setup implements the interactive first-run wizard that writes the
// BookingSync configuration and optionally installs the daemon as a systemd
// user service.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter provides reusable terminal prompts backed by an io.Reader/Writer
// pair. In production these are os.Stdin and os.Stdout; tests inject buffers.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
	eof     bool
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// String prompts for a text value. Enter alone returns defaultVal; an empty
// defaultVal makes the field required and the prompt repeats.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.scan()
		if !ok {
			return defaultVal
		}
		if val == "" {
			if defaultVal != "" {
				return defaultVal
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Secret prompts for a sensitive value such as the API key. Input is not
// masked. When current is non-empty, Enter keeps it and only a masked hint
// is shown.
func (p *Prompter) Secret(label, current string) string {
	for {
		if current != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, mask(current))
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		val, ok := p.scan()
		if !ok {
			return current
		}
		if val == "" {
			if current != "" {
				return current
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Confirm asks a yes/no question. defaultYes decides what Enter alone means.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	answer, ok := p.scan()
	if !ok {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

// Int prompts for an integer in [lo, hi], repeating until one is given.
func (p *Prompter) Int(label string, defaultVal, lo, hi int) int {
	for {
		raw := p.String(fmt.Sprintf("%s (%d–%d)", label, lo, hi), strconv.Itoa(defaultVal))
		n, err := strconv.Atoi(raw)
		if err == nil && n >= lo && n <= hi {
			return n
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a whole number between %d and %d)\n", lo, hi)
		if p.eof {
			return defaultVal
		}
	}
}

// Duration prompts for a Go duration ("30s", "5m") in [lo, hi]. A hi of zero
// means no upper bound.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	rng := fmt.Sprintf("min %s", lo)
	if hi > 0 {
		rng = fmt.Sprintf("%s–%s", lo, hi)
	}
	for {
		raw := p.String(fmt.Sprintf("%s (%s)", label, rng), defaultVal.String())
		d, err := time.ParseDuration(raw)
		if err == nil && d >= lo && (hi == 0 || d <= hi) {
			return d
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a duration such as 30s or 5m, within %s)\n", rng)
		if p.eof {
			return defaultVal
		}
	}
}

// scan reads the next line, remembering when input has run out.
func (p *Prompter) scan() (string, bool) {
	if p.eof || !p.scanner.Scan() {
		p.eof = true
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
