// Package prompt implements the line-oriented terminal prompts used by the
// setup wizard and the key hashing command.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
	closed  bool
}

// Stdio returns a Prompter bound to the process terminal.
func Stdio() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Closed reports whether the input has been exhausted. Looping prompts
// fall back to their default once this is true.
func (p *Prompter) Closed() bool { return p.closed }

func (p *Prompter) line() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		p.closed = true
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one line, returning def on an empty answer.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// Secret reads a line without echo when In is a terminal.
func (p *Prompter) Secret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// NewSecret asks for a secret twice and repeats until both entries match
// and the value has at least minLen characters. An empty first entry
// returns "" so callers can treat the secret as optional.
func (p *Prompter) NewSecret(question string, minLen int) string {
	for {
		first := p.Secret(question)
		if first == "" || p.closed {
			return first
		}
		if len(first) < minLen {
			p.printf("  Must be at least %d characters.\n", minLen)
			continue
		}
		if p.Secret("Repeat "+strings.ToLower(question[:1])+question[1:]) != first {
			if p.closed {
				return ""
			}
			p.printf("  Entries do not match.\n")
			continue
		}
		return first
	}
}

// Port asks for a TCP port in 1..65535.
func (p *Prompter) Port(question string, def int) int {
	return p.intIn(question, def, 1, 65535)
}

// Int asks for an integer of at least minVal.
func (p *Prompter) Int(question string, def, minVal int) int {
	return p.intIn(question, def, minVal, int(^uint(0)>>1))
}

func (p *Prompter) intIn(question string, def, lo, hi int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def)))
		if p.closed {
			return def
		}
		if err == nil && n >= lo && n <= hi {
			return n
		}
		if hi == int(^uint(0)>>1) {
			p.printf("  Please enter a number of at least %d.\n", lo)
		} else {
			p.printf("  Please enter a number between %d and %d.\n", lo, hi)
		}
	}
}

// Duration asks for a Go duration such as 30s or 1h.
func (p *Prompter) Duration(question string, def time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, def.String()))
		if p.closed {
			return def
		}
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Please enter a duration like 30s, 5m or 1h.\n")
	}
}

// Choose lists options and returns the chosen one. The answer may be the
// option's number or its name.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		ans := p.Ask("Choice", strconv.Itoa(def+1))
		if p.closed {
			return options[def]
		}
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
