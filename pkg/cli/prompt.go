// Package cli provides interactive terminal prompts for setup commands.
package cli

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

// Prompter reads answers line by line from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Printf writes to Out, ignoring errors.
func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

func (p *Prompter) line() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

// Ask reads one answer; an empty answer selects def.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.Printf("%s: ", question)
	} else {
		p.Printf("%s [%s]: ", question, def)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// Secret reads an answer without echo when In is a terminal and as a plain
// line otherwise.
func (p *Prompter) Secret(question string) string {
	p.Printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.Printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// Int asks until a positive integer is given.
func (p *Prompter) Int(question string, def int) int {
	for {
		if n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def))); err == nil && n > 0 {
			return n
		}
		p.Printf("  Please enter a positive number.\n")
	}
}

// Duration asks until a positive Go duration (e.g. "30s") is given.
func (p *Prompter) Duration(question string, def time.Duration) time.Duration {
	for {
		if d, err := time.ParseDuration(p.Ask(question, def.String())); err == nil && d > 0 {
			return d
		}
		p.Printf("  Please enter a duration such as 30s or 2m.\n")
	}
}

// Choose lists options and returns the one picked by number.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.Printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.Printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.Printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(question+" ["+hint+"]", ""))
	if ans == "" {
		return def
	}
	return strings.HasPrefix(ans, "y")
}
