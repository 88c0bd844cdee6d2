package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var ErrNoTerminal = errors.New("passphrase: no terminal available")

// Source resolves a keystore passphrase once, from an environment variable or
// an interactive prompt, and caches the result.
type Source struct {
	envVar string
	label  string
	lookup func(string) (string, bool)
	prompt func(label string) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource reads envVar before falling back to prompting for label on the
// controlling terminal.
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: readTerminal,
	}
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		raw, err := s.prompt(s.label)
		if errors.Is(err, ErrNoTerminal) && s.envVar != "" {
			s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			return
		}
		if err != nil {
			s.err = err
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}

func readTerminal(label string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoTerminal
	}
	fmt.Fprintf(os.Stderr, "Enter %s passphrase: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return raw, nil
}
