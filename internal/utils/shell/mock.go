package shell

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
)

// MockCommand maps a command-line regular expression to a canned result.
type MockCommand struct {
	Pattern string
	Output  string
	Error   error
}

// MockExecutor answers commands from a list of MockCommand entries and
// records every command line it receives.
type MockExecutor struct {
	mu       sync.Mutex
	commands []MockCommand
	calls    []string
}

func NewMockExecutor(commands []MockCommand) *MockExecutor {
	return &MockExecutor{commands: commands}
}

func (m *MockExecutor) match(cmdStr string) (MockCommand, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmdStr)
	m.mu.Unlock()

	for _, c := range m.commands {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return MockCommand{}, fmt.Errorf("bad mock pattern %q: %w", c.Pattern, err)
		}
		if re.MatchString(cmdStr) {
			return c, nil
		}
	}
	return MockCommand{}, fmt.Errorf("no mock command matches %q", cmdStr)
}

func (m *MockExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	c, err := m.match(CommandString(name, args...))
	if err != nil {
		return "", err
	}
	return c.Output, c.Error
}

func (m *MockExecutor) Stream(ctx context.Context, w io.Writer, name string, args ...string) error {
	c, err := m.match(CommandString(name, args...))
	if err != nil {
		return err
	}
	if c.Error != nil {
		return c.Error
	}
	_, err = io.WriteString(w, c.Output)
	return err
}

// Calls returns the recorded command lines in invocation order.
func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
