package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
)

// commandMap lists the external programs the tool is allowed to invoke.
var commandMap = map[string]bool{
	"cat":              true,
	"chown":            true,
	"docker":           true,
	"echo":             true,
	"juju":             true,
	"mv":               true,
	"sh":               true,
	"snap-store-proxy": true,
	"sudo":             true,
	"tar":              true,
}

// Executor runs external commands. Tests swap Default for a MockExecutor.
type Executor interface {
	// Run executes the command and returns its combined output.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Stream executes the command with stdout copied into w.
	Stream(ctx context.Context, w io.Writer, name string, args ...string) error
}

// Default is the executor used by the package-level helpers.
var Default Executor = &HostExecutor{}

// HostExecutor runs commands on the host.
type HostExecutor struct{}

func lookup(name string) (string, error) {
	if !commandMap[name] {
		return "", fmt.Errorf("command %s not found in commandMap", name)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("command %s not found in PATH: %w", name, err)
	}
	return path, nil
}

// CommandString renders a command line for logs and mocks.
func CommandString(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

func (h *HostExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	log := logger.Logger()
	path, err := lookup(name)
	if err != nil {
		return "", err
	}

	cmdStr := CommandString(name, args...)
	log.Debugf("Exec: [%s]", cmdStr)

	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	out := string(output)
	if err != nil {
		if out != "" {
			log.Infof("%s", out)
		}
		return out, fmt.Errorf("failed to exec %s: %w", cmdStr, err)
	}
	if out != "" {
		log.Debugf("%s", out)
	}
	return out, nil
}

func (h *HostExecutor) Stream(ctx context.Context, w io.Writer, name string, args ...string) error {
	log := logger.Logger()
	path, err := lookup(name)
	if err != nil {
		return err
	}

	cmdStr := CommandString(name, args...)
	log.Debugf("Exec: [%s]", cmdStr)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("failed to exec %s: %w: %s", cmdStr, err, msg)
		}
		return fmt.Errorf("failed to exec %s: %w", cmdStr, err)
	}
	return nil
}

// ExecCmd runs a command through Default.
func ExecCmd(ctx context.Context, name string, args ...string) (string, error) {
	return Default.Run(ctx, name, args...)
}

// ExecCmdWithStream runs a command through Default, copying stdout into w.
func ExecCmdWithStream(ctx context.Context, w io.Writer, name string, args ...string) error {
	return Default.Stream(ctx, w, name, args...)
}

// CurrentUser returns $USER, falling back to the numeric uid.
func CurrentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return fmt.Sprintf("%d", os.Getuid())
}
