package translator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"
)

var log = ctrl.Log.WithName("translator")

// Command translates by running an external program. The prompt is written
// to stdin and the document is read from stdout.
type Command struct {
	Path string
	Args []string
	Env  []string // Extra KEY=VALUE entries on top of the current environment
	Dir  string
}

// NewCommand creates a Command translator from a command line
func NewCommand(commandLine string) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("translator command is empty")
	}
	return &Command{Path: fields[0], Args: fields[1:]}, nil
}

// Translate runs the command and returns its output
func (c *Command) Translate(ctx context.Context, prompt string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.V(1).Info("Running translator", "command", c.Path, "promptBytes", len(prompt))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("translator %s: %w", c.Path, ctxErr)
		}
		return nil, fmt.Errorf("translator %s failed: %w\n[Stderr]: %s", c.Path, err, strings.TrimSpace(stderr.String()))
	}

	output := UnwrapFenced(stdout.Bytes())
	if len(output) == 0 {
		return nil, fmt.Errorf("translator %s produced no output", c.Path)
	}
	return output, nil
}
