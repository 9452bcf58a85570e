package auth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Command obtains a token by running an external command and reading its
// standard output. JWT outputs are cached until shortly before they expire.
type Command struct {
	cmd   []string
	cache cache
}

func NewCommand(command string) (*Command, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse token command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("token command empty")
	}
	return &Command{cmd: args}, nil
}

func (c *Command) Token(ctx context.Context) (string, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if token, ok := c.cache.get(); ok {
		return token, nil
	}

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("token command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	token := strings.TrimSpace(stdout.String())
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("token command produced no output")
	}
	c.cache.put(token, time.Time{})
	return token, nil
}
