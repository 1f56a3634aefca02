package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	scriptTimeout   = 60 * time.Second
	scriptCursorEnv = "SENSORPRESS_CURSOR"
	scriptCursorArg = "--cursor"
)

// ScriptSource runs an external command that prints a JSON array of records,
// newest first, on stdout. The cursor is handed to the command as
// SENSORPRESS_CURSOR and as a trailing --cursor argument.
type ScriptSource struct {
	meta
	command string
	args    []string
}

// NewScript creates a script source. command must be non-empty.
func NewScript(m meta, command string, args []string) (*ScriptSource, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("script: command is required")
	}
	return &ScriptSource{meta: m, command: command, args: args}, nil
}

func (s *ScriptSource) FetchNew(ctx context.Context, cursor string) ([]Record, error) {
	records, err := s.run(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return newerThan(records, cursor), nil
}

func (s *ScriptSource) FetchAll(ctx context.Context) ([]Record, error) {
	return s.run(ctx, "")
}

func (s *ScriptSource) run(ctx context.Context, cursor string) ([]Record, error) {
	if strings.ContainsRune(s.command, os.PathSeparator) {
		info, err := os.Stat(s.command)
		if err != nil {
			return nil, fmt.Errorf("script: command not found: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("script: %s is a directory, not a command", s.command)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	args := append([]string(nil), s.args...)
	if cursor != "" {
		args = append(args, scriptCursorArg, cursor)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Env = append(os.Environ(), scriptCursorEnv+"="+cursor)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("script: run %s: %w (stderr: %s)", s.command, err, strings.TrimSpace(stderr.String()))
	}

	return parseRecords(stdout.Bytes())
}

// parseRecords decodes the command output. Empty output means no records.
func parseRecords(out []byte) ([]Record, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("script: decode output: %w", err)
	}
	return records, nil
}
