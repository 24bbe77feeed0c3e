package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Subprocess is the embedded base for handlers that shell out to an
// external binary. The binary's stderr is expected to carry one JSON
// log entry per line; lines that do not parse are logged verbatim.
type Subprocess struct {
	Job
}

func (s *Subprocess) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.WorkDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	s.collectStderr(&stderr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Subprocess) collectStderr(stderr *bytes.Buffer) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry LogEntry
		if json.Unmarshal(line, &entry) == nil && entry.Message != "" {
			if entry.Time.IsZero() {
				entry.Time = time.Now().UTC()
			}
			s.entries = append(s.entries, entry)
			continue
		}
		s.Info("%s", line)
	}
}
