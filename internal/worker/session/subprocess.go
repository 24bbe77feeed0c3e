package session

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/model"
)

// SubprocessLauncher runs trusted sessions as child processes of the
// worker. The command line comes from configuration and gets the
// session address appended.
type SubprocessLauncher struct {
	cfg *config.SessionConfig
}

func NewSubprocessLauncher(cfg *config.SessionConfig) *SubprocessLauncher {
	return &SubprocessLauncher{cfg: cfg}
}

func (l *SubprocessLauncher) Launch(ctx context.Context, sess model.Session) (Handle, error) {
	parts := strings.Fields(l.cfg.COMMAND)
	if len(parts) == 0 {
		return nil, fmt.Errorf("session command is empty")
	}

	args := append(parts[1:],
		"--protocol", sess.Protocol,
		"--ip", sess.IP,
		"--port", strconv.Itoa(sess.Port),
	)
	cmd := exec.Command(parts[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &subprocessHandle{cmd: cmd}, nil
}

type subprocessHandle struct {
	cmd *exec.Cmd
}

// Destroy kills the child. The process may already have exited, which
// is fine.
func (h *subprocessHandle) Destroy(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	_ = h.cmd.Process.Kill()
	_ = h.cmd.Wait()
	return nil
}
