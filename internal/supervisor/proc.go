package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// StartTimeout is how long a tool server has to answer its health
	// check after spawn.
	StartTimeout = 10 * time.Second

	// StopTimeout is how long a tool server gets to exit after SIGTERM
	// before it is killed.
	StopTimeout = 5 * time.Second

	// RestartBudget and RestartWindow bound crash-looping: a server
	// that crashes more than RestartBudget times within RestartWindow
	// stays crashed until started by hand.
	RestartBudget = 3
	RestartWindow = 60 * time.Second

	healthPollInterval = 100 * time.Millisecond
)

// process is one live tool server child.
type process struct {
	cmd  *exec.Cmd
	port int

	// stopping marks an intentional shutdown so the exit monitor does
	// not treat it as a crash.
	stopping bool

	done chan struct{}
	log  *os.File
}

// defaultCommand re-execs the current binary in tool server mode.
func defaultCommand(record ServerRecord, port int, backendAddr string) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = "kbmcp"
	}
	return exec.Command(exe, "toolserver",
		"--id", record.ID,
		"--port", fmt.Sprintf("%d", port),
		"--backend", backendAddr)
}

// defaultHealthy probes the child's health endpoint.
func defaultHealthy(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// spawn launches the child and returns once it is running. The child's
// output goes to <logsDir>/<id>.log.
func (s *Supervisor) spawn(ctx context.Context, record ServerRecord, port int) (*process, error) {
	cmd := s.command(record, port, s.backendAddr)

	var logFile *os.File
	if s.logsDir != "" {
		if err := os.MkdirAll(s.logsDir, 0o755); err == nil {
			path := filepath.Join(s.logsDir, record.ID+".log")
			logFile, _ = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, err
	}

	p := &process{cmd: cmd, port: port, done: make(chan struct{}), log: logFile}
	go func() {
		_ = cmd.Wait()
		if p.log != nil {
			_ = p.log.Close()
		}
		close(p.done)
	}()
	return p, nil
}

// awaitHealthy polls the health probe until the child answers or the
// start timeout elapses. A child that exits while we wait fails fast.
func (s *Supervisor) awaitHealthy(ctx context.Context, p *process) error {
	deadline := time.Now().Add(StartTimeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthPollInterval)
		ok := s.healthy(probeCtx, p.port)
		cancel()
		if ok {
			return nil
		}

		select {
		case <-p.done:
			return fmt.Errorf("exited during startup: %s", exitDescription(p.cmd))
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not healthy after %s", StartTimeout)
		}
	}
}

// terminate asks the child to exit, escalating to SIGKILL after the
// stop timeout.
func terminate(p *process) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(StopTimeout):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// exitDescription renders a finished command's exit state.
func exitDescription(cmd *exec.Cmd) string {
	if cmd.ProcessState == nil {
		return "unknown exit"
	}
	return cmd.ProcessState.String()
}

// exitedCleanly reports whether the finished child exited with code 0.
func exitedCleanly(cmd *exec.Cmd) bool {
	return cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 0
}
