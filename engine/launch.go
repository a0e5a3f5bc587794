package engine

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LaunchConfig describes a debuggee process to spawn. It is consumed only
// by Launch; the Session itself never looks past the ProcessHandle
// interface it returns.
type LaunchConfig struct {
	Exe        string
	Script     string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Port       int
}

// launchedProcess is the default ProcessHandle: a process started with
// --debug-brk=<port>, tracked for Kill/ExitCode.
type launchedProcess struct {
	cmd  *exec.Cmd
	log  *zap.Logger
	done chan struct{} // closed once wait() records the exit state

	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
}

// Launch starts the debuggee per LaunchConfig and returns a ProcessHandle
// plus the duplex stream is left to the caller to dial once the process is
// listening — Launch only owns the process lifetime, not the socket.
func Launch(cfg LaunchConfig, log *zap.Logger) (ProcessHandle, error) {
	if log == nil {
		log = zap.NewNop()
	}
	exe := cfg.Exe
	if exe == "" {
		exe = "node"
	}

	args := append([]string{fmt.Sprintf("--debug-brk=%d", cfg.Port), cfg.Script}, cfg.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Dir = cfg.WorkingDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Env, encodeEnv(cfg.Env)...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("nodedebug: launch failed: %w", err)
	}

	lp := &launchedProcess{cmd: cmd, log: log.Named("launch"), done: make(chan struct{})}
	go lp.wait()
	return lp, nil
}

// encodeEnv conveys the launch environment as ordinary KEY=VALUE pairs for
// os/exec. The NUL-separated wire form from spec.md §6 is this process's
// own convention for passing the vector to a *child* launcher binary, not
// exec.Cmd.Env — keep the two encodings distinct: EncodeEnvVector below
// produces the wire form for callers that shell out through an
// intermediary launcher rather than os/exec directly.
func encodeEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// EncodeEnvVector renders an environment map as the NUL-separated
// KEY=VALUE string spec.md §6 specifies for launcher processes that take
// the environment as a single argument rather than a vector. Empty names
// are skipped; only the first '=' in a value is meaningful since values
// may themselves contain '='.
func EncodeEnvVector(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+env[k])
	}
	return strings.Join(parts, "\x00")
}

// DecodeEnvVector parses the NUL-separated KEY=VALUE form back into a map.
// Entries with an empty name are skipped; only the first '=' splits.
func DecodeEnvVector(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, "\x00") {
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		name := part[:idx]
		if name == "" {
			continue
		}
		out[name] = part[idx+1:]
	}
	return out
}

func (lp *launchedProcess) wait() {
	err := lp.cmd.Wait()
	lp.mu.Lock()
	lp.exited = true
	lp.waitErr = err
	if lp.cmd.ProcessState != nil {
		lp.exitCode = lp.cmd.ProcessState.ExitCode()
	} else {
		lp.exitCode = -1
	}
	lp.mu.Unlock()
	close(lp.done)
	if err != nil {
		lp.log.Debug("debuggee process exited", zap.Error(err))
	}
}

// Kill terminates the debuggee process. Safe to call after it has already
// exited.
func (lp *launchedProcess) Kill() error {
	lp.mu.Lock()
	exited := lp.exited
	lp.mu.Unlock()
	if exited {
		return nil
	}
	return lp.cmd.Process.Kill()
}

// ExitCode reports the resolved exit code, if the process has exited.
func (lp *launchedProcess) ExitCode() (int, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.exitCode, lp.exited
}

// Done returns a channel closed once the process has exited, letting a
// supervisor (Session.Wait) join it alongside the transport's listener
// without calling exec.Cmd.Wait a second time.
func (lp *launchedProcess) Done() <-chan struct{} {
	return lp.done
}

func (lp *launchedProcess) waitErrOrNil() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.waitErr
}
