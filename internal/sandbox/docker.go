package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// DockerOptions configures the container backend.
type DockerOptions struct {
	Image    string
	Network  string
	CPUs     int
	MemoryMB int
}

// DockerRuntime implements Launcher using the Docker CLI.
type DockerRuntime struct {
	bin  string
	opts DockerOptions
}

const probeTimeout = 3 * time.Second

// NewDockerRuntime creates the container backend. The docker binary is
// located from PATH and well-known install locations.
func NewDockerRuntime(opts DockerOptions) *DockerRuntime {
	return &DockerRuntime{bin: findDocker(), opts: opts}
}

func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
		"/Applications/Docker.app/Contents/Resources/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *DockerRuntime) Backend() Backend {
	return BackendContainer
}

// Probe verifies the Docker daemon is reachable. The check is bounded so
// a wedged daemon cannot hang startup.
func (r *DockerRuntime) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if output, err := r.docker(ctx, "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: docker probe: %v (%s)", ErrUnavailable, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// EnsureNetwork creates the sandbox network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) error {
	if r.opts.Network == "" {
		return nil
	}
	if r.docker(ctx, "network", "inspect", r.opts.Network).Run() == nil {
		return nil
	}
	if output, err := r.docker(ctx, "network", "create", r.opts.Network).CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", r.opts.Network, err, string(output))
	}
	return nil
}

func (r *DockerRuntime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.bin, args...)
}

// containerHandle wraps one `docker run -i` invocation.
type containerHandle struct {
	name      string
	startedAt time.Time

	stdin  io.WriteCloser
	output chan []byte
	done   chan struct{}

	mu     sync.Mutex
	code   int
	closed bool
}

func (h *containerHandle) ID() string            { return h.name }
func (h *containerHandle) Backend() Backend      { return BackendContainer }
func (h *containerHandle) StartedAt() time.Time  { return h.startedAt }
func (h *containerHandle) Output() <-chan []byte { return h.output }
func (h *containerHandle) Done() <-chan struct{} { return h.done }

func (h *containerHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *containerHandle) Send(data []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: container stopped", ErrComm)
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrComm, err)
	}
	return nil
}

// Launch runs a resource-capped container with the workspace mounted at
// /workspace and an interactive shell on stdin.
func (r *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	name := "portside-" + spec.SessionID
	// A prior handle for this session may still be tearing down.
	r.docker(ctx, "rm", "-f", name).Run()

	args := []string{
		"run", "-i", "--rm",
		"--name", name,
		"--label", "portside.session=" + spec.SessionID,
		"--memory", fmt.Sprintf("%dm", r.opts.MemoryMB),
		"--cpus", fmt.Sprintf("%d", r.opts.CPUs),
		"--pids-limit", "512",
		"-v", spec.WorkspacePath + ":/workspace",
		"-w", "/workspace",
		"-e", "PORTSIDE_SESSION_ID=" + spec.SessionID,
	}
	if r.opts.Network != "" {
		args = append(args, "--network", r.opts.Network)
	}
	args = append(args, r.opts.Image, "/bin/sh", "-i")

	cmd := exec.Command(r.bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting container: %v", ErrUnavailable, err)
	}

	h := &containerHandle{
		name:      name,
		startedAt: time.Now(),
		stdin:     stdin,
		output:    make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.output <- chunk
			}
			if err != nil {
				break
			}
		}
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		h.mu.Lock()
		h.code = code
		h.closed = true
		h.mu.Unlock()
		close(h.output)
		close(h.done)
	}()

	return h, nil
}

// Exec runs a one-shot command inside the container. The command string
// is split shell-style and exec'd directly, so quoting behaves the way
// callers expect without a nested shell.
func (r *DockerRuntime) Exec(ctx context.Context, h Handle, command string) (*ExecStream, error) {
	argv, err := shellquote.Split(command)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("%w: unparseable command", ErrComm)
	}
	args := append([]string{"exec", "-w", "/workspace", h.ID()}, argv...)
	cmd := r.docker(ctx, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComm, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting exec: %v", ErrComm, err)
	}

	stream := NewExecStream()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				stream.Emit(buf[:n])
			}
			if err != nil {
				break
			}
		}
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		stream.Finish(code)
	}()
	return stream, nil
}

// Stop asks Docker to stop the container, which sends TERM and escalates
// to KILL after the grace period.
func (r *DockerRuntime) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if output, err := r.docker(ctx, "stop", "-t", fmt.Sprintf("%d", seconds), h.ID()).CombinedOutput(); err != nil {
		// Already gone is fine; Stop must be idempotent.
		if strings.Contains(string(output), "No such container") {
			return nil
		}
		log.Printf("[sandbox] docker stop %s: %v (%s)", h.ID(), err, strings.TrimSpace(string(output)))
		r.docker(ctx, "rm", "-f", h.ID()).Run()
	}
	return nil
}

// Stats shells out to docker stats for a point-in-time snapshot.
func (r *DockerRuntime) Stats(ctx context.Context, h Handle) (Stats, error) {
	output, err := r.docker(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}}\t{{.MemUsage}}", h.ID()).Output()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrComm, err)
	}
	fields := strings.SplitN(strings.TrimSpace(string(output)), "\t", 2)
	stats := Stats{CPU: fields[0]}
	if len(fields) > 1 {
		stats.Memory = fields[1]
	}
	return stats, nil
}
