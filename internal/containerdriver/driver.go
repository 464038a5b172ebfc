// Package containerdriver is Datify's thin, typed wrapper over containerd:
// create, start, stop, remove, inspect, stats, log tailing and TTY exec for
// a single container per database instance. It is intentionally dumb — the
// lifecycle manager (internal/lifecycle) is the one true orchestrator; this
// package never makes a decision about whether an operation should happen,
// only how to carry it out against the runtime.
package containerdriver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/datify-sh/datify/internal/apperr"
)

const (
	// Namespace is the containerd namespace Datify's containers live in,
	// isolated from any other workload on the host.
	Namespace = "datify"

	// DefaultSocketPath is where the host containerd listens.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cpuPeriod = uint64(100000) // 100ms, matches teacher's CFS quota convention
)

// Mount describes a single bind mount into the container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Spec describes the container to create for one database instance. One
// named volume, one bound host port, a shared project network, and
// restart-on-failure, per spec.md §4.C.
type Spec struct {
	ID            string
	Image         string
	Env           map[string]string
	Mounts        []Mount
	CPUCores      float64
	MemoryMB      int64
	HostPort      int
	ContainerPort int
	Network       string
}

// Info is the subset of container/task state the lifecycle manager and API
// layer need.
type Info struct {
	ID        string
	Running   bool
	ExitCode  uint32
	Pid       uint32
	StartedAt time.Time
}

// Stats is a point-in-time resource snapshot, sourced from the task's
// cgroup metrics.
type Stats struct {
	CPUUsageNanos   uint64
	MemoryUsedBytes uint64
	MemoryLimitBytes uint64
}

// ExecSession is a live exec'd process inside the container, optionally
// attached to a pseudo-terminal. Writing to Stdin sends input; reading from
// Stdout/Stderr receives output; Stderr is nil when TTY is true (stdout and
// stderr share one stream, matching real terminal semantics).
type ExecSession struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	Resize func(cols, rows uint32) error
	Wait   func(ctx context.Context) (exitCode uint32, err error)
	Close  func() error
}

// Driver wraps a single shared containerd client connection. All lifecycle
// operations flow through it serialized by containerd's own client queue;
// Datify itself adds no extra locking here, leaving per-instance
// serialization to internal/lifecycle.
type Driver struct {
	client *containerd.Client
	logDir string

	mu      sync.Mutex
	logSinks map[string]*logSink // containerID -> open log files, for Logs()
}

// New connects to the containerd socket and prepares a driver. logDir is
// where stdout/stderr are captured per container for the logs stream
// (§4.I); it must be writable and survive daemon restarts.
func New(socketPath, logDir string) (*Driver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeUnavailable, "connect to containerd", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeIOError, "create log directory", err)
	}
	return &Driver{client: client, logDir: logDir, logSinks: make(map[string]*logSink)}, nil
}

func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Driver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// Create pulls the image if needed and creates (but does not start) the
// container with the given resource limits, port binding and mounts. If a
// container with spec.ID already exists (e.g. a prior stop left it behind,
// since Stop only tears down the task), Create reuses it instead of
// failing AlreadyExists.
func (d *Driver) Create(ctx context.Context, spec Spec) (string, error) {
	ctx = d.ctx(ctx)

	if existing, err := d.client.LoadContainer(ctx, spec.ID); err == nil {
		return existing.ID(), nil
	} else if !errdefs.IsNotFound(err) {
		return "", classify("load container", err)
	}

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", classify("pull image", err)
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostname(spec.ID),
	}

	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * float64(cpuPeriod))
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, cpuPeriod))
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", classify("create container", err)
	}
	return container.ID(), nil
}

// Start creates and starts the container's task, wiring stdout/stderr to
// per-instance log files under the driver's log directory.
func (d *Driver) Start(ctx context.Context, id string) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return classify("load container", err)
	}

	sink, err := d.openLogSink(id)
	if err != nil {
		return err
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, sink.stdout, sink.stderr)))
	if err != nil {
		sink.Close()
		return classify("create task", err)
	}

	if err := task.Start(ctx); err != nil {
		sink.Close()
		return classify("start task", err)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace for the task to exit, then SIGKILLs
// and deletes the task. Idempotent: a container with no running task is a
// no-op success, per spec.md §4.C's "idempotent at the state-store level."
func (d *Driver) Stop(ctx context.Context, id string, grace time.Duration) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("load container", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("load task", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return classify("wait task", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return classify("send sigterm", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return classify("send sigkill", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return classify("delete task", err)
	}

	d.closeLogSink(id)
	return nil
}

// Remove deletes the container and its snapshot. If force is false and the
// container still has a running task, Remove fails with ConflictingState;
// callers are expected to Stop first (force implies an internal Stop).
func (d *Driver) Remove(ctx context.Context, id string, force bool) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("load container", err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if status, serr := task.Status(ctx); serr == nil && status.Status == containerd.Running {
			if !force {
				return apperr.New(apperr.CodeConflictingState, "container is still running")
			}
			if err := d.Stop(ctx, id, 10*time.Second); err != nil {
				return err
			}
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return classify("delete container", err)
	}
	return nil
}

// Inspect returns the container's current task state.
func (d *Driver) Inspect(ctx context.Context, id string) (*Info, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, classify("load container", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &Info{ID: id, Running: false}, nil
		}
		return nil, classify("load task", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, classify("task status", err)
	}

	return &Info{
		ID:       id,
		Running:  status.Status == containerd.Running,
		ExitCode: status.ExitStatus,
		Pid:      task.Pid(),
	}, nil
}

// Stats returns a cgroup resource snapshot for the container's task.
func (d *Driver) Stats(ctx context.Context, id string) (*Stats, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, classify("load container", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, classify("load task", err)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return nil, classify("task metrics", err)
	}

	return decodeMetrics(metric)
}

// Logs opens the captured stdout/stderr stream for the container. If
// follow is false the returned reader reaches EOF once the currently
// written bytes are exhausted; tail<=0 means "from the beginning."
// The since argument is ignored: no time-based filtering is applied to the
// returned lines.
func (d *Driver) Logs(ctx context.Context, id string, since *time.Time, tail int, follow bool) (io.ReadCloser, error) {
	path := d.logPath(id)
	return newLogReader(path, tail, follow)
}

// Exec starts a process inside the container's running task, optionally
// attached to a PTY for the terminal stream (§4.I) or engine CLI shells
// (§4.D's cli_command).
func (d *Driver) Exec(ctx context.Context, id string, cmdArgs []string, tty bool) (*ExecSession, error) {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, classify("load container", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, classify("load task", err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return nil, classify("load spec", err)
	}
	pspec := spec.Process
	pspec.Args = cmdArgs
	pspec.Terminal = tty

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	var stderrR *io.PipeReader
	var stderrWriter io.Writer = stdoutW
	if !tty {
		var stderrPW *io.PipeWriter
		stderrR, stderrPW = io.Pipe()
		stderrWriter = stderrPW
	}

	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	process, err := task.Exec(ctx, execID, pspec, cio.NewCreator(cio.WithStreams(stdinR, stdoutW, stderrWriter)))
	if err != nil {
		return nil, classify("exec", err)
	}

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, classify("exec wait", err)
	}

	if err := process.Start(ctx); err != nil {
		return nil, classify("exec start", err)
	}

	session := &ExecSession{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint32) error {
			return process.Resize(ctx, cols, rows)
		},
		Wait: func(waitCtx context.Context) (uint32, error) {
			select {
			case status := <-statusC:
				return status.ExitCode(), status.Error()
			case <-waitCtx.Done():
				return 0, waitCtx.Err()
			}
		},
		Close: func() error {
			_, err := process.Delete(ctx, containerd.WithProcessKill)
			return err
		},
	}
	if stderrR != nil {
		session.Stderr = stderrR
	}
	return session, nil
}

func (d *Driver) logPath(id string) string {
	return filepath.Join(d.logDir, id+".log")
}

type logSink struct {
	stdout io.WriteCloser
	stderr io.WriteCloser
	file   *os.File
}

func (s *logSink) Close() {
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}
	if s.file != nil {
		s.file.Close()
	}
}

// openLogSink wraps stdout and stderr in taggedWriters sharing one mutex
// and one underlying file, so the on-disk log carries a per-line
// stream+timestamp marker for internal/streamhub's logs stream
// (spec.md §4.I) instead of raw interleaved container output.
func (d *Driver) openLogSink(id string) (*logSink, error) {
	f, err := os.OpenFile(d.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIOError, "open log file", err)
	}
	var mu sync.Mutex
	sink := &logSink{
		stdout: newTaggedWriter(f, &mu, streamStdout),
		stderr: newTaggedWriter(f, &mu, streamStderr),
		file:   f,
	}
	d.mu.Lock()
	d.logSinks[id] = sink
	d.mu.Unlock()
	return sink, nil
}

func (d *Driver) closeLogSink(id string) {
	d.mu.Lock()
	sink, ok := d.logSinks[id]
	delete(d.logSinks, id)
	d.mu.Unlock()
	if ok {
		sink.Close()
	}
}

// classify maps a containerd error onto Datify's error taxonomy so callers
// above this package never need to know about errdefs.
func classify(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return apperr.Wrap(apperr.CodeNotFound, op, err)
	case errdefs.IsAlreadyExists(err), errdefs.IsConflict(err):
		return apperr.Wrap(apperr.CodeConflictingState, op, err)
	case errdefs.IsUnavailable(err):
		return apperr.Wrap(apperr.CodeRuntimeUnavailable, op, err)
	case errdefs.IsDeadlineExceeded(err):
		return apperr.Wrap(apperr.CodeReadinessTimeout, op, err)
	default:
		return apperr.Wrap(apperr.CodeOther, op, err)
	}
}
