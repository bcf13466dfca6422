package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/trainctl/internal/events"
)

// ContainerName selects the docker backend.
const ContainerName = "docker"

// ContainerOutputDir is where the run's output directory is mounted.
const ContainerOutputDir = "/app/output"

// Container mount points.
const (
	containerConfigPath       = "/app/config.json"
	containerEntrypoint       = "/app/runner.py"
	containerDatasetDir       = "/app/dataset"
	containerRequirementsPath = "/app/requirements.txt"
	containerScriptsDir       = "/app/scripts"
	containerWorkdir          = "/app"
)

// Container runs the trainer inside a docker container.
type Container struct {
	// Runtime overrides runtime discovery when set.
	Runtime           string
	RuntimeCandidates []string
	// Entrypoint is the host trainer script mounted at /app/runner.py.
	Entrypoint  string
	Memory      string
	CPUs        string
	StopTimeout int
	PullTimeout time.Duration
	NamePrefix  string
	// DetectGPU reports whether --gpus all should be passed.
	DetectGPU func() bool

	logger *slog.Logger
}

// NewContainer creates a docker backend with the default resource caps.
func NewContainer(entrypoint string, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		RuntimeCandidates: DefaultRuntimeCandidates,
		Entrypoint:        entrypoint,
		Memory:            "4g",
		CPUs:              "2.0",
		StopTimeout:       30,
		PullTimeout:       10 * time.Minute,
		NamePrefix:        "trainctl-train-",
		DetectGPU:         DetectGPURuntime,
		logger:            logger,
	}
}

// Name returns the backend identifier.
func (c *Container) Name() string {
	return ContainerName
}

// Describe renders the docker run command without probing the host.
func (c *Container) Describe(cfg Config) string {
	bin := c.Runtime
	if bin == "" {
		bin = "docker"
	}
	m := mounts{
		Config:     cfg.ConfigPath,
		Output:     cfg.OutputDir,
		Entrypoint: c.Entrypoint,
		Dataset:    cfg.DatasetDir,
	}
	return describe(bin, c.runArgs(cfg, m, false))
}

// Spawn checks the runtime, ensures the image is present (pulling it if
// needed) and starts the container.
func (c *Container) Spawn(ctx context.Context, cfg Config, emit Emitter) (*Process, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("%w: no docker image configured", ErrSpawnFailed)
	}
	if c.Entrypoint == "" {
		return nil, fmt.Errorf("%w: no trainer entrypoint configured", ErrSpawnFailed)
	}

	bin, err := c.checkRuntime(ctx, emit)
	if err != nil {
		return nil, err
	}

	if !imageExists(ctx, bin, cfg.Image) {
		emit(events.NewLogf(events.LevelInfo, "Image %s not found locally, pulling...", cfg.Image))
		if err := c.pull(ctx, bin, cfg.Image, emit); err != nil {
			return nil, err
		}
		if !imageExists(ctx, bin, cfg.Image) {
			return nil, fmt.Errorf("%w: pull of %s completed but the image is not available locally", ErrImageNotFound, cfg.Image)
		}
		emit(events.NewLogf(events.LevelInfo, "Pulled image %s", cfg.Image))
	}

	m, err := c.resolveMounts(cfg)
	if err != nil {
		return nil, err
	}

	gpu := c.DetectGPU != nil && c.DetectGPU()
	if gpu {
		emit(events.NewLog(events.LevelInfo, "GPU runtime detected, enabling --gpus all"))
	}

	args := c.runArgs(cfg, m, gpu)
	name := containerName(c.NamePrefix, cfg.RunID)
	cmd := exec.Command(bin, args...)

	c.logger.Info("spawning container trainer", "run_id", cfg.RunID, "image", cfg.Image, "container", name, "gpu", gpu)
	emit(events.NewLogf(events.LevelInfo, "Starting container %s from %s", name, cfg.Image))

	stop := func() error {
		kctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if out, err := runOutput(kctx, bin, "kill", name); err != nil {
			// The container may already be gone.
			c.logger.Debug("docker kill failed", "container", name, "error", err, "output", out)
		}
		return nil
	}
	p, err := start(cmd, stop)
	if err != nil {
		return nil, err
	}
	// Killing the CLI before the daemon created the container can leave a
	// detached container behind; remove it by name.
	p.cleanup = func() {
		rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if out, err := runOutput(rctx, bin, "rm", "-f", name); err != nil {
			c.logger.Debug("docker rm failed", "container", name, "error", err, "output", out)
		}
	}
	return p, nil
}

type mounts struct {
	Config       string
	Output       string
	Entrypoint   string
	Dataset      string
	Requirements string
	Scripts      string
}

func (c *Container) resolveMounts(cfg Config) (mounts, error) {
	var m mounts
	var err error
	if m.Config, err = filepath.Abs(cfg.ConfigPath); err != nil {
		return m, fmt.Errorf("%w: config path: %w", ErrSpawnFailed, err)
	}
	if m.Output, err = filepath.Abs(cfg.OutputDir); err != nil {
		return m, fmt.Errorf("%w: output dir: %w", ErrSpawnFailed, err)
	}
	if m.Entrypoint, err = filepath.Abs(c.Entrypoint); err != nil {
		return m, fmt.Errorf("%w: entrypoint: %w", ErrSpawnFailed, err)
	}
	if cfg.DatasetDir != "" {
		if m.Dataset, err = filepath.Abs(cfg.DatasetDir); err != nil {
			return m, fmt.Errorf("%w: dataset dir: %w", ErrSpawnFailed, err)
		}
	}
	if fileExists(cfg.RequirementsPath) {
		m.Requirements, _ = filepath.Abs(cfg.RequirementsPath)
	}
	if dirExists(cfg.ScriptsDir) {
		m.Scripts, _ = filepath.Abs(cfg.ScriptsDir)
	}
	return m, nil
}

func (c *Container) runArgs(cfg Config, m mounts, gpu bool) []string {
	args := []string{
		"run", "--rm",
		"--name", containerName(c.NamePrefix, cfg.RunID),
		"--memory", c.Memory,
		"--cpus", c.CPUs,
		"--stop-timeout", strconv.Itoa(c.StopTimeout),
		"-v", m.Config + ":" + containerConfigPath + ":ro",
		"-v", m.Output + ":" + ContainerOutputDir,
		"-v", m.Entrypoint + ":" + containerEntrypoint + ":ro",
		"--workdir", containerWorkdir,
	}
	if m.Dataset != "" {
		args = append(args, "-v", m.Dataset+":"+containerDatasetDir+":ro")
	}
	if m.Requirements != "" {
		args = append(args, "-v", m.Requirements+":"+containerRequirementsPath+":ro")
	}
	if m.Scripts != "" {
		args = append(args, "-v", m.Scripts+":"+containerScriptsDir+":ro")
	}
	if gpu {
		args = append(args, "--gpus", "all")
	}
	args = append(args, cfg.Image)

	datasetDir := ""
	if m.Dataset != "" {
		datasetDir = containerDatasetDir
	}
	trainer := append([]string{"python3", containerEntrypoint},
		trainerArgs(cfg.RunID, containerConfigPath, ContainerOutputDir, datasetDir)...)

	if m.Requirements != "" {
		script := "pip install --quiet --no-cache-dir -r " + containerRequirementsPath + " && " + strings.Join(trainer, " ")
		return append(args, "sh", "-c", script)
	}
	return append(args, trainer...)
}

// containerName derives the container name from the run id. Valid run ids
// are valid container name characters, so the whole id is kept and distinct
// runs never share a name.
func containerName(prefix, runID string) string {
	return prefix + runID
}

// pull runs docker pull, streaming its output as log events.
func (c *Container) pull(ctx context.Context, bin, image string, emit Emitter) error {
	timeout := c.PullTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, bin, "pull", image)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPullFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start docker pull: %w", ErrPullFailed, err)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		output.WriteString(line)
		output.WriteByte('\n')
		emit(events.NewLogf(events.LevelInfo, "Docker pull: %s", line))
	}
	waitErr := cmd.Wait()

	if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: docker pull %s did not finish within %s", ErrTimeout, image, timeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrPullFailed, ctx.Err())
	}
	if waitErr != nil {
		combined := strings.TrimSpace(stderr.String() + "\n" + output.String())
		return fmt.Errorf("%w: %s", ErrPullFailed, pullFailureHint(image, combined))
	}
	return nil
}

// pullFailureHint turns docker pull output into an actionable message.
func pullFailureHint(image, output string) string {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "manifest unknown") || strings.Contains(lower, "manifest for"):
		return fmt.Sprintf("image %s was not found in the registry, check that the tag exists at %s\n%s",
			image, dockerHubURL(image), output)
	case strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "repository does not exist"),
		strings.Contains(lower, "requested access to the resource is denied"):
		return fmt.Sprintf("access to %s was denied, verify the image name or run 'docker login'\n%s", image, output)
	default:
		return fmt.Sprintf("docker pull %s failed: %s", image, output)
	}
}

// dockerHubURL returns the Docker Hub page for an image reference.
func dockerHubURL(image string) string {
	name := image
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		name = name[:i]
	}
	if strings.Contains(name, "/") {
		return "https://hub.docker.com/r/" + name
	}
	return "https://hub.docker.com/_/" + name
}

// checkRuntime resolves the docker binary and verifies its daemon answers.
func (c *Container) checkRuntime(ctx context.Context, emit Emitter) (string, error) {
	bin, err := resolveExecutable(c.Runtime, c.RuntimeCandidates)
	if err != nil {
		return "", fmt.Errorf("%w: docker not found, install Docker Desktop: %w", ErrRuntimeNotFound, err)
	}

	emit(events.NewLog(events.LevelInfo, "Checking Docker installation..."))
	if out, err := runOutput(ctx, bin, "--version"); err != nil {
		return "", fmt.Errorf("%w: %s --version failed: %s", ErrRuntimeNotFound, bin, firstNonEmpty(out, err.Error()))
	}
	if out, err := runOutput(ctx, bin, "info"); err != nil {
		return "", fmt.Errorf("%w: docker daemon is not running, start Docker and retry: %s", ErrDaemonUnavailable, firstNonEmpty(out, err.Error()))
	}
	return bin, nil
}

// ListImages returns the local images as repository:tag.
func (c *Container) ListImages(ctx context.Context) ([]string, error) {
	bin, err := c.checkRuntime(ctx, func(events.Event) {})
	if err != nil {
		return nil, err
	}
	out, err := runOutput(ctx, bin, "images", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return nil, fmt.Errorf("list images: %s", firstNonEmpty(out, err.Error()))
	}
	var images []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" && line != "<none>:<none>" {
			images = append(images, line)
		}
	}
	return images, nil
}

// ImageExists reports whether image is available locally.
func (c *Container) ImageExists(ctx context.Context, image string) (bool, error) {
	bin, err := c.checkRuntime(ctx, func(events.Event) {})
	if err != nil {
		return false, err
	}
	return imageExists(ctx, bin, image), nil
}

// Pull fetches image and confirms it is available afterwards. Progress lines
// go to emit.
func (c *Container) Pull(ctx context.Context, image string, emit Emitter) error {
	if emit == nil {
		emit = func(events.Event) {}
	}
	if strings.TrimSpace(image) == "" {
		return fmt.Errorf("%w: no image given", ErrImageNotFound)
	}
	bin, err := c.checkRuntime(ctx, emit)
	if err != nil {
		return err
	}
	if err := c.pull(ctx, bin, image, emit); err != nil {
		return err
	}
	if !imageExists(ctx, bin, image) {
		return fmt.Errorf("%w: pull of %s completed but the image is not available locally", ErrImageNotFound, image)
	}
	return nil
}

// imageExists checks for a local image with inspect, falling back to
// matching the image listing.
func imageExists(ctx context.Context, bin, image string) bool {
	if _, err := runOutput(ctx, bin, "image", "inspect", image); err == nil {
		return true
	}
	out, err := runOutput(ctx, bin, "images", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return false
	}
	want := image
	if !strings.Contains(image[strings.LastIndex(image, "/")+1:], ":") {
		want = image + ":latest"
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == image || line == want {
			return true
		}
	}
	return false
}

func runOutput(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
