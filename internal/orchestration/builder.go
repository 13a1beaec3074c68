package orchestration

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/models"
)

// ImageBuilder produces a loadable container image for one binding.
// The production implementation drives the controller-side Docker
// daemon; tests substitute fakes.
type ImageBuilder interface {
	// Build constructs the three-layer image (architecture base,
	// dependency layer, runtime layer) and returns its tag plus an
	// export stream suitable for `docker load` on the device.
	Build(ctx context.Context, exp *models.Experiment, c models.DeviceConstraint, device *models.Device) (string, io.ReadCloser, error)
}

// DockerBuilder builds images on the controller's Docker daemon.
type DockerBuilder struct {
	cli     *client.Client
	cfg     config.BuildConfig
	repoDir string
	logger  *zap.Logger
}

// NewDockerBuilder connects to the controller-side Docker daemon.
// repoDir is the experiment repository root; runtime scripts are
// resolved against the experiment's directory inside it.
func NewDockerBuilder(cfg config.BuildConfig, repoDir string, logger *zap.Logger) (*DockerBuilder, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerBuilder{
		cli:     cli,
		cfg:     cfg,
		repoDir: repoDir,
		logger:  logger,
	}, nil
}

// Close releases the Docker client.
func (b *DockerBuilder) Close() error {
	return b.cli.Close()
}

// Build implements ImageBuilder.
func (b *DockerBuilder) Build(ctx context.Context, exp *models.Experiment, c models.DeviceConstraint, device *models.Device) (string, io.ReadCloser, error) {
	base, ok := b.cfg.BaseImages[c.Arch]
	if !ok {
		return "", nil, fmt.Errorf("no base image configured for architecture %s", c.Arch)
	}

	script, err := os.ReadFile(filepath.Join(b.repoDir, exp.Name, c.RuntimeScript))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read runtime script: %w", err)
	}

	tag := fmt.Sprintf("bramble/%s:%s-%s", strings.ToLower(exp.Name), c.Arch, shortID(device.ID))

	buildCtx, err := buildContext(base, c, exp, script)
	if err != nil {
		return "", nil, err
	}

	resp, err := b.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Platform:   "linux/" + c.Arch,
		Remove:     true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("image build failed for %s: %w", tag, err)
	}
	// Drain the build output; the daemon aborts the build otherwise.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		resp.Body.Close()
		return "", nil, fmt.Errorf("image build stream failed for %s: %w", tag, err)
	}
	resp.Body.Close()

	b.logger.Info("image built",
		zap.String("tag", tag),
		zap.String("arch", c.Arch),
		zap.String("device", device.ID))

	export, err := b.cli.ImageSave(ctx, []string{tag})
	if err != nil {
		return "", nil, fmt.Errorf("image export failed for %s: %w", tag, err)
	}

	return tag, export, nil
}

// buildContext assembles an in-memory tar with the generated
// Dockerfile, the stage's runtime script, and the monitoring wrapper.
func buildContext(base string, c models.DeviceConstraint, exp *models.Experiment, script []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	files := map[string][]byte{
		"Dockerfile":                         dockerfile(base, c),
		"stage" + scriptExt(c.RuntimeScript): script,
		"wrapper.sh":                         wrapper(exp.LogPath, c),
	}
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write build context: %w", err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write build context: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize build context: %w", err)
	}

	return &buf, nil
}

// dockerfile renders the three layers: base runtime, extra packages,
// runtime script plus wrapper entrypoint.
func dockerfile(base string, c models.DeviceConstraint) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", base)
	if len(c.ExtraDeps) > 0 {
		fmt.Fprintf(&sb, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(c.ExtraDeps, " "))
	}
	fmt.Fprintf(&sb, "COPY stage%s /opt/bramble/stage%s\n", scriptExt(c.RuntimeScript), scriptExt(c.RuntimeScript))
	sb.WriteString("COPY wrapper.sh /opt/bramble/wrapper.sh\n")
	sb.WriteString(`ENTRYPOINT ["/bin/sh", "/opt/bramble/wrapper.sh"]` + "\n")
	return []byte(sb.String())
}

// wrapper is the monitoring entrypoint: it runs the stage and records
// wall time and exit status as telemetry lines at the well-known path.
func wrapper(logPath string, c models.DeviceConstraint) []byte {
	runner := "python3"
	if strings.HasSuffix(c.RuntimeScript, ".sh") {
		runner = "/bin/sh"
	}
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\nset -u\n")
	fmt.Fprintf(&sb, "mkdir -p %s\n", filepath.Dir(logPath))
	fmt.Fprintf(&sb, "export BRAMBLE_LOG=%s\n", logPath)
	sb.WriteString("start=$(date +%s)\n")
	fmt.Fprintf(&sb, "%s /opt/bramble/stage%s\nrc=$?\n", runner, scriptExt(c.RuntimeScript))
	sb.WriteString("end=$(date +%s)\n")
	sb.WriteString(`ts=$(date -u +%Y-%m-%dT%H:%M:%SZ)` + "\n")
	fmt.Fprintf(&sb, `echo "{\"metric\":\"wall_time_s\",\"value\":$((end-start)),\"timestamp\":\"$ts\"}" >> %s`+"\n", logPath)
	fmt.Fprintf(&sb, `echo "{\"metric\":\"exit_code\",\"value\":$rc,\"timestamp\":\"$ts\"}" >> %s`+"\n", logPath)
	sb.WriteString("exit $rc\n")
	return []byte(sb.String())
}

// scriptExt returns the script's extension including the dot.
func scriptExt(p string) string {
	return filepath.Ext(p)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
