// Package orchestration executes validated binding plans: it builds
// architecture-specific images, loads and launches them on the bound
// devices in deployment-order waves, and tracks every binding to a
// terminal state in the run record.
package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/internal/experiment"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/sshx"
	"github.com/bramblectl/bramble/internal/telemetry"
	"github.com/bramblectl/bramble/models"
)

// Orchestrator runs experiments against a LAN. Mid-run errors are
// recorded in the run record, never returned as errors past the run
// boundary: callers always receive a completed, possibly
// partially-failed record.
type Orchestrator struct {
	registry  *registry.Registry
	sessions  *sshx.SessionManager
	builder   ImageBuilder
	store     telemetry.Store
	collector *telemetry.Collector
	cfg       *config.Config
	logger    *zap.Logger

	// abortOnFailure cancels the whole run as soon as any binding
	// fails, instead of letting wave siblings run to completion.
	abortOnFailure bool

	mu          sync.Mutex
	aborts      map[string]context.CancelFunc
	failAborted map[string]bool

	// recMu serializes mutations of the active run record; binding
	// goroutines within a wave write their slots concurrently.
	recMu sync.Mutex
}

// New creates an orchestrator.
func New(reg *registry.Registry, sessions *sshx.SessionManager, builder ImageBuilder, store telemetry.Store, collector *telemetry.Collector, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry:    reg,
		sessions:    sessions,
		builder:     builder,
		store:       store,
		collector:   collector,
		cfg:         cfg,
		logger:      logger,
		aborts:      make(map[string]context.CancelFunc),
		failAborted: make(map[string]bool),
	}
}

// SetAbortOnFailure makes any binding failure cancel the whole run,
// stopping wave siblings instead of letting them finish.
func (o *Orchestrator) SetAbortOnFailure(v bool) {
	o.abortOnFailure = v
}

// Run executes the plan wave by wave. Within a wave every binding runs
// on its own goroutine; the wave barrier waits for all of them. A
// failure in wave N leaves later waves pending (no new work is
// started) while wave-N siblings still run to their own terminal
// state. In-flight remote containers are never force-killed unless the
// caller aborts or abort-on-failure is set.
func (o *Orchestrator) Run(ctx context.Context, exp *models.Experiment, plan *models.BindingPlan) (*models.RunRecord, error) {
	record := &models.RunRecord{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		LANID:        plan.LANID,
		Status:       models.RunInProgress,
		StartedAt:    time.Now(),
	}
	for _, b := range plan.Bindings {
		record.Bindings = append(record.Bindings, models.BindingState{
			ConstraintIndex: b.ConstraintIndex,
			DeviceID:        b.DeviceID,
			Wave:            b.Wave,
			Status:          models.BindingPending,
		})
	}
	if err := o.store.SaveRun(record); err != nil {
		return nil, fmt.Errorf("failed to persist run record: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.aborts[record.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.aborts, record.ID)
		o.mu.Unlock()
	}()

	o.logger.Info("run started",
		zap.String("run", record.ID),
		zap.String("experiment", exp.ID),
		zap.Int("bindings", len(record.Bindings)))

	waves := experiment.Waves(plan)
	for waveIdx, wave := range waves {
		if runCtx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, b := range wave {
			slot := o.bindingSlot(record, b.ConstraintIndex)
			wg.Add(1)
			go func(b models.Binding, slot *models.BindingState) {
				defer wg.Done()
				o.executeBinding(runCtx, record, slot, exp, b)
			}(b, slot)
		}
		wg.Wait()

		// Wave barrier: the next wave starts only once every binding
		// in this one is terminal and succeeded. Split pipelines feed
		// stage N's output into stage N+1; a failed stage makes later
		// waves meaningless.
		if failed := o.waveFailed(record, waveIdx); failed {
			o.logger.Warn("wave failed, later waves stay pending",
				zap.String("run", record.ID),
				zap.Int("wave", waveIdx))
			break
		}
	}

	// A cancellation triggered by a binding failure seals the run as
	// failed, not aborted; only a caller abort is an abort.
	aborted := runCtx.Err() != nil
	o.mu.Lock()
	if o.failAborted[record.ID] {
		aborted = false
		delete(o.failAborted, record.ID)
	}
	o.mu.Unlock()

	o.finalize(record, aborted)
	return record, nil
}

// Abort requests cancellation of a running run: pending work stops and
// running containers are sent a best-effort stop. Remote process death
// is not guaranteed (a network partition may leave a container
// running); this is reported in the record, not silently assumed.
func (o *Orchestrator) Abort(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.aborts[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) bindingSlot(record *models.RunRecord, constraintIdx int) *models.BindingState {
	for i := range record.Bindings {
		if record.Bindings[i].ConstraintIndex == constraintIdx {
			return &record.Bindings[i]
		}
	}
	return nil
}

func (o *Orchestrator) waveFailed(record *models.RunRecord, wave int) bool {
	for i := range record.Bindings {
		if record.Bindings[i].Wave == wave && record.Bindings[i].Status != models.BindingSucceeded {
			return true
		}
	}
	return false
}

// executeBinding walks one binding through
// building -> deployed -> running -> succeeded|failed. Every error is
// recorded on the binding state; nothing propagates as a Go error.
func (o *Orchestrator) executeBinding(ctx context.Context, record *models.RunRecord, slot *models.BindingState, exp *models.Experiment, b models.Binding) {
	now := time.Now()
	o.recMu.Lock()
	slot.StartedAt = &now
	o.recMu.Unlock()

	device, err := o.registry.Get(b.DeviceID)
	if err != nil {
		o.failBinding(record, slot, 0, fmt.Sprintf("device lookup: %v", err))
		return
	}

	sess, err := o.sessions.Acquire(ctx, device)
	if err != nil {
		o.failBinding(record, slot, 0, fmt.Sprintf("connect: %v", err))
		return
	}
	defer o.sessions.Release(device.ID)

	constraint := exp.Constraints[b.ConstraintIndex]

	// Build and deploy.
	o.setStatus(record, slot, models.BindingBuilding)
	image, err := o.buildAndLoad(ctx, sess, exp, constraint, device, record.ID, b.ConstraintIndex)
	if err != nil {
		o.failBinding(record, slot, 0, err.Error())
		return
	}
	o.recMu.Lock()
	slot.Image = image
	o.recMu.Unlock()
	o.setStatus(record, slot, models.BindingDeployed)

	// Launch.
	containerName, logDir, err := o.launch(ctx, sess, exp, constraint, image, record.ID, b.ConstraintIndex)
	if err != nil {
		o.failBinding(record, slot, 0, err.Error())
		return
	}
	o.setStatus(record, slot, models.BindingRunning)

	// Monitor to completion, then collect telemetry.
	exitCode, monErr := o.monitor(ctx, sess, containerName)

	o.ingestTelemetry(ctx, sess, record.ID, device.ID, logDir)

	if monErr != nil {
		o.failBinding(record, slot, exitCode, monErr.Error())
		return
	}
	if exitCode != 0 {
		o.failBinding(record, slot, exitCode, fmt.Sprintf("stage exited %d", exitCode))
		return
	}

	end := time.Now()
	o.recMu.Lock()
	slot.EndedAt = &end
	slot.ExitCode = 0
	o.recMu.Unlock()
	o.setStatus(record, slot, models.BindingSucceeded)
}

// commandContext bounds one remote command or transfer. A hung remote
// call fails its binding instead of stalling the run.
func (o *Orchestrator) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.cfg.SSH.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}

// buildAndLoad builds the image on the controller, transfers the
// export to the device, and loads it into the device's engine.
func (o *Orchestrator) buildAndLoad(ctx context.Context, sess sshx.Runner, exp *models.Experiment, c models.DeviceConstraint, device *models.Device, runID string, idx int) (string, error) {
	tag, export, err := o.builder.Build(ctx, exp, c, device)
	if err != nil {
		return "", fmt.Errorf("build: %v", err)
	}
	defer export.Close()

	remoteTar := fmt.Sprintf("%s/%s/stage-%d.tar", o.cfg.Build.RemoteStageDir, runID, idx)
	upCtx, cancel := o.commandContext(ctx)
	err = sess.UploadStream(upCtx, export, remoteTar)
	cancel()
	if err != nil {
		return "", fmt.Errorf("transfer image: %v", err)
	}

	loadCtx, cancel := o.commandContext(ctx)
	_, err = sess.Execute(loadCtx, "docker load -i "+remoteTar)
	cancel()
	if err != nil {
		return "", fmt.Errorf("load image: %v", err)
	}

	return tag, nil
}

// launch starts the stage container detached, with the telemetry log
// directory bind-mounted onto the device so logs survive the
// container.
func (o *Orchestrator) launch(ctx context.Context, sess sshx.Runner, exp *models.Experiment, c models.DeviceConstraint, image, runID string, idx int) (string, string, error) {
	name := fmt.Sprintf("bramble-%s-%d", shortID(runID), idx)
	logDir := fmt.Sprintf("%s/%s/logs-%d", o.cfg.Build.RemoteStageDir, runID, idx)

	var cmd strings.Builder
	fmt.Fprintf(&cmd, "docker run -d --name %s -v %s:%s", name, logDir, containerLogDir(exp.LogPath))

	ports, err := portFlags(exp)
	if err != nil {
		return "", "", err
	}
	cmd.WriteString(ports)
	cmd.WriteString(" " + image)

	runCtx, cancel := o.commandContext(ctx)
	_, err = sess.Execute(runCtx, cmd.String())
	cancel()
	if err != nil {
		return "", "", fmt.Errorf("launch: %v", err)
	}

	return name, logDir, nil
}

// portFlags renders -p flags from the experiment's optional "ports"
// config entry ("host:container" specs, validated before use).
func portFlags(exp *models.Experiment) (string, error) {
	raw, ok := exp.Config["ports"]
	if !ok {
		return "", nil
	}
	list, ok := raw.([]any)
	if !ok {
		return "", fmt.Errorf("launch: config.ports must be a list of port specs")
	}

	specs := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("launch: config.ports entries must be strings")
		}
		specs = append(specs, s)
	}

	if _, _, err := nat.ParsePortSpecs(specs); err != nil {
		return "", fmt.Errorf("launch: invalid port spec: %v", err)
	}

	var sb strings.Builder
	for _, s := range specs {
		sb.WriteString(" -p " + s)
	}
	return sb.String(), nil
}

// monitor polls the container at a bounded interval until it exits or
// the run is aborted. On abort the container gets a best-effort stop;
// the outcome of that stop is reported, never assumed.
func (o *Orchestrator) monitor(ctx context.Context, sess sshx.Runner, containerName string) (int, error) {
	interval := o.cfg.Telemetry.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	inspect := fmt.Sprintf("docker inspect -f '{{.State.Running}} {{.State.ExitCode}}' %s", containerName)

	for {
		select {
		case <-ctx.Done():
			// Best-effort stop on a fresh context; the run context is
			// already cancelled.
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, stopErr := sess.Execute(stopCtx, "docker stop "+containerName)
			cancel()
			if stopErr != nil {
				return 0, fmt.Errorf("aborted; container may still be running: stop failed: %v", stopErr)
			}
			return 0, fmt.Errorf("aborted; container stopped")
		case <-ticker.C:
			pollCtx, cancel := o.commandContext(ctx)
			res, err := sess.Execute(pollCtx, inspect)
			cancel()
			if err != nil {
				return 0, fmt.Errorf("monitor: %v", err)
			}
			fields := strings.Fields(res.Stdout)
			if len(fields) != 2 {
				return 0, fmt.Errorf("monitor: unexpected inspect output %q", res.Stdout)
			}
			if fields[0] == "true" {
				continue
			}
			var exitCode int
			if _, err := fmt.Sscanf(fields[1], "%d", &exitCode); err != nil {
				return 0, fmt.Errorf("monitor: unparseable exit code %q", fields[1])
			}
			return exitCode, nil
		}
	}
}

// ingestTelemetry retrieves the stage's telemetry log from the device
// and feeds it to the collector. Missing logs are not fatal; the run
// outcome stands on the exit code.
func (o *Orchestrator) ingestTelemetry(ctx context.Context, sess sshx.Runner, runID, deviceID, logDir string) {
	logFile := logDir + "/telemetry.log"
	r, err := sess.Open(logFile)
	if err != nil {
		o.logger.Warn("no telemetry log retrieved",
			zap.String("run", runID),
			zap.String("device", deviceID),
			zap.Error(err))
		return
	}
	defer r.Close()

	n, skipped, err := o.collector.Ingest(runID, deviceID, r)
	if err != nil {
		o.logger.Warn("telemetry ingest failed",
			zap.String("run", runID),
			zap.String("device", deviceID),
			zap.Error(err))
		return
	}
	o.logger.Info("telemetry collected",
		zap.String("run", runID),
		zap.String("device", deviceID),
		zap.Int("entries", n),
		zap.Int("skipped", skipped))

	o.archiveRawLog(ctx, sess, runID, deviceID, logFile)
}

// archiveRawLog keeps a local copy of the device's raw telemetry log
// when telemetry.raw_log_dir is configured. Best effort: the parsed
// entries are already in the store.
func (o *Orchestrator) archiveRawLog(ctx context.Context, sess sshx.Runner, runID, deviceID, logFile string) {
	dir := o.cfg.Telemetry.RawLogDir
	if dir == "" {
		return
	}

	local := filepath.Join(dir, runID, deviceID+".log")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		o.logger.Warn("failed to create raw log directory",
			zap.String("run", runID),
			zap.Error(err))
		return
	}

	dlCtx, cancel := o.commandContext(ctx)
	err := sess.Download(dlCtx, logFile, local)
	cancel()
	if err != nil {
		o.logger.Warn("failed to archive raw telemetry log",
			zap.String("run", runID),
			zap.String("device", deviceID),
			zap.Error(err))
		return
	}

	o.logger.Debug("raw telemetry log archived",
		zap.String("run", runID),
		zap.String("device", deviceID),
		zap.String("path", local))
}

func (o *Orchestrator) setStatus(record *models.RunRecord, slot *models.BindingState, status string) {
	o.recMu.Lock()
	slot.Status = status
	o.persist(record)
	o.recMu.Unlock()
	o.logger.Info("binding status",
		zap.String("run", record.ID),
		zap.String("device", slot.DeviceID),
		zap.Int("constraint", slot.ConstraintIndex),
		zap.String("status", status))
}

func (o *Orchestrator) failBinding(record *models.RunRecord, slot *models.BindingState, exitCode int, reason string) {
	end := time.Now()
	o.recMu.Lock()
	slot.EndedAt = &end
	slot.ExitCode = exitCode
	slot.Error = reason
	o.recMu.Unlock()
	o.setStatus(record, slot, models.BindingFailed)

	if o.abortOnFailure {
		o.mu.Lock()
		cancel, ok := o.aborts[record.ID]
		if ok {
			o.failAborted[record.ID] = true
		}
		o.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// finalize computes the aggregate status and seals the record.
// Bindings still pending were cancelled by an earlier failure.
func (o *Orchestrator) finalize(record *models.RunRecord, aborted bool) {
	o.recMu.Lock()
	defer o.recMu.Unlock()

	if aborted {
		record.Status = models.RunAborted
	} else {
		record.Status = record.Aggregate()
	}
	end := time.Now()
	record.EndedAt = &end
	o.persist(record)

	o.logger.Info("run finished",
		zap.String("run", record.ID),
		zap.String("status", record.Status),
		zap.Duration("elapsed", end.Sub(record.StartedAt)))
}

func (o *Orchestrator) persist(record *models.RunRecord) {
	if err := o.store.SaveRun(record); err != nil {
		o.logger.Error("failed to persist run record",
			zap.String("run", record.ID),
			zap.Error(err))
	}
}

// containerLogDir returns the directory component of the in-container
// log path.
func containerLogDir(logPath string) string {
	idx := strings.LastIndex(logPath, "/")
	if idx <= 0 {
		return "/var/log/bramble"
	}
	return logPath[:idx]
}
