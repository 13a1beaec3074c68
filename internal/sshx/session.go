// Package sshx provides the SSH control channel to LAN devices: remote
// command execution and verified file transfer, with bounded retry on
// connect. It is the only layer that touches the network during an
// orchestration pass.
package sshx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/models"
)

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner is the remote-execution surface the orchestrator depends on.
// The production implementation is *Session; tests substitute fakes.
type Runner interface {
	// Execute runs a command on the device. A non-zero exit returns
	// the result together with a *RemoteCommandError.
	Execute(ctx context.Context, cmd string) (ExecResult, error)

	// Upload copies a local file to the device and verifies byte count
	// and checksum. UploadStream does the same from a reader.
	Upload(ctx context.Context, localPath, remotePath string) error
	UploadStream(ctx context.Context, r io.Reader, remotePath string) error

	// Download copies a remote file to the local filesystem with
	// byte-count verification.
	Download(ctx context.Context, remotePath, localPath string) error

	// Open opens a remote file for reading (telemetry log retrieval).
	Open(remotePath string) (io.ReadCloser, error)

	Close() error
}

// Session is an authenticated SSH+SFTP channel to one device. Sessions
// are reusable for multiple commands within one orchestration pass but
// must not be shared across concurrent passes on the same device.
type Session struct {
	device *models.Device
	client *ssh.Client
	sftp   *sftp.Client
	logger *zap.Logger
}

// Connect opens an authenticated session to the device, retrying
// transient failures with exponential backoff up to the configured
// attempt limit. After exhaustion it fails with ErrConnection. The
// registry record of the device is never touched here.
func Connect(ctx context.Context, device *models.Device, cfg config.SSHConfig, logger *zap.Logger) (*Session, error) {
	clientCfg, err := clientConfig(device, cfg)
	if err != nil {
		return nil, err
	}

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	addr := dialAddr(device, cfg)

	dial := func() (*ssh.Client, error) {
		client, err := ssh.Dial("tcp", addr, clientCfg)
		if err != nil {
			logger.Debug("dial failed, will retry",
				zap.String("device", device.ID),
				zap.Error(err))
			return nil, err
		}
		return client, nil
	}

	client, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnection, addr, attempts, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: sftp subsystem on %s: %v", ErrConnection, addr, err)
	}

	logger.Info("session established",
		zap.String("device", device.ID),
		zap.String("addr", addr))

	return &Session{
		device: device,
		client: client,
		sftp:   sftpClient,
		logger: logger,
	}, nil
}

// dialAddr resolves the SSH endpoint for a device: its registry IP on
// the configured port, 22 when none is set.
func dialAddr(device *models.Device, cfg config.SSHConfig) string {
	if cfg.Port <= 0 {
		return device.Addr()
	}
	return net.JoinHostPort(device.IP, strconv.Itoa(cfg.Port))
}

func clientConfig(device *models.Device, cfg config.SSHConfig) (*ssh.ClientConfig, error) {
	user := device.User
	if user == "" {
		user = cfg.User
	}
	keyPath := device.KeyPath
	if keyPath == "" {
		keyPath = cfg.KeyPath
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Boards on the LAN are enumerated by the user; host keys churn
		// on every re-image.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Execute runs a command on the device. The context bounds the command;
// on expiry the underlying channel is torn down, never left dangling.
func (s *Session) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to open exec channel on %s: %w", s.device.ID, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return ExecResult{}, fmt.Errorf("command %q on %s: %w", cmd, s.device.ID, ctx.Err())
	case err = <-done:
	}

	result := ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &RemoteCommandError{
				Cmd:      cmd,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}
		return result, fmt.Errorf("command %q on %s: %w", cmd, s.device.ID, err)
	}

	return result, nil
}

// Upload copies a local file to the device, then verifies byte count
// and SHA-256 checksum against the remote copy.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Reason: "open local file", Err: err}
	}
	defer f.Close()
	return s.uploadVerified(ctx, f, localPath, remotePath)
}

// UploadStream copies from a reader to the device with the same
// post-transfer verification as Upload.
func (s *Session) UploadStream(ctx context.Context, r io.Reader, remotePath string) error {
	return s.uploadVerified(ctx, r, "(stream)", remotePath)
}

func (s *Session) uploadVerified(ctx context.Context, r io.Reader, localName, remotePath string) error {
	if err := s.sftp.MkdirAll(parentDir(remotePath)); err != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "create remote directory", Err: err}
	}

	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "create remote file", Err: err}
	}

	hasher := sha256.New()
	written, err := io.Copy(dst, io.TeeReader(ctxReader{ctx, r}, hasher))
	closeErr := dst.Close()
	if err != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "copy", Err: err}
	}
	if closeErr != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "close remote file", Err: closeErr}
	}

	// Verify byte count, then checksum. A truncated or corrupted copy
	// must never be loaded onto the device.
	stat, err := s.sftp.Stat(remotePath)
	if err != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "stat remote file", Err: err}
	}
	if stat.Size() != written {
		return &TransferError{
			Local:  localName,
			Remote: remotePath,
			Reason: fmt.Sprintf("size mismatch: wrote %d bytes, remote has %d", written, stat.Size()),
		}
	}

	want := hex.EncodeToString(hasher.Sum(nil))
	res, err := s.Execute(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return &TransferError{Local: localName, Remote: remotePath, Reason: "remote checksum", Err: err}
	}
	got := strings.Fields(res.Stdout)
	if len(got) == 0 || got[0] != want {
		return &TransferError{
			Local:  localName,
			Remote: remotePath,
			Reason: "checksum mismatch after transfer",
		}
	}

	s.logger.Debug("upload verified",
		zap.String("device", s.device.ID),
		zap.String("remote", remotePath),
		zap.Int64("bytes", written))

	return nil
}

// Download copies a remote file to the local filesystem with byte-count
// verification.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Reason: "open remote file", Err: err}
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Reason: "stat remote file", Err: err}
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Reason: "create local file", Err: err}
	}
	defer dst.Close()

	written, err := io.Copy(dst, ctxReader{ctx, src})
	if err != nil {
		return &TransferError{Local: localPath, Remote: remotePath, Reason: "copy", Err: err}
	}
	if written != stat.Size() {
		return &TransferError{
			Local:  localPath,
			Remote: remotePath,
			Reason: fmt.Sprintf("size mismatch: remote has %d bytes, wrote %d", stat.Size(), written),
		}
	}

	return nil
}

// Open opens a remote file for reading.
func (s *Session) Open(remotePath string) (io.ReadCloser, error) {
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s on %s: %w", remotePath, s.device.ID, err)
	}
	return f, nil
}

// ProbeCapabilities verifies the host-preparation precondition: the
// device must have a container engine on PATH. Provisioning itself is
// a one-shot external script, not re-run here.
func (s *Session) ProbeCapabilities(ctx context.Context) error {
	if _, err := s.Execute(ctx, "docker version --format '{{.Server.Version}}'"); err != nil {
		return fmt.Errorf("device %s is missing a container engine: %w", s.device.ID, err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	var firstErr error
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil {
			firstErr = err
		}
		s.sftp = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.client = nil
	}
	return firstErr
}

// Device returns the device this session is bound to.
func (s *Session) Device() *models.Device {
	return s.device
}

// ctxReader stops a transfer between chunks once its context expires.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
