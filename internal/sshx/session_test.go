package sshx

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/models"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestConnect_RetriesThenErrConnection(t *testing.T) {
	// A listener that accepts and immediately hangs up fails every SSH
	// handshake, driving Connect through its whole retry loop.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var attempts atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			attempts.Add(1)
			conn.Close()
		}
	}()

	cfg := config.SSHConfig{
		KeyPath:         writeTestKey(t),
		Port:            ln.Addr().(*net.TCPAddr).Port,
		ConnectAttempts: 3,
		ConnectTimeout:  time.Second,
	}
	device := &models.Device{ID: "dev-a", IP: "127.0.0.1", User: "ubuntu"}

	_, err = Connect(context.Background(), device, cfg, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialAddr(t *testing.T) {
	d := &models.Device{IP: "192.168.4.21"}
	assert.Equal(t, "192.168.4.21:22", dialAddr(d, config.SSHConfig{}))
	assert.Equal(t, "192.168.4.21:2222", dialAddr(d, config.SSHConfig{Port: 2222}))
}

func TestCtxReader_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := ctxReader{ctx, strings.NewReader("payload")}

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cancel()
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteCommandError_TruncatesStderr(t *testing.T) {
	err := &RemoteCommandError{
		Cmd:      "docker load -i /tmp/stage.tar",
		ExitCode: 1,
		Stderr:   strings.Repeat("x", 500),
	}

	msg := err.Error()
	assert.Contains(t, msg, "exited 1")
	assert.Contains(t, msg, "...")
	assert.Less(t, len(msg), 300)
}

func TestTransferError_Unwrap(t *testing.T) {
	cause := errors.New("checksum mismatch")
	err := &TransferError{
		Local:  "/tmp/stage.tar",
		Remote: "/var/lib/bramble/stage.tar",
		Reason: "verification failed",
		Err:    cause,
	}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "verification failed")
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/var/lib/bramble", parentDir("/var/lib/bramble/stage.tar"))
	assert.Equal(t, "/", parentDir("/stage.tar"))
	assert.Equal(t, "/", parentDir("stage.tar"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
