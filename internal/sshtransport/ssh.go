// Package sshtransport reaches workers over SSH. Jobs are written to the
// input stream of a remote run command; results come back on its output
// stream or through a result file; files move over SFTP.
package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/book-expert/tts-coordinator/internal/protocol"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote commands understood by the worker CLI.
const (
	StatusCommand = "gena worker status"
	RunCommand    = "gena worker run"
)

const (
	defaultPort        = 22
	dirPermissions     = 0o750
	homePrefix         = "~/"
	passwordRefPrefix  = "env:"
	errFmtSession      = "open ssh session on %s: %w"
	errFmtRemoteFailed = "remote command %q on %s failed: %w (stderr: %s)"
)

var (
	// ErrCredential is returned when the credential reference cannot be used.
	ErrCredential = errors.New("unusable credential reference")
	// ErrUnknownJob is returned when fetching a result for a job never sent
	// over this session.
	ErrUnknownJob = errors.New("job not sent on this session")
)

// Dialer opens SSH sessions to workers.
type Dialer struct {
	ConnectTimeout  time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Log             *logger.Logger
}

// NewDialer creates a Dialer that accepts any host key. Call
// VerifyKnownHosts to pin keys.
func NewDialer(connectTimeout time.Duration, log *logger.Logger) *Dialer {
	return &Dialer{
		ConnectTimeout:  connectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // workers are added by the operator
		Log:             log,
	}
}

// VerifyKnownHosts checks worker host keys against an OpenSSH known_hosts
// file.
func (d *Dialer) VerifyKnownHosts(path string) error {
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return fmt.Errorf("load known hosts %s: %w", path, err)
	}

	d.HostKeyCallback = callback

	return nil
}

// Dial implements core.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint core.Endpoint) (core.Transport, error) {
	auth, err := authMethod(endpoint.CredentialRef)
	if err != nil {
		return nil, err
	}

	port := endpoint.Port
	if port == 0 {
		port = defaultPort
	}

	user := endpoint.User
	if user == "" {
		user = os.Getenv("USER")
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}

	addr := net.JoinHostPort(endpoint.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: d.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (%s): %w", endpoint.Name, addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ssh handshake with %s: %w", endpoint.Name, err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("start sftp on %s: %w", endpoint.Name, err)
	}

	return &Transport{
		name:    endpoint.Name,
		client:  client,
		files:   sftpClient,
		log:     d.Log,
		mu:      sync.Mutex{},
		running: make(map[string]*runningJob),
	}, nil
}

// authMethod turns a credential reference into SSH auth. A reference of the
// form "env:NAME" reads a password from the environment; anything else is a
// private key path.
func authMethod(ref string) ([]ssh.AuthMethod, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty", ErrCredential)
	}

	if name, ok := strings.CutPrefix(ref, passwordRefPrefix); ok {
		password := os.Getenv(name)
		if password == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", ErrCredential, name)
		}

		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}

	keyPath := expandHome(ref)

	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %w", ErrCredential, keyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key %s: %w", ErrCredential, keyPath, err)
	}

	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, homePrefix)
	if !ok {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, rest)
}

type runningJob struct {
	session *ssh.Session
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	done    chan error
}

// Transport is one authenticated SSH connection to a worker.
type Transport struct {
	name   string
	client *ssh.Client
	files  *sftp.Client
	log    *logger.Logger

	mu      sync.Mutex
	running map[string]*runningJob
}

// Probe runs the worker status command.
func (t *Transport) Probe(ctx context.Context) (protocol.StatusReply, error) {
	out, err := t.run(ctx, StatusCommand)
	if err != nil {
		return protocol.StatusReply{}, err
	}

	return protocol.DecodeStatus(out)
}

// SendJob starts the run command and writes the job to its input stream.
func (t *Transport) SendJob(_ context.Context, job protocol.Job) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}

	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf(errFmtSession, t.name, err)
	}

	running := &runningJob{session: session, done: make(chan error, 1)}
	session.Stdout = &running.stdout
	session.Stderr = &running.stderr
	session.Stdin = bytes.NewReader(payload)

	err = session.Start(RunCommand)
	if err != nil {
		_ = session.Close()

		return fmt.Errorf("start %q on %s: %w", RunCommand, t.name, err)
	}

	go func() {
		running.done <- session.Wait()
	}()

	t.mu.Lock()
	t.running[job.JobID] = running
	t.mu.Unlock()

	return nil
}

// FetchResult waits for the run command to exit and reads its output. When
// the output is not a usable result, the result file is read instead. A run
// command that exited with an error and left no result file yields a failed
// result, so the job is retried without waiting out its timeout.
func (t *Transport) FetchResult(ctx context.Context, jobID string) (protocol.Result, error) {
	t.mu.Lock()
	running, ok := t.running[jobID]
	t.mu.Unlock()

	if !ok {
		return protocol.Result{}, fmt.Errorf("%w: %s on %s", ErrUnknownJob, jobID, t.name)
	}

	defer func() {
		t.mu.Lock()
		delete(t.running, jobID)
		t.mu.Unlock()

		_ = running.session.Close()
	}()

	var waitErr error

	select {
	case waitErr = <-running.done:
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	}

	result, err := protocol.DecodeResult(running.stdout.Bytes())
	if err == nil {
		return result, nil
	}

	if waitErr == nil {
		return t.readResultFile(jobID)
	}

	stderr := strings.TrimSpace(running.stderr.String())
	t.log.Warn("Run command for %s on %s exited with %v (stderr: %s)", jobID, t.name, waitErr, stderr)

	result, err = t.readResultFile(jobID)
	if errors.Is(err, os.ErrNotExist) {
		reason := fmt.Sprintf("run command on %s exited with %v and left no result", t.name, waitErr)
		if stderr != "" {
			reason += ": " + stderr
		}

		return protocol.FailedResult(jobID, reason, time.Now()), nil
	}

	return result, err
}

func (t *Transport) readResultFile(jobID string) (protocol.Result, error) {
	remote, err := t.open(protocol.ResultPath(jobID))
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: no result for %s on %s: %w", protocol.ErrProtocol, jobID, t.name, err)
	}
	defer remote.Close()

	data, err := io.ReadAll(remote)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("read result file for %s: %w", jobID, err)
	}

	return protocol.DecodeResult(data)
}

// FetchFile downloads a remote file over SFTP.
func (t *Transport) FetchFile(ctx context.Context, remotePath, localPath string) error {
	remote, err := t.open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s on %s: %w", remotePath, t.name, err)
	}
	defer remote.Close()

	err = os.MkdirAll(filepath.Dir(localPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", localPath, err)
	}

	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer local.Close()

	_, err = io.Copy(local, contextReader{ctx: ctx, r: remote})
	if err != nil {
		return fmt.Errorf("download %s from %s: %w", remotePath, t.name, err)
	}

	return local.Sync()
}

// UploadFile copies a local file to the worker over SFTP.
func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer local.Close()

	remotePath = t.resolve(remotePath)

	err = t.files.MkdirAll(path.Dir(remotePath))
	if err != nil {
		return fmt.Errorf("create remote dir for %s on %s: %w", remotePath, t.name, err)
	}

	remote, err := t.files.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s on %s: %w", remotePath, t.name, err)
	}
	defer remote.Close()

	_, err = io.Copy(remote, contextReader{ctx: ctx, r: local})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", localPath, t.name, err)
	}

	return nil
}

// RemoveFile deletes a remote file; a missing file is not an error.
func (t *Transport) RemoveFile(_ context.Context, remotePath string) error {
	err := t.files.Remove(t.resolve(remotePath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s on %s: %w", remotePath, t.name, err)
	}

	return nil
}

// Close tears down the SFTP subsystem and the SSH connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	for jobID, running := range t.running {
		_ = running.session.Close()
		delete(t.running, jobID)
	}
	t.mu.Unlock()

	return errors.Join(t.files.Close(), t.client.Close())
}

func (t *Transport) open(remotePath string) (*sftp.File, error) {
	return t.files.Open(t.resolve(remotePath))
}

// resolve maps "~/x" and relative paths onto the remote home directory.
// Absolute paths are used as given.
func (t *Transport) resolve(remotePath string) string {
	if path.IsAbs(remotePath) {
		return remotePath
	}

	remotePath = strings.TrimPrefix(remotePath, homePrefix)

	home, err := t.files.Getwd()
	if err != nil {
		return remotePath
	}

	return path.Join(home, remotePath)
}

// run executes a short command and returns its output.
func (t *Transport) run(ctx context.Context, command string) ([]byte, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf(errFmtSession, t.name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)

	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)

		return nil, ctx.Err()
	}

	if err != nil {
		return nil, fmt.Errorf(errFmtRemoteFailed, command, t.name, err, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// contextReader stops a copy once the context ends.
type contextReader struct {
	ctx context.Context //nolint:containedctx // scoped to a single io.Copy
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	err := c.ctx.Err()
	if err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
