package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/protocol"
)

// DefaultBinary is the worker CLI invoked by ExecRunner.
const DefaultBinary = "gena"

// ExecRunner drives the local worker CLI: "<binary> worker status" and
// "<binary> worker run" with the job on standard input.
type ExecRunner struct {
	binary string
	home   string
	log    *logger.Logger
}

// NewExecRunner creates an ExecRunner. home is where the CLI keeps its
// output directory.
func NewExecRunner(binary, home string, log *logger.Logger) *ExecRunner {
	if binary == "" {
		binary = DefaultBinary
	}

	return &ExecRunner{binary: binary, home: home, log: log}
}

// Status implements Runner.
func (r *ExecRunner) Status(ctx context.Context) (protocol.StatusReply, error) {
	// #nosec G204 -- binary comes from the operator's configuration
	cmd := exec.CommandContext(ctx, r.binary, "worker", "status")

	output, err := cmd.Output()
	if err != nil {
		return protocol.StatusReply{}, fmt.Errorf("%s worker status failed: %w", r.binary, err)
	}

	return protocol.DecodeStatus(output)
}

// Run implements Runner. A result printed on standard output wins; otherwise
// the result file the CLI left in its output directory is read.
func (r *ExecRunner) Run(ctx context.Context, job protocol.Job) (protocol.Result, error) {
	payload, err := job.Encode()
	if err != nil {
		return protocol.Result{}, err
	}

	// #nosec G204 -- binary comes from the operator's configuration
	cmd := exec.CommandContext(ctx, r.binary, "worker", "run")
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	output, runErr := cmd.Output()

	result, err := protocol.DecodeResult(output)
	if err == nil {
		return result, nil
	}

	if runErr != nil {
		r.log.Warn("%s worker run for %s exited with %v - output: %s", r.binary, job.JobID, runErr, stderr.String())
	}

	resultPath := filepath.Join(r.home, protocol.ResultPath(job.JobID))

	data, readErr := os.ReadFile(resultPath)
	if readErr != nil {
		return protocol.Result{}, fmt.Errorf("no result for %s on stdout or in %s: %w", job.JobID, resultPath, err)
	}

	defer func() {
		removeErr := os.Remove(resultPath)
		if removeErr != nil {
			r.log.Warn("Failed to remove result file '%s': %v", resultPath, removeErr)
		}
	}()

	return protocol.DecodeResult(data)
}
