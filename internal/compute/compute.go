// Package compute runs remotely submitted shell/exec tasks as subprocesses
// and reports their outcome back to the submitting peer, registered as a
// dispatcher service under the "compute" schema. Out of the protocol's core
// scope; it exists only to give the dispatcher a second real service to
// route to.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/sendworker"
)

// SchemaName is hashed with noisecrypto.SchemaHash to produce the schema_id
// this service is registered under.
const SchemaName = "compute"

// TaskStatus mirrors the small state machine a submitted task moves through.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// taskSubmit is the inbound envelope: either a shell string (Run) or a
// direct exec with arguments (Cmd/Args), never both.
type taskSubmit struct {
	TaskID string   `json:"task_id"`
	Run    string   `json:"run,omitempty"`
	Cmd    string   `json:"cmd,omitempty"`
	Args   []string `json:"args,omitempty"`
}

// taskResult is the outbound envelope reporting a task's outcome.
type taskResult struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	ExitCode  int        `json:"exit_code,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	Error     string     `json:"error,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
}

// sender is the narrow outbound interface Service needs, satisfied by
// *sendworker.Worker.
type sender interface {
	Send(target sendworker.SendTarget, schemaID [32]byte, typeTag uint16, payload []byte, flags uint8) error
}

// Service executes compute tasks delivered under the compute schema, one
// subprocess per task, bounded to maxConcurrent simultaneous runs.
type Service struct {
	send     sender
	workDir  string
	schemaID [32]byte

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewService builds a compute Service. maxConcurrent <= 0 defaults to 4.
func NewService(send sender, workDir string, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Service{
		send:     send,
		workDir:  workDir,
		schemaID: noisecrypto.SchemaHash(SchemaName),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// SchemaID returns the schema_id this service should be dispatch.Register'd
// under.
func (s *Service) SchemaID() [32]byte { return s.schemaID }

func (s *Service) OnActivate(peerKey [32]byte, sessionID [32]byte) {}

// OnChunk decodes one task submission and runs it asynchronously, so the
// dispatcher's receive path is never blocked on subprocess execution.
func (s *Service) OnChunk(peerKey [32]byte, sessionID [32]byte, data []byte) {
	var sub taskSubmit
	if err := json.Unmarshal(data, &sub); err != nil {
		log.Warn().Err(err).Msg("compute: invalid task submission")
		return
	}
	if sub.Run == "" && sub.Cmd == "" {
		log.Warn().Str("task_id", sub.TaskID).Msg("compute: task has neither run nor cmd")
		return
	}

	s.wg.Add(1)
	go s.runTask(sessionID, sub)
}

func (s *Service) OnDeactivate(peerKey [32]byte, sessionID [32]byte) {}

// Close waits for every in-flight task to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) runTask(sessionID [32]byte, sub taskSubmit) {
	defer s.wg.Done()
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	taskDir := filepath.Join(s.workDir, sub.TaskID)
	if err := os.MkdirAll(taskDir, 0o700); err != nil {
		s.sendResult(sessionID, taskResult{TaskID: sub.TaskID, Status: StatusFailed, Error: err.Error()})
		return
	}

	start := time.Now()
	stdout, stderr, exitCode, err := execute(sub, taskDir)
	elapsed := time.Since(start).Milliseconds()

	result := taskResult{
		TaskID:    sub.TaskID,
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		ElapsedMS: elapsed,
	}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
	} else {
		result.Status = StatusCompleted
	}
	s.sendResult(sessionID, result)
}

func execute(sub taskSubmit, taskDir string) (stdout, stderr string, exitCode int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var cmd *exec.Cmd
	if sub.Run != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", sub.Run)
	} else {
		cmd = exec.CommandContext(ctx, sub.Cmd, sub.Args...)
	}
	cmd.Dir = taskDir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else {
		exitCode = -1
	}
	if runErr != nil {
		return stdout, stderr, exitCode, fmt.Errorf("compute: exit %d: %w", exitCode, runErr)
	}
	return stdout, stderr, exitCode, nil
}

func (s *Service) sendResult(sessionID [32]byte, result taskResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Msg("compute: marshal result failed")
		return
	}
	target := sendworker.SendTarget{Kind: sendworker.TargetSession, SessionID: sessionID}
	if err := s.send.Send(target, s.schemaID, 0, payload, 0); err != nil {
		log.Warn().Err(err).Str("task_id", result.TaskID).Msg("compute: send result failed")
	}
}
