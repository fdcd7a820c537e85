// Package kernel implements the Kernel Session: one long-lived interpreter
// subprocess per sandbox, driven through a message-oriented protocol and
// correlated back to the submission that caused each message.
package kernel

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/pkg/types"
	"github.com/creack/pty"
	"github.com/google/uuid"
)

//go:embed assets/runner.py
var runnerAssets embed.FS

const runnerAssetName = "assets/runner.py"
const runnerFileName = ".sandboxd_runner.py"

// initSnippet registers the bundled font with the plotting library so
// later rendered figures contain non-Latin glyphs. Its result is always
// discarded; it exists purely as a session-startup side effect.
const initSnippet = `
import os
try:
    import matplotlib as mpl
    import matplotlib.font_manager as fm
    font_path = os.path.join(os.getcwd(), "sandbox-glyphs.manifest")
    if os.path.exists(font_path):
        try:
            fm.fontManager.addfont(font_path)
            font_name = fm.FontProperties(fname=font_path).get_name()
            mpl.rcParams["font.sans-serif"] = [font_name] + mpl.rcParams["font.sans-serif"]
            mpl.rcParams["font.family"] = "sans-serif"
        except Exception:
            pass
except ImportError:
    pass
`

// State is one of the Kernel Session's lifecycle states.
type State int

const (
	StateStarting State = iota
	StateReady
	StateExecuting
	StateClosed
)

// Session owns one interpreter subprocess for one sandbox.
type Session struct {
	sandboxID string
	workDir   string
	envDir    string

	cmd *exec.Cmd
	pty *os.File

	mu sync.Mutex // single-flight: at most one Execute/Install in flight

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once
	closedCh  chan struct{}

	msgCh      chan Message
	msgChClose sync.Once

	execCounter uint64
}

// Start launches the interpreter subprocess rooted at workDir, with envDir
// advertised through the environment, waits for the startup handshake, and
// runs the one-shot font-registration initialization snippet before
// returning the ready session.
func Start(ctx context.Context, sandboxID, workDir, envDir string, startTimeout time.Duration) (*Session, error) {
	runnerPath, err := extractRunner(envDir)
	if err != nil {
		return nil, types.NewError(types.KindSessionStart, sandboxID, "Start", err)
	}

	pythonBin := filepath.Join(envDir, "bin", "python3")
	if _, err := os.Stat(pythonBin); err != nil {
		pythonBin = "python3"
	}

	cmd := exec.CommandContext(ctx, pythonBin, runnerPath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"VIRTUAL_ENV="+envDir,
		"PATH="+filepath.Join(envDir, "bin")+string(os.PathListSeparator)+os.Getenv("PATH"),
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, types.NewError(types.KindSessionStart, sandboxID, "Start", fmt.Errorf("start pty: %w", err))
	}

	s := &Session{
		sandboxID: sandboxID,
		workDir:   workDir,
		envDir:    envDir,
		cmd:       cmd,
		pty:       ptmx,
		state:     StateStarting,
		closedCh:  make(chan struct{}),
		msgCh:     make(chan Message, 64),
	}

	go s.pumpReader()

	if err := s.awaitReady(startTimeout); err != nil {
		s.teardown()
		return nil, types.NewError(types.KindSessionStart, sandboxID, "Start", err)
	}

	s.setState(StateReady)

	// Initialization side effect: discard the result, but propagate a
	// hard startup failure (e.g. the child died before the snippet ran).
	if _, _, err := s.runAndCollect(context.Background(), initSnippet, time.Minute); err != nil {
		s.teardown()
		return nil, types.NewError(types.KindSessionStart, sandboxID, "Start", err)
	}

	return s, nil
}

func extractRunner(envDir string) (string, error) {
	data, err := runnerAssets.ReadFile(runnerAssetName)
	if err != nil {
		return "", fmt.Errorf("read embedded runner: %w", err)
	}
	path := filepath.Join(envDir, runnerFileName)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("write runner to env_dir: %w", err)
	}
	return path, nil
}

// awaitReady blocks until the child emits its first message or the
// startup timeout elapses.
func (s *Session) awaitReady(timeout time.Duration) error {
	select {
	case _, ok := <-s.msgCh:
		if !ok {
			return errors.New("interpreter exited before becoming ready")
		}
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for interpreter startup handshake")
	case <-s.closedCh:
		return errors.New("session closed during startup")
	}
}

// pumpReader scans the pty for newline-framed JSON messages and forwards
// them to msgCh. It is the sole writer and closer of msgCh.
func (s *Session) pumpReader() {
	defer s.msgChClose.Do(func() { close(s.msgCh) })

	reader := bufio.NewReader(s.pty)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			var msg Message
			if jsonErr := json.Unmarshal([]byte(line), &msg); jsonErr == nil {
				select {
				case s.msgCh <- msg:
				case <-s.closedCh:
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.Warn("kernel pty read error", logging.String("sandbox_id", s.sandboxID), logging.Err(err))
			}
			return
		}
	}
}

// Execute submits code, pumps the output stream, and assembles the
// resulting execution record. Single-flight: callers are serialized by mu.
func (s *Session) Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return nil, types.NewError(types.KindClosed, s.sandboxID, "Execute", errors.New("session is closed"))
	}

	s.setState(StateExecuting)
	defer s.setState(StateReady)

	s.execCounter++
	counter := s.execCounter

	record, closedDuring, err := s.runAndCollect(ctx, code, timeout)
	if closedDuring {
		return nil, types.NewError(types.KindClosed, s.sandboxID, "Execute", errors.New("session closed while executing"))
	}
	if err != nil {
		return nil, types.NewError(types.KindExecuteInternal, s.sandboxID, "Execute", err)
	}
	record.ExecCounter = counter
	return record, nil
}

// runAndCollect submits code and pumps messages until execute_reply /
// idle status, a per-message timeout elapses, or shutdown preempts it.
// It is shared by Execute and the startup initialization snippet.
func (s *Session) runAndCollect(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionRecord, bool, error) {
	msgID := uuid.NewString()
	sub := submission{Header: submissionHeader{MsgID: msgID}, Content: submissionContent{Code: code}}
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, false, fmt.Errorf("marshal submission: %w", err)
	}

	if _, err := s.pty.Write(append(payload, '\n')); err != nil {
		return nil, false, fmt.Errorf("write submission: %w", err)
	}

	record := &types.ExecutionRecord{Stdout: []string{}, Stderr: []string{}, Results: []types.Result{}}

	for {
		select {
		case <-ctx.Done():
			return finalize(record), false, ctx.Err()
		case <-s.closedCh:
			return finalize(record), true, nil
		case <-time.After(timeout):
			return finalize(record), false, nil
		case msg, ok := <-s.msgCh:
			if !ok {
				if s.isClosed() {
					return finalize(record), true, nil
				}
				return finalize(record), false, errors.New("interpreter output stream ended unexpectedly")
			}
			// Correlation filter: discard anything not belonging to this
			// submission. This is the only thing preventing cross-request
			// contamination on the publish channel.
			if msg.ParentHeader.MsgID != msgID {
				continue
			}
			done := dispatch(record, msg)
			if done {
				return finalize(record), false, nil
			}
		}
	}
}

// dispatch applies one message to record, reporting whether the pump
// should terminate.
func dispatch(record *types.ExecutionRecord, msg Message) (done bool) {
	switch msg.Header.MsgType {
	case msgTypeStream:
		var c streamContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return false
		}
		if c.Name == "stderr" {
			record.Stderr = append(record.Stderr, c.Text)
		} else {
			record.Stdout = append(record.Stdout, c.Text)
		}
	case msgTypeError:
		var c errorContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return false
		}
		record.Error = &types.ExecutionError{Name: c.EName, Value: c.EValue, Traceback: c.Traceback}
	case msgTypeExecuteResult, msgTypeDisplayData:
		var c dataContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return false
		}
		for mediaType, data := range c.Data {
			record.Results = append(record.Results, types.Result{MediaType: mediaType, Data: data})
		}
	case msgTypeExecuteReply:
		return true
	case msgTypeStatus:
		var c statusContent
		if err := json.Unmarshal(msg.Content, &c); err == nil && c.ExecutionState == "idle" {
			return true
		}
	}
	return false
}

// finalize strips ANSI control sequences from every text field before the
// record is returned to a caller.
func finalize(record *types.ExecutionRecord) *types.ExecutionRecord {
	record.Stdout = stripANSIAll(record.Stdout)
	record.Stderr = stripANSIAll(record.Stderr)
	if record.Error != nil {
		record.Error.Name = stripANSI(record.Error.Name)
		record.Error.Value = stripANSI(record.Error.Value)
		record.Error.Traceback = stripANSIAll(record.Error.Traceback)
	}
	return record
}

// Install shells out to the environment's package installer. A non-zero
// exit is reported as InstallResult.Success == false, never raised.
func (s *Session) Install(ctx context.Context, pkg string, timeout time.Duration) (*types.InstallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return nil, types.NewError(types.KindClosed, s.sandboxID, "Install", errors.New("session is closed"))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pip := filepath.Join(s.envDir, "bin", "pip")
	cmd := exec.CommandContext(ctx, pip, "install", pkg)
	out, err := cmd.CombinedOutput()

	result := &types.InstallResult{Stdout: string(out)}
	if err == nil {
		result.Success = true
		result.Message = "installed"
		return result, nil
	}

	result.Success = false
	result.Message = err.Error()
	return result, nil
}

// Shutdown stops the output pump, terminates the child, and removes both
// directories. Idempotent and best-effort: errors are logged, not raised.
func (s *Session) Shutdown() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closedCh)
		s.teardown()
	})
	return nil
}

func (s *Session) teardown() {
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			logging.Warn("kernel process kill failed", logging.String("sandbox_id", s.sandboxID), logging.Err(err))
		}
	}
	if s.pty != nil {
		s.pty.Close()
	}
	if s.workDir != "" {
		if err := os.RemoveAll(s.workDir); err != nil {
			logging.Warn("work_dir cleanup failed", logging.String("sandbox_id", s.sandboxID), logging.Err(err))
		}
	}
	if s.envDir != "" {
		if err := os.RemoveAll(s.envDir); err != nil {
			logging.Warn("env_dir cleanup failed", logging.String("sandbox_id", s.sandboxID), logging.Err(err))
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}
