package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxLineBytes bounds one stream-json line. Tool results that echo
// whole files run to several megabytes.
const maxLineBytes = 16 * 1024 * 1024

// Claude runs the claude CLI in bidirectional stream-json mode.
type Claude struct {
	Binary       string
	Model        string
	AllowedTools []string
	ExtraEnv     []string
	Logger       *zap.Logger
}

// Args returns the CLI arguments for req.
func (c *Claude) Args(req Request) []string {
	mode := req.PermissionMode
	if mode == "" {
		mode = "default"
	}
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-mode", mode,
		"--permission-prompt-tool", "stdio",
	}
	switch {
	case req.ResumeID != "":
		args = append(args, "--resume", req.ResumeID)
	case req.SessionID != "":
		args = append(args, "--session-id", req.SessionID)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if len(c.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, c.AllowedTools...)
	}
	return args
}

// Open starts the process and sends the prompt as the first user
// message. Cancelling ctx interrupts the process.
func (c *Claude) Open(ctx context.Context, req Request) (Stream, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, binary, c.Args(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), c.ExtraEnv...)
	// Claude finishes the current tool call and exits on SIGINT.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	s := &claudeStream{
		cmd:        cmd,
		stdin:      stdin,
		lines:      make(chan lineResult, 16),
		stderrDone: make(chan struct{}),
		logger:     logger.With(zap.Int("pid", cmd.Process.Pid)),
	}
	go s.readStdout(stdout)
	go s.logStderr(stderr)

	prompt := map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": req.Prompt},
	}
	if err := s.writeJSON(prompt); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("sending prompt: %w", err)
	}
	return s, nil
}

type lineResult struct {
	line []byte
	err  error
}

type claudeStream struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	lines      chan lineResult
	stderrDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func (s *claudeStream) readStdout(stdout io.Reader) {
	defer close(s.lines)
	scanner := bufio.NewScanner(stdout)
	// Tool results with large file contents produce long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.lines <- lineResult{line: append([]byte(nil), line...)}
	}
	if err := scanner.Err(); err != nil {
		s.lines <- lineResult{err: fmt.Errorf("reading agent output: %w", err)}
	}
}

func (s *claudeStream) logStderr(stderr io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("agent stderr unreadable", zap.Error(err))
		// Keep the pipe drained so the CLI never blocks on a write.
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func (s *claudeStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		if res.err != nil {
			return nil, res.err
		}
		ev, err := Decode(res.line)
		if err != nil {
			return nil, err
		}
		if _, done := ev.(Result); done {
			// The CLI keeps reading stdin for further turns until EOF.
			s.closeStdin()
		}
		return ev, nil
	}
}

func (s *claudeStream) Respond(ctx context.Context, requestID string, decision Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := map[string]any{"behavior": "deny", "message": decision.Message}
	if decision.Allow {
		input := decision.UpdatedInput
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else if decision.Message == "" {
		body["message"] = "denied by user"
	}
	return s.writeJSON(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   body,
		},
	})
}

func (s *claudeStream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return errors.New("agent input already closed")
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *claudeStream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stdinClosed {
		s.stdinClosed = true
		_ = s.stdin.Close()
	}
}

// Close interrupts the process if it is still running and reaps it.
func (s *claudeStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeStdin()
		if s.cmd.ProcessState == nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
		}
		// Drain so the reader goroutine can finish.
		go func() {
			for range s.lines {
			}
		}()
		err := s.cmd.Wait()
		<-s.stderrDone
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
