package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/deskmesh/deskmesh/logging"
)

const (
	methodListTools = "list_tools"
	methodCallTool  = "call_tool"

	// scanner limits for tool output lines
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 1024 * 1024
)

type wireRequest struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type wireResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubprocessServerOptions configure a SubprocessServer.
type SubprocessServerOptions struct {
	// Env adds environment variables to the child process.
	Env map[string]string
	// CloseGrace bounds how long Close waits for a clean exit before
	// killing the process. Default 5s.
	CloseGrace time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// SubprocessServer drives an external tool server over stdin/stdout using
// newline-delimited JSON request/response pairs. Requests are serialized:
// one in flight at a time, matched to its response by id. The child's stderr
// is drained into the debug log.
type SubprocessServer struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	sc     *bufio.Scanner
	logger logging.Logger
	grace  time.Duration

	mu     sync.Mutex
	nextID int
	closed bool

	stderrDone chan struct{}
}

var _ Server = (*SubprocessServer)(nil)

// StartSubprocessServer launches the configured command and wires its pipes.
// The returned server owns the child process; Close terminates it.
func StartSubprocessServer(id, command string, args []string, optFns ...func(o *SubprocessServerOptions)) (*SubprocessServer, error) {
	opts := SubprocessServerOptions{
		CloseGrace: 5 * time.Second,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cmd := exec.Command(command, args...)
	if len(opts.Env) > 0 {
		// Extra variables extend the parent environment; a bare cmd.Env
		// would hand the child only the extras.
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("tool server %s: stdin pipe: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("tool server %s: stdout pipe: %w", id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("tool server %s: stderr pipe: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("tool server %s: start %q: %w", id, command, err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, initialLineBuffer), maxLineBuffer)

	s := &SubprocessServer{
		id:         id,
		cmd:        cmd,
		stdin:      stdin,
		enc:        json.NewEncoder(stdin),
		sc:         sc,
		logger:     opts.Logger,
		grace:      opts.CloseGrace,
		stderrDone: make(chan struct{}),
	}
	go s.drainStderr(stderr)

	s.logger.Debug("tool server started", "server", id, "command", command, "pid", cmd.Process.Pid)

	return s, nil
}

func (s *SubprocessServer) drainStderr(stderr io.Reader) {
	defer close(s.stderrDone)
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		s.logger.Debug("tool server stderr", "server", s.id, "line", sc.Text())
	}
}

// ID implements Server.
func (s *SubprocessServer) ID() string { return s.id }

// ListTools implements Server.
func (s *SubprocessServer) ListTools(ctx context.Context) ([]Descriptor, error) {
	raw, err := s.roundTrip(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("tool server %s: decode tool list: %w", s.id, err)
	}
	for i := range payload.Tools {
		payload.Tools[i].ServerID = s.id
	}
	return payload.Tools, nil
}

// CallTool implements Server.
func (s *SubprocessServer) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := s.roundTrip(ctx, methodCallTool, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("tool server %s: decode call result: %w", s.id, err)
	}
	return payload.Output, nil
}

// roundTrip sends one request and blocks for its response line. A ctx
// expiry mid-call kills the child: a line-oriented protocol has no way to
// abandon a response without desynchronizing the stream.
func (s *SubprocessServer) roundTrip(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("tool server %s: closed", s.id)
	}

	s.nextID++
	req := wireRequest{ID: s.nextID, Method: method, Params: params}
	if err := s.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("tool server %s: send %s: %w", s.id, method, err)
	}

	type scanResult struct {
		line []byte
		err  error
	}
	lineCh := make(chan scanResult, 1)
	go func() {
		for s.sc.Scan() {
			line := s.sc.Bytes()
			if len(line) == 0 {
				continue
			}
			lineCh <- scanResult{line: append([]byte(nil), line...)}
			return
		}
		err := s.sc.Err()
		if err == nil {
			err = io.EOF
		}
		lineCh <- scanResult{err: err}
	}()

	select {
	case <-ctx.Done():
		s.killLocked()
		return nil, ctx.Err()
	case res := <-lineCh:
		if res.err != nil {
			return nil, fmt.Errorf("tool server %s: read response: %w", s.id, res.err)
		}
		var resp wireResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return nil, fmt.Errorf("tool server %s: parse response: %w", s.id, err)
		}
		if resp.ID != req.ID {
			return nil, fmt.Errorf("tool server %s: response id %d for request %d", s.id, resp.ID, req.ID)
		}
		if resp.Error != nil {
			code := resp.Error.Code
			if code == "" {
				code = CodeExecution
			}
			return nil, &Error{Tool: method, Message: resp.Error.Message, Code: code}
		}
		return resp.Result, nil
	}
}

func (s *SubprocessServer) killLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.logger.Warn("killing tool server", "server", s.id)
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	go s.cmd.Wait()
}

// Close implements Server. It closes stdin to signal a clean exit, then
// kills the process if it outlives the grace period.
func (s *SubprocessServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.stdin.Close()

	select {
	case <-s.stderrDone:
	case <-time.After(time.Second):
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
		s.logger.Debug("tool server exited", "server", s.id)
	case <-time.After(s.grace):
		s.logger.Warn("tool server not responding, killing process", "server", s.id)
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-done
	}
	return nil
}
