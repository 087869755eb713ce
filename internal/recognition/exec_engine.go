package recognition

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

// execEngine runs an external recognizer once per pass. The recognizer
// writes one JSON event per line to stdout and exits when the pass ends.
type execEngine struct {
	cmd []string
	log *slog.Logger

	mu     sync.Mutex
	active *execPass
}

type execPass struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// maxEventLine bounds a single stdout line from the recognizer.
const maxEventLine = 1 << 20

type execEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

func NewExecEngine(command string, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, args[0], err)
	}
	return &execEngine{cmd: args, log: log.With(slog.String("component", "exec-engine"))}, nil
}

func (e *execEngine) Start(ctx context.Context, opts Options, reactions Reactions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return ErrPassActive
	}

	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Continuous {
		cmdArgs = append(cmdArgs, "--continuous")
	}
	if opts.InterimResults {
		cmdArgs = append(cmdArgs, "--interim")
	}

	passCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(passCtx, base, cmdArgs...)
	// Interrupt first so the recognizer can flush its last result.
	command.Cancel = func() error { return command.Process.Signal(os.Interrupt) }
	command.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return &EngineError{Code: ErrorStartFailed, Err: err}
	}
	if err := command.Start(); err != nil {
		cancel()
		return &EngineError{Code: ErrorStartFailed, Err: err}
	}

	pass := &execPass{cancel: cancel}
	e.active = pass
	go e.run(pass, command, stdout, &stderr, reactions)
	return nil
}

func (e *execEngine) Stop() error {
	e.mu.Lock()
	pass := e.active
	e.mu.Unlock()
	if pass == nil {
		return nil
	}
	pass.stopped.Store(true)
	pass.cancel()
	return nil
}

func (e *execEngine) run(pass *execPass, command *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, reactions Reactions) {
	reported := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			e.log.Warn("invalid recognizer event", slog.String("error", err.Error()))
			continue
		}
		switch evt.Type {
		case "result":
			reactions.OnResult(evt.Text)
		case "error":
			reported = true
			reactions.OnError(reportedCode(evt.Error, ErrorNetwork))
		case "end":
			// the process exit closes the pass
		default:
			e.log.Warn("unknown recognizer event", slog.String("type", evt.Type))
		}
	}

	// Nobody reads stdout past a scan failure, so the recognizer would block
	// on a full pipe; cancel it and let WaitDelay bound the exit.
	if err := scanner.Err(); err != nil {
		pass.cancel()
		if !pass.stopped.Load() && !reported {
			e.log.Warn("failed to read recognizer output", slog.String("error", err.Error()))
			reported = true
			reactions.OnError(ErrorNetwork)
		}
	}

	err := command.Wait()
	if err != nil && !pass.stopped.Load() && !reported {
		e.log.Warn("recognizer exited with error",
			slog.String("error", err.Error()),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
		reactions.OnError(ErrorNetwork)
	}
	pass.cancel()

	e.mu.Lock()
	if e.active == pass {
		e.active = nil
	}
	e.mu.Unlock()
	reactions.OnEnd()
}
