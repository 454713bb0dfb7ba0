package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Interpreter is an allowed external command for one protocol language.
type Interpreter struct {
	Language    string            `yaml:"language" json:"language"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
}

// InterpreterFile represents the structure of interpreters.yaml.
type InterpreterFile struct {
	Interpreters []Interpreter `yaml:"interpreters" json:"interpreters"`
}

// LoadInterpreters reads a configuration file (YAML or JSON) and returns the
// interpreters keyed by language. A missing file means none are configured.
func LoadInterpreters(path string) (map[string]Interpreter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Interpreter{}, nil
		}
		return nil, fmt.Errorf("failed to read interpreters config: %w", err)
	}

	var cfg InterpreterFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	out := make(map[string]Interpreter)
	for _, in := range cfg.Interpreters {
		if in.Language == "" || in.Command == "" {
			continue
		}
		out[strings.ToLower(in.Language)] = in
	}
	return out, nil
}

// ProcessRuntime runs protocols in an external interpreter. Only languages
// registered in the allow-list can run.
//
// The interpreter receives one JSON document on stdin with the program and
// its bindings, and writes tagged lines to stdout. Untagged stdout lines are
// treated as plain output; stderr lines are tagged stderr.
type ProcessRuntime struct {
	registry map[string]Interpreter
	baseDir  string
	grace    time.Duration
	logger   *slog.Logger
}

// ProcessOption configures the ProcessRuntime.
type ProcessOption func(*ProcessRuntime)

// WithInterpreters populates the allow-list.
func WithInterpreters(in map[string]Interpreter) ProcessOption {
	return func(r *ProcessRuntime) {
		for lang, i := range in {
			r.registry[strings.ToLower(lang)] = i
		}
	}
}

// WithBaseDir sets the working directory for interpreter processes.
func WithBaseDir(dir string) ProcessOption {
	return func(r *ProcessRuntime) {
		r.baseDir = dir
	}
}

// WithGracePeriod sets how long an interrupted process may take to exit
// before it is killed.
func WithGracePeriod(d time.Duration) ProcessOption {
	return func(r *ProcessRuntime) {
		r.grace = d
	}
}

// WithProcessLogger configures a logger for the runtime.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(r *ProcessRuntime) {
		r.logger = logger
	}
}

// NewProcessRuntime creates a process runtime.
func NewProcessRuntime(opts ...ProcessOption) *ProcessRuntime {
	r := &ProcessRuntime{
		registry: make(map[string]Interpreter),
		grace:    5 * time.Second,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted interpreter to the allow-list.
func (r *ProcessRuntime) Register(language, command string, args ...string) {
	r.registry[strings.ToLower(language)] = Interpreter{Language: language, Command: command, Args: args}
}

type processInput struct {
	ProtocolID string         `json:"protocolId"`
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Assets     map[string]any `json:"assets,omitempty"`
}

// Run starts the interpreter and streams its output into sink.
// Interruption sends SIGINT first and kills the process after the grace period.
func (r *ProcessRuntime) Run(ctx context.Context, prog domain.Program, sink io.Writer) error {
	interp, ok := r.registry[strings.ToLower(prog.Language)]
	if !ok {
		return &CrashError{Err: fmt.Errorf("no interpreter registered for language %q", prog.Language)}
	}

	input, err := json.Marshal(processInput{
		ProtocolID: prog.ProtocolID,
		Name:       prog.Name,
		Source:     prog.Source,
		Parameters: prog.Parameters,
		Assets:     prog.Assets,
	})
	if err != nil {
		return &CrashError{Err: fmt.Errorf("failed to encode program: %w", err)}
	}

	cmd := exec.CommandContext(ctx, interp.Command, interp.Args...)
	cmd.Dir = r.baseDir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.grace

	env := []string{"LABRUN_PROTOCOL_ID=" + prog.ProtocolID}
	for k, v := range interp.Environment {
		env = append(env, k+"="+v)
	}
	cmd.Env = append(cmd.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CrashError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &CrashError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &CrashError{Err: fmt.Errorf("failed to start %s: %w", interp.Command, err)}
	}
	r.logger.Debug("interpreter started", "command", interp.Command, "pid", cmd.Process.Pid)

	emit := NewEmitter(sink)
	stderrDone := make(chan struct{})
	var tail lastLines
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			_ = emit.Emit(TagStderr, line)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var sinkErr error
	for scanner.Scan() {
		if err := emit.WriteLine(scanner.Bytes()); err != nil {
			sinkErr = err
			_ = cmd.Cancel()
			break
		}
	}
	if sinkErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	<-stderrDone

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case sinkErr != nil:
		return sinkErr
	case waitErr == nil:
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		msg := fmt.Sprintf("interpreter exited with status %d", exitErr.ExitCode())
		if last := tail.String(); last != "" {
			msg += ": " + last
		}
		return &ScriptError{Err: errors.New(msg)}
	}
	return &CrashError{Err: waitErr}
}

// lastLines keeps the last few stderr lines for error messages.
type lastLines struct {
	lines []string
}

func (l *lastLines) add(s string) {
	l.lines = append(l.lines, s)
	if len(l.lines) > 3 {
		l.lines = l.lines[1:]
	}
}

func (l *lastLines) String() string {
	return strings.TrimSpace(strings.Join(l.lines, " | "))
}
