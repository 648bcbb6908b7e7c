package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecRecognizer streams recognition events from an external command. The
// command writes one JSON object per line to stdout and exits once its stdin
// is closed.
type ExecRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
	log *slog.Logger

	mu        sync.Mutex
	available bool
	run       *execRun
	events    <-chan Result
}

type execRun struct {
	proc     *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	events   chan Result
	canceled bool
}

type execLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	Language   string  `json:"language"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, log *slog.Logger) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &ExecRecognizer{
		cmd: args,
		cfg: cfg,
		log: log.With(slog.String("component", "exec-recognizer")),
	}, nil
}

func (r *ExecRecognizer) Initialize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		r.available = false
		return Fatal(fmt.Errorf("recognizer command %q: %w", r.cmd[0], err))
	}
	r.available = true
	return nil
}

func (r *ExecRecognizer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *ExecRecognizer) Start(_ context.Context, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return ErrAlreadyListening
	}

	args := append([]string{}, r.cmd[1:]...)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	locale := opts.LocaleHint
	if locale == "" {
		locale = r.cfg.Language
	}
	if locale != "" {
		args = append(args, "--language", locale)
	}
	if opts.PartialResults {
		args = append(args, "--partial")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc := exec.CommandContext(procCtx, r.cmd[0], args...)
	var stderr bytes.Buffer
	proc.Stderr = &stderr
	proc.WaitDelay = 2 * time.Second
	stdin, err := proc.StdinPipe()
	if err != nil {
		cancel()
		return Transient(fmt.Errorf("recognizer stdin: %w", err))
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		cancel()
		return Transient(fmt.Errorf("recognizer stdout: %w", err))
	}
	if err := proc.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			r.available = false
			return Fatal(err)
		}
		return Transient(fmt.Errorf("start recognizer command: %w", err))
	}

	run := &execRun{
		proc:   proc,
		stdin:  stdin,
		cancel: cancel,
		events: make(chan Result, 64),
	}
	r.run = run
	r.events = run.events
	go r.read(run, stdout, &stderr)
	return nil
}

func (r *ExecRecognizer) read(run *execRun, stdout io.Reader, stderr *bytes.Buffer) {
	defer close(run.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			r.log.Warn("skipping undecodable recognizer line", slogError(err))
			continue
		}
		run.events <- Result{Event: RecognitionEvent{
			Text:       msg.Text,
			Confidence: msg.Confidence,
			Final:      msg.Final,
			Language:   msg.Language,
		}}
	}

	waitErr := run.proc.Wait()

	r.mu.Lock()
	canceled := run.canceled
	if r.run == run {
		r.run = nil
	}
	r.mu.Unlock()
	run.cancel()

	if canceled {
		return
	}
	if waitErr != nil {
		run.events <- Result{Err: Transient(fmt.Errorf("recognizer command failed: %w: %s", waitErr, stderr.String()))}
	}
}

func (r *ExecRecognizer) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return ErrNotListening
	}
	if err := r.run.stdin.Close(); err != nil {
		return Transient(fmt.Errorf("close recognizer stdin: %w", err))
	}
	return nil
}

func (r *ExecRecognizer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return
	}
	r.run.canceled = true
	r.run.cancel()
}

func (r *ExecRecognizer) Events() <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
