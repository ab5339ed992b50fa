package ytdlp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cwygoda/snatcher/internal/domain"
)

const diagnosticTail = 30 // stderr lines kept for failure classification

// Runner spawns one yt-dlp process per Start call. It implements
// domain.Runner; processes are never reused across jobs.
type Runner struct {
	opts  Options
	grace time.Duration
}

// NewRunner creates a runner. grace is how long a terminated process may
// take to exit before it is killed.
func NewRunner(opts Options, grace time.Duration) *Runner {
	if opts.Path == "" {
		opts.Path = "yt-dlp"
	}
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Runner{opts: opts, grace: grace}
}

// Start launches the download process for the given spec. It returns an
// error only when the process cannot be spawned at all; every later
// failure surfaces as the RunnerExit event on the process's stream.
func (r *Runner) Start(ctx context.Context, spec domain.Spec, outputPath string) (domain.Process, error) {
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.Command(r.opts.Path, BuildArgs(spec, outputPath, r.opts)...)
	cmd.Dir = spec.OutputDir
	// Own process group, so termination reaches helper children too and
	// none of them keeps the output pipes open past the kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", r.opts.Path, err)
	}

	p := &process{
		cmd:    cmd,
		events: make(chan domain.RunnerEvent, 64),
		done:   make(chan struct{}),
		grace:  r.grace,
	}
	go p.pump(stdout, stderr)
	go func() {
		select {
		case <-ctx.Done():
			p.Terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	events chan domain.RunnerEvent
	done   chan struct{}
	grace  time.Duration
	term   sync.Once

	mu       sync.Mutex
	errLines []string
	tail     []string
}

func (p *process) Events() <-chan domain.RunnerEvent { return p.events }

// Terminate asks the process to stop, killing it after the grace period.
// Idempotent and safe after exit: signalling a dead process is a no-op.
func (p *process) Terminate() {
	p.term.Do(func() {
		go func() {
			_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-p.done:
			case <-time.After(p.grace):
				_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
			}
		}()
	})
}

// pump streams stdout through the parser and stderr as diagnostic log
// events, then waits for exit and emits the terminal RunnerExit.
func (p *process) pump(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			upd := Parse(line)
			if upd == nil {
				return
			}
			switch upd.Status {
			case StatusDownloading:
				p.events <- domain.RunnerEvent{Kind: domain.RunnerProgress, Progress: upd.Progress}
			case StatusError:
				p.remember(upd.Message, true)
				p.events <- domain.RunnerEvent{Kind: domain.RunnerLog, Line: line}
			}
		})
	}()

	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			if upd := Parse("stderr:" + line); upd != nil && upd.Status == StatusError {
				p.remember(upd.Message, true)
			} else {
				p.remember(line, false)
			}
			p.events <- domain.RunnerEvent{Kind: domain.RunnerLog, Line: line}
		})
	}()

	wg.Wait()
	err := p.cmd.Wait()
	close(p.done)

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.events <- domain.RunnerEvent{Kind: domain.RunnerExit, ExitCode: code, Diagnostic: p.diagnostic(code, err)}
	close(p.events)
}

func (p *process) remember(line string, isError bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if isError {
		p.errLines = append(p.errLines, line)
		return
	}
	p.tail = append(p.tail, line)
	if len(p.tail) > diagnosticTail {
		p.tail = p.tail[len(p.tail)-diagnosticTail:]
	}
}

// diagnostic prefers explicit ERROR lines over the raw stderr tail. A
// zero exit with no ERROR lines yields an empty diagnostic, which is
// the success signal; the tool can emit ERROR lines and still exit 0
// (ignore-errors playlist mode), and those must not read as success.
func (p *process) diagnostic(code int, waitErr error) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errLines) > 0 {
		return strings.Join(p.errLines, "\n")
	}
	if code == 0 {
		return ""
	}
	if len(p.tail) > 0 {
		return strings.Join(p.tail, "\n")
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return ""
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
}
