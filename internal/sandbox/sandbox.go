// Package sandbox runs model-generated analysis code against a table.
//
// Scripts are Starlark with a fixed set of predeclared bindings (df, plt, np,
// tabulate, math, json and time). There is no load statement and no binding
// touches the filesystem, network or processes, except for the PNG files the
// sandbox itself writes for the figures a script creates.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
)

const (
	DefaultPlotsDir  = "static/plots"
	DefaultURLPrefix = "/static/plots"
	plotStampLayout  = "20060102_150405"
)

// Options configures a Sandbox. Zero values select the defaults.
type Options struct {
	PlotsDir  string
	URLPrefix string
	// MaxSteps bounds the number of Starlark computation steps; 0 is unlimited.
	MaxSteps uint64
	// Timeout bounds one execution; 0 means only the caller's context applies.
	Timeout time.Duration
	SQL     SQLRunner
	Logger  *zap.Logger
	Now     func() time.Time
}

// Sandbox executes scripts one at a time.
type Sandbox struct {
	mu   sync.Mutex
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Sandbox {
	if opts.PlotsDir == "" {
		opts.PlotsDir = DefaultPlotsDir
	}
	if opts.URLPrefix == "" {
		opts.URLPrefix = DefaultURLPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sandbox{opts: opts, log: observability.OrNop(opts.Logger)}
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Execute runs code with t bound to df. It never returns an error: every
// failure, including a panic in a binding, is reported in the result's Error
// and no plots are kept. On success every figure the script created is saved
// as a PNG and listed in creation order.
func (s *Sandbox) Execute(ctx context.Context, code string, t *dataset.Table) (res envelope.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		observability.ObserveSandboxRun(res.OK(), len(res.Plots), time.Since(start))
	}()

	if t == nil {
		return envelope.Failed("no dataset is loaded")
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	figs := &figures{}
	out, err := s.run(ctx, prepareCode(code), t, figs)
	if err != nil {
		s.log.Debug("sandbox execution failed", zap.Error(err))
		return envelope.Failed(errorText(err))
	}
	plots, err := s.persist(figs.all)
	if err != nil {
		s.log.Warn("saving plots failed", zap.Error(err))
		return envelope.Failed(err.Error())
	}
	s.log.Debug("sandbox execution finished", zap.Int("output_bytes", len(out)), zap.Int("plots", len(plots)))
	return envelope.Succeeded(out, plots)
}

func (s *Sandbox) run(ctx context.Context, code string, t *dataset.Table, figs *figures) (out string, err error) {
	var buf strings.Builder
	thread := &starlark.Thread{
		Name:  "sandbox",
		Print: func(_ *starlark.Thread, msg string) { buf.WriteString(msg); buf.WriteByte('\n') },
	}
	if s.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.opts.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	env := &runEnv{ctx: ctx, sql: s.opts.SQL}
	predeclared := starlark.StringDict{
		"df":       newFrame(t, env),
		"plt":      pltModule(figs),
		"np":       npModule,
		"tabulate": starlark.NewBuiltin("tabulate", tabulateBuiltin),
		"math":     starmath.Module,
		"json":     starjson.Module,
		"time":     startime.Module,
	}
	if _, err := starlark.ExecFileOptions(fileOptions, thread, "<analysis>", code, predeclared); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// persist saves figures as plot_<stamp>_<n>.png. If any save fails the files
// already written for this run are removed.
func (s *Sandbox) persist(figs []*figure) ([]envelope.PlotInfo, error) {
	if len(figs) == 0 {
		return []envelope.PlotInfo{}, nil
	}
	if err := os.MkdirAll(s.opts.PlotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plots dir: %w", err)
	}
	now := s.opts.Now()
	stamp := now.Format(plotStampLayout)
	var written []string
	plots := make([]envelope.PlotInfo, 0, len(figs))
	index := 1
	for _, f := range figs {
		name, full, err := s.freeName(stamp, &index)
		if err == nil {
			err = f.save(full)
		}
		if err != nil {
			if full != "" {
				_ = os.Remove(full)
			}
			for _, w := range written {
				_ = os.Remove(w)
			}
			return nil, err
		}
		written = append(written, full)
		plots = append(plots, envelope.PlotInfo{
			Filename:  name,
			Path:      path.Join(s.opts.URLPrefix, name),
			CreatedAt: envelope.Timestamp(now),
		})
	}
	return plots, nil
}

const maxNameAttempts = 10000

// freeName returns the first unused plot name at or after *index. Stat errors
// other than not-exist are returned rather than treated as taken.
func (s *Sandbox) freeName(stamp string, index *int) (string, string, error) {
	for range maxNameAttempts {
		name := fmt.Sprintf("plot_%s_%d.png", stamp, *index)
		full := filepath.Join(s.opts.PlotsDir, name)
		*index++
		_, err := os.Stat(full)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return name, full, nil
		case err != nil:
			return "", "", fmt.Errorf("check plot file %s: %w", name, err)
		}
	}
	return "", "", fmt.Errorf("no free plot name for %s after %d attempts", stamp, maxNameAttempts)
}

var importLine = regexp.MustCompile(`(?m)^[ \t]*(import\s+\S.*|from\s+\S+\s+import\s+.*)$`)

// prepareCode drops Python import lines, which are meaningless here since
// every binding is predeclared.
func prepareCode(code string) string {
	return importLine.ReplaceAllString(code, "")
}

func errorText(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
