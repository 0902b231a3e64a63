package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"require-gpu/internal/config"
	"require-gpu/internal/notify"
	"require-gpu/internal/report"
	"require-gpu/internal/runner"
	"require-gpu/internal/sampling"
	"require-gpu/internal/selector"
	"require-gpu/internal/waiter"
)

const (
	// ExitCancelled is returned when the wait was interrupted.
	ExitCancelled = 3
	// ExitUnavailable is returned in once mode when too few GPUs are free.
	ExitUnavailable = 127
)

type Options struct {
	Config  config.Options
	Sampler sampling.Sampler
	Mailer  notify.Mailer
	// Identity is resolved only when a mail is sent.
	Identity func() notify.Identity
	Logger   *zap.Logger
	// ReleaseSignals, if set, is called once the wait succeeded so that an
	// interrupt during the command gets the default signal behavior.
	ReleaseSignals func()

	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Environ []string

	Sleep waiter.SleepFunc
	Rand  *rand.Rand
}

type Agent struct {
	cfg     config.Options
	sampler sampling.Sampler
	mailer  notify.Mailer
	ident   func() notify.Identity
	log     *zap.Logger
	release func()

	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	environ []string

	sleep waiter.SleepFunc
	rng   *rand.Rand
}

func New(opts Options) *Agent {
	a := &Agent{
		cfg:     opts.Config,
		sampler: opts.Sampler,
		mailer:  opts.Mailer,
		ident:   opts.Identity,
		log:     opts.Logger,
		release: opts.ReleaseSignals,
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
		environ: opts.Environ,
		sleep:   opts.Sleep,
		rng:     opts.Rand,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.ident == nil {
		a.ident = notify.LocalIdentity
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if a.stdout == nil {
		a.stdout = io.Discard
	}
	if a.stderr == nil {
		a.stderr = io.Discard
	}
	return a
}

// Run waits for GPUs and acts on them. The returned code is the process exit
// status; err is set only for failures that should abort the process.
func (a *Agent) Run(ctx context.Context) (int, error) {
	a.log.Debug("waiting for gpus",
		zap.String("sampler", a.sampler.Name()),
		zap.Int("n", a.cfg.N),
		zap.Float64("interval_min", a.cfg.Interval),
		zap.Bool("once", a.cfg.Once))

	snap, err := waiter.Wait(ctx, waiter.Params{
		Sampler:  a.sampler,
		N:        a.cfg.N,
		Interval: a.cfg.Interval,
		Once:     a.cfg.Once,
		Status:   a.stderr,
		Sleep:    a.sleep,
		Logger:   a.log,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			fmt.Fprintln(a.stderr, "Cancelled.")
			return ExitCancelled, nil
		}
		return 1, err
	}
	if snap == nil {
		a.log.Info("not enough free gpus", zap.Int("n", a.cfg.N))
		return ExitUnavailable, nil
	}

	// From here on an interrupt is no longer ours to handle. Releasing
	// cancels ctx, so notifications run detached from it.
	detached := context.WithoutCancel(ctx)
	if a.release != nil {
		a.release()
	}
	return a.success(detached, *snap)
}

func (a *Agent) success(ctx context.Context, snap sampling.Snapshot) (int, error) {
	if !a.cfg.Quiet {
		if err := report.Write(a.stderr, report.SnapshotLines(snap)); err != nil {
			return 1, err
		}
	}

	ids := selector.Select(snap.AvailableIndices(), a.cfg.N, a.cfg.First, a.rng)
	idsString := selector.Join(ids)
	export := fmt.Sprintf("export %s=%s", runner.VisibleDevicesEnv, idsString)
	fmt.Fprintln(a.stdout, export)
	a.log.Info("gpus selected", zap.Ints("gpus", ids), zap.Bool("first", a.cfg.First))

	var id notify.Identity
	mail := len(a.cfg.Recipients) > 0
	if mail {
		id = a.ident()
		msg, err := notify.SnapshotMessage(id, snap, a.cfg.Recipients, export)
		if err != nil {
			return 1, err
		}
		if err := a.mailer.Send(ctx, msg); err != nil {
			return 1, err
		}
	}

	if len(a.cfg.Command) == 0 {
		return 0, nil
	}

	res, err := runner.Run(runner.Spec{
		Command: a.cfg.Command,
		Env:     runner.WithEnv(a.environ, runner.VisibleDevicesEnv, idsString),
		Stdin:   a.stdin,
		Stdout:  a.stdout,
		Stderr:  a.stderr,
	})
	if err != nil {
		return 1, err
	}
	a.log.Info("command finished", zap.String("command", res.Command), zap.Int("exit_code", res.ExitCode))

	if mail {
		outcome := res.Outcome()
		body := notify.CommandReport(res.Command, outcome, id.Host, idsString)
		msg, err := notify.TextMessage(id, body, a.cfg.Recipients, res.Command+" "+outcome)
		if err != nil {
			return 1, err
		}
		if err := a.mailer.Send(ctx, msg); err != nil {
			return 1, err
		}
	}
	return res.ExitCode, nil
}
