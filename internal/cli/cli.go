package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"require-gpu/internal/agent"
	"require-gpu/internal/config"
	"require-gpu/internal/logging"
	"require-gpu/internal/notify"
	nvmlwrap "require-gpu/internal/nvml"
	"require-gpu/internal/procinfo"
	"require-gpu/internal/sampling"
	"require-gpu/internal/smi"
	"require-gpu/internal/waiter"
)

const ExitUsage = 2

// ExitError ends the process with Code without printing anything.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// Deps are the collaborators of the command; tests replace them.
type Deps struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Environ func() []string

	NewSampler func(o config.Options, log *zap.Logger) sampling.Sampler
	NewMailer  func(o config.Options, log *zap.Logger) (notify.Mailer, error)
	Identity   func() notify.Identity

	Sleep waiter.SleepFunc
	Rand  *rand.Rand
}

func DefaultDeps() Deps {
	return Deps{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Environ:    os.Environ,
		NewSampler: NewSampler,
		NewMailer: func(o config.Options, log *zap.Logger) (notify.Mailer, error) {
			return notify.NewSMTPMailer(o.SMTPAddr, log)
		},
		Identity: notify.LocalIdentity,
		Sleep:    waiter.Sleep,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSampler returns the configured GPU query backend with process details.
func NewSampler(o config.Options, log *zap.Logger) sampling.Sampler {
	var s sampling.Sampler
	switch o.Sampler {
	case config.SamplerSMI:
		s = smi.New(o.SMIPath, log)
	default:
		s = nvmlwrap.New(log)
	}
	return procinfo.Wrap(s, procinfo.NewResolver(log))
}

const long = `Waits for n GPUs to become available.

The GPUs are checked every few minutes; a GPU is available when no process is
attached to it. Once at least n GPUs are available, a suitable
CUDA_VISIBLE_DEVICES for n GPUs is printed to stdout. Interested parties can
optionally be notified by e-mail.

Exit status is 0 on success (or the exit status of --command), 3 when
cancelled and 127 when --once finds too few GPUs.`

func NewRootCmd(mode config.Mode, deps Deps) *cobra.Command {
	opts := config.Defaults()

	cmd := &cobra.Command{
		Use:           use(mode),
		Short:         "Wait for free GPUs and print a matching CUDA_VISIBLE_DEVICES",
		Long:          long,
		Example:       example(mode),
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				if len(opts.Command) > 0 && len(args) > dash {
					return usageError{errors.New("use either --command or a command after --, not both")}
				}
				opts.Command = append(opts.Command, args[dash:]...)
				args = args[:dash]
			}
			if err := opts.ApplyArgs(mode, args, cmd.Flags().Changed("email")); err != nil {
				return usageError{err}
			}
			if err := opts.Validate(); err != nil {
				return usageError{err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, stop, opts, deps)
		},
	}
	opts.AddFlags(cmd.Flags(), mode)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	cmd.SetIn(deps.Stdin)
	cmd.SetOut(deps.Stdout)
	cmd.SetErr(deps.Stderr)
	return cmd
}

func use(mode config.Mode) string {
	if mode == config.ModeWait {
		return "wait-for-gpu [EMAIL...] [-n N] [flags] [-- command...]"
	}
	return "require-gpu [n] [-e ADDR...] [flags] [-- command...]"
}

func example(mode config.Mode) string {
	if mode == config.ModeWait {
		return `  wait-for-gpu alice@example.org -n 2 -c ./start-my-training.sh`
	}
	return `  $(require-gpu 3) && ./start-my-training.sh
  require-gpu 2 -e alice@example.org -- python train.py --epochs 10`
}

func run(ctx context.Context, releaseSignals func(), opts config.Options, deps Deps) error {
	log, err := logging.NewJSONLogger(deps.Stderr, opts.LogLevel)
	if err != nil {
		return usageError{err}
	}
	defer func() { _ = log.Sync() }()

	sampler := deps.NewSampler(opts, log)
	defer func() {
		if err := sampler.Close(); err != nil {
			log.Warn("sampler close failed", zap.Error(err))
		}
	}()

	var mailer notify.Mailer
	if len(opts.Recipients) > 0 {
		if mailer, err = deps.NewMailer(opts, log); err != nil {
			return err
		}
	}

	var environ []string
	if deps.Environ != nil {
		environ = deps.Environ()
	}

	ag := agent.New(agent.Options{
		Config:   opts,
		Sampler:  sampler,
		Mailer:   mailer,
		Identity: deps.Identity,
		Logger:   log,

		ReleaseSignals: releaseSignals,

		Stdin:    deps.Stdin,
		Stdout:   deps.Stdout,
		Stderr:   deps.Stderr,
		Environ:  environ,
		Sleep:    deps.Sleep,
		Rand:     deps.Rand,
	})

	code, err := ag.Run(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// Run executes the command line of mode and returns the process exit status.
// SIGINT and SIGTERM cancel the wait; once GPUs are found they are released
// back to their default behavior.
func Run(ctx context.Context, mode config.Mode, args []string, deps Deps) int {
	if args == nil {
		args = []string{}
	}
	cmd := NewRootCmd(mode, deps)
	cmd.SetArgs(args)
	return exitCode(cmd.ExecuteContext(ctx), mode, deps.Stderr)
}

func exitCode(err error, mode config.Mode, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", mode)
		return ExitUsage
	}
	return 1
}
