package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Mode selects the command-line grammar.
type Mode int

const (
	// ModeRequire: require-gpu [n] [-e ADDR...]
	ModeRequire Mode = iota
	// ModeWait: wait-for-gpu [EMAIL...] [-n N]
	ModeWait
)

func (m Mode) String() string {
	if m == ModeWait {
		return "wait-for-gpu"
	}
	return "require-gpu"
}

// MaxInterval is the longest poll interval, in minutes, a time.Duration holds.
const MaxInterval = float64(math.MaxInt64) / float64(time.Minute)

const (
	SamplerNVML = "nvml"
	SamplerSMI  = "smi"
)

type Options struct {
	N int
	// Minutes between polls.
	Interval   float64
	Recipients []string
	// One element runs through the shell, more form an argv.
	Command []string
	Quiet   bool
	First   bool
	Once    bool

	Sampler  string
	SMIPath  string
	SMTPAddr string
	LogLevel string
}

// Defaults returns the options before any flag is applied; environment
// variables override the built-in defaults.
func Defaults() Options {
	return Options{
		N:        1,
		Interval: envFloat("REQUIRE_GPU_INTERVAL", 5),
		Sampler:  envString("REQUIRE_GPU_SAMPLER", SamplerNVML),
		SMIPath:  envString("REQUIRE_GPU_SMI_PATH", "nvidia-smi"),
		SMTPAddr: envString("REQUIRE_GPU_SMTP", "localhost:25"),
		LogLevel: envString("REQUIRE_GPU_LOG_LEVEL", "warn"),
	}
}

// AddFlags registers the flags of mode on fs, bound to o.
func (o *Options) AddFlags(fs *pflag.FlagSet, mode Mode) {
	switch mode {
	case ModeWait:
		fs.IntVarP(&o.N, "n", "n", o.N, "Number of GPUs required")
	default:
		fs.StringArrayVarP(&o.Recipients, "email", "e", o.Recipients,
			"Notify these parties by e-mail when the GPUs are available (repeatable)")
	}
	fs.StringArrayVarP(&o.Command, "command", "c", o.Command,
		"Run a command with the matching CUDA_VISIBLE_DEVICES when the GPUs are available. "+
			"A single value is run via the system shell; repeating the flag builds an argument vector. "+
			"With e-mail recipients, a second e-mail is sent when the command has finished")
	fs.Float64VarP(&o.Interval, "interval", "i", o.Interval, "Number of minutes to wait between checks")
	fs.BoolVarP(&o.Quiet, "quiet", "q", o.Quiet, "Don't print the GPU status")
	fs.BoolVarP(&o.First, "first", "f", o.First, "Select the first n available GPUs instead of selecting GPUs randomly")
	fs.BoolVarP(&o.Once, "once", "1", o.Once, "Return immediately without waiting; exits 127 if not enough GPUs are available")
	fs.StringVar(&o.Sampler, "sampler", o.Sampler, "GPU query backend: nvml or smi")
	fs.StringVar(&o.SMIPath, "smi-path", o.SMIPath, "nvidia-smi binary used by the smi backend")
	fs.StringVar(&o.SMTPAddr, "smtp", o.SMTPAddr, "SMTP relay used for e-mail notifications")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Diagnostic log level (debug, info, warn, error)")
}

// ApplyArgs interprets the positional arguments of mode. emailFlagSet tells
// whether -e was given in require mode: like the historic grammar, addresses
// following it may then be listed without repeating the flag.
func (o *Options) ApplyArgs(mode Mode, args []string, emailFlagSet bool) error {
	if mode == ModeWait {
		o.Recipients = append(o.Recipients, args...)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		if !emailFlagSet {
			return fmt.Errorf("invalid number of GPUs %q", args[0])
		}
		o.Recipients = append(o.Recipients, args...)
		return nil
	}
	o.N = n
	if rest := args[1:]; len(rest) > 0 {
		if !emailFlagSet {
			return fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
		}
		o.Recipients = append(o.Recipients, rest...)
	}
	return nil
}

func (o Options) Validate() error {
	if o.N < 1 {
		return fmt.Errorf("number of GPUs must be at least 1, got %d", o.N)
	}
	if !(o.Interval > 0) || o.Interval >= MaxInterval {
		return fmt.Errorf("interval must be a positive number of minutes below %.0f, got %v", MaxInterval, o.Interval)
	}
	switch o.Sampler {
	case SamplerNVML, SamplerSMI:
	default:
		return fmt.Errorf("unknown sampler %q (want %s or %s)", o.Sampler, SamplerNVML, SamplerSMI)
	}
	for _, r := range o.Recipients {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("empty e-mail recipient")
		}
	}
	if len(o.Command) == 1 && strings.TrimSpace(o.Command[0]) == "" {
		return fmt.Errorf("empty command")
	}
	return nil
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
