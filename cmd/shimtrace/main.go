package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogjson"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/shimtrace"
)

func main() {
	err := rootCmd().ExecuteContext(context.Background())
	if err != nil {
		log.Fatalf("failed to run command: %+v", err)
	}
}

type rootOpts struct {
	logFormat string
	verbose   bool
	output    string
}

func (o *rootOpts) logger() slog.Logger {
	var logger slog.Logger
	if o.logFormat == "json" {
		logger = slog.Make(slogjson.Sink(os.Stderr))
	} else {
		logger = slog.Make(sloghuman.Sink(os.Stderr))
	}
	if o.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

func rootCmd() *cobra.Command {
	opts := &rootOpts{}

	var cmd = &cobra.Command{
		Use:           "shimtrace",
		Short:         "shimtrace inspects process shim decisions, canonical paths and file access reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for flag, v := range map[string]string{"log-format": opts.logFormat, "output": opts.output} {
				if v != "text" && v != "json" {
					return xerrors.Errorf(`--%s must be "text" or "json", got %q`, flag, v)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format on stderr, text or json")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug messages")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "f", "text", "Output format, text or json")

	cmd.AddCommand(
		decideCmd(opts),
		resolveCmd(opts),
		reportsCmd(opts),
		auditCmd(opts),
	)
	return cmd
}

func decideCmd(opts *rootOpts) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "decide --config <file> -- <command line>",
		Short: "Print whether a launch would be replaced by the shim.",
		Long: "Print whether a launch would be replaced by the shim. A single " +
			"argument is taken as a raw command line; several arguments are " +
			"joined with shell quoting.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger()

			cfg, err := shimtrace.LoadShimConfig(configPath, logger)
			if err != nil {
				return err
			}
			engine := shimtrace.NewEngine(cfg, shimtrace.Environment{}, logger)

			cmdLine := args[0]
			if len(args) > 1 {
				cmdLine = shellquote.Join(args...)
			}
			command, cmdArgs := shimtrace.ParseCommandLine(cmdLine)
			d := engine.Decide(ctx, command, cmdArgs, nil, "")

			if opts.output == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Command string `json:"command"`
					shimtrace.Decision
				}{command, d})
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "command:    %s\n", command)
			_, _ = fmt.Fprintf(out, "substitute: %v\n", d.Substitute)
			if d.Substitute {
				_, _ = fmt.Fprintf(out, "shim:       %s\n", shimtrace.ShimCommandLine(command, d.Args))
				_, _ = fmt.Fprintf(out, "rename:     %v\n", d.RenameShim)
			}
			if d.Inputs > 0 {
				_, _ = fmt.Fprintf(out, "inputs:     %d\n", d.Inputs)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Shim configuration YAML file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func resolveCmd(opts *rootOpts) *cobra.Command {
	var noFollow bool

	cmd := &cobra.Command{
		Use:   "resolve [--nofollow] <path>",
		Short: "Canonicalize a path and list the symlinks traversed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.HasPrefix(path, "/") {
				wd, err := os.Getwd()
				if err != nil {
					return xerrors.Errorf("get working directory: %w", err)
				}
				path = wd + "/" + path
			}

			var links []string
			r := &shimtrace.Resolver{
				OnSymlink: func(link string) error {
					links = append(links, link)
					return nil
				},
			}
			resolved, err := r.Resolve(path, !noFollow)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return json.NewEncoder(out).Encode(map[string]any{
					"path":     resolved,
					"symlinks": links,
				})
			}
			for _, l := range links {
				_, _ = fmt.Fprintf(out, "symlink: %s\n", l)
			}
			_, _ = fmt.Fprintln(out, resolved)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noFollow, "nofollow", false, "Do not follow a symlink in the final path component")
	return cmd
}

func reportsCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reports <file>",
		Short: "Decode a stream of file access reports, use - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return xerrors.Errorf("open report stream: %w", err)
				}
				defer f.Close()
				in = f
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			rr := shimtrace.NewReportReader(in)
			for {
				r, err := rr.Read()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return xerrors.Errorf("read report: %w", err)
				}

				if opts.output == "json" {
					err = enc.Encode(r)
					if err != nil {
						return xerrors.Errorf("write report as JSON: %w", err)
					}
					continue
				}
				explicit := ""
				if r.ReportExplicitly {
					explicit = " explicit"
				}
				_, _ = fmt.Fprintf(out, "[%v, %s] %-9s %-6s %s%s\n",
					r.PID, r.ProcessName, r.Status, r.RequestedAccess, r.Path, explicit)
			}
		},
	}
}

func auditCmd(opts *rootOpts) *cobra.Command {
	var configPath, objectPath string

	cmd := &cobra.Command{
		Use:   "audit --config <file> --bpf-object <file>",
		Short: "Trace exec calls on the system and print what the shim configuration would do with each.",
		Long: "Trace exec calls on the system and print what the shim " +
			"configuration would do with each. Requires root and a mounted " +
			"tracefs (mount -t tracefs nodev /sys/kernel/tracing). The BPF " +
			"object must provide an \"enter_execve\" tracepoint program " +
			"writing exec samples to an \"events\" ring buffer.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), cmd.OutOrStdout(), opts, configPath, objectPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Shim configuration YAML file")
	cmd.Flags().StringVarP(&objectPath, "bpf-object", "b", "", "Compiled audit BPF object")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("bpf-object")
	return cmd
}

func runAudit(ctx context.Context, out io.Writer, opts *rootOpts, configPath, objectPath string) error {
	logger := opts.logger()

	cfg, err := shimtrace.LoadShimConfig(configPath, logger)
	if err != nil {
		return err
	}
	engine := shimtrace.NewEngine(cfg, shimtrace.Environment{}, logger)

	f, err := os.Open(objectPath)
	if err != nil {
		return xerrors.Errorf("open BPF object: %w", err)
	}
	defer f.Close()

	objs, err := shimtrace.LoadAuditObjects(f, logger)
	if err != nil {
		return xerrors.Errorf("load BPF objects: %w", err)
	}
	defer objs.Close()

	a, err := shimtrace.NewAuditor(objs, logger)
	if err != nil {
		return xerrors.Errorf("create auditor: %w", err)
	}
	defer a.Close()

	err = a.Start()
	if err != nil {
		return xerrors.Errorf("start auditor: %w", err)
	}

	// Closing the auditor makes the read loop below return.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
		}
		logger.Info(ctx, "closing auditor")
		_ = a.Close()
	}()

	enc := json.NewEncoder(out)
	logger.Info(ctx, "waiting for events")
	for {
		ev, err := a.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			logger.Warn(ctx, "read exec event", slog.Error(err))
			continue
		}

		res := shimtrace.Evaluate(ctx, engine, ev)
		if opts.output == "json" {
			err = enc.Encode(res)
			if err != nil {
				logger.Warn(ctx, "write event as JSON", slog.Error(err))
			}
			continue
		}

		ellipsis := ""
		if ev.Truncated {
			ellipsis = "..."
		}
		verdict := "keep"
		if res.Decision.Substitute {
			verdict = "shim"
		}
		_, _ = fmt.Fprintf(out, "[%v, comm=%q] %s %v%v\n", ev.PID, ev.Comm, verdict, shellquote.Join(ev.Argv...), ellipsis)
	}
}
