// Command docker-sync copies container images between image stores, sending only the
// content each destination is missing.
//
//	docker-sync [flags] SOURCE DEST [DEST...] -- IMAGE...
//
// SOURCE and DEST are "local", "[user@]host" or "ssh://[user@]host[:port]" for a store
// reached over ssh, or a tcp://, unix://, npipe:// or fd:// engine address. Several
// destinations, or a comma separated DEST, receive the same transfer at once.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/toxic13/docker-utils/internal/config"
	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/logging"
	"github.com/toxic13/docker-utils/internal/session"
	"github.com/toxic13/docker-utils/internal/transfer"
)

type options struct {
	configFile   string
	addPrefix    string
	removePrefix string
	dryRun       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "docker-sync: %v\n", err)
		return syncerr.ExitCode(syncerr.CodeOf(err))
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "docker-sync [flags] SOURCE DEST [DEST...] -- IMAGE...",
		Short: "Copy images between image stores, sending only missing content",
		Args: func(cmd *cobra.Command, args []string) error {
			_, _, err := splitArgs(cmd.ArgsLenAtDash(), args)
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, images, err := splitArgs(cmd.ArgsLenAtDash(), args)
			if err != nil {
				return err
			}
			return runSync(cmd.Context(), v, opts, endpoints, images, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return syncerr.New(syncerr.CodeInvalidInput, "parse flags", err)
	})

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/"+config.FileName+")")
	flags.StringVar(&opts.addPrefix, "add-prefix", "", "prefix added to every tag on the destination")
	flags.StringVar(&opts.removePrefix, "remove-prefix", "", "prefix removed from every source tag on the destination")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "negotiate and print the plan without transferring")
	flags.Bool("progress", true, "show transfer throughput")
	flags.Int("workers", 0, "concurrent destination tasks")
	flags.String("engine", "", "image engine program")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")

	bindFlags(v, flags, map[string]string{
		config.KeyProgress:  "progress",
		config.KeyWorkers:   "workers",
		config.KeyEngine:    "engine",
		config.KeyLogLevel:  "log-level",
		config.KeyLogFormat: "log-format",
	})
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		// Lookup cannot fail for flags registered above.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// splitArgs separates the endpoint addresses before "--" from the image references after it.
func splitArgs(dash int, args []string) ([]string, []string, error) {
	if dash < 0 {
		return nil, nil, syncerr.Newf(syncerr.CodeInvalidInput, "parse arguments", "images must follow \"--\"")
	}
	endpoints, images := args[:dash], args[dash:]
	if len(endpoints) < 2 {
		return nil, nil, syncerr.Newf(syncerr.CodeInvalidInput, "parse arguments", "need a source and at least one destination")
	}
	if len(images) == 0 {
		return nil, nil, syncerr.Newf(syncerr.CodeInvalidInput, "parse arguments", "no images given")
	}
	return endpoints, images, nil
}

func runSync(ctx context.Context, v *viper.Viper, opts options, endpoints, images []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(v, opts.configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return syncerr.New(syncerr.CodeInvalidConfig, "logging", err)
	}

	sopts := append(cfg.SessionOptions(logger), session.WithStderr(stderr))
	src, err := session.New(endpoints[0], sopts...)
	if err != nil {
		return err
	}
	if _, ok := src.(*session.Fanout); ok {
		return syncerr.New(syncerr.CodeInvalidInput, "parse arguments", syncerr.ErrFanoutSource)
	}
	dst, err := session.New(strings.Join(endpoints[1:], ","), sopts...)
	if err != nil {
		return err
	}

	topts := []transfer.Option{transfer.WithLogger(logger)}
	if cfg.Progress {
		topts = append(topts, transfer.WithDisplay(cfg.DisplayProgram))
	}

	res, err := transfer.Run(ctx, src, dst, transfer.Request{
		Images:       images,
		AddPrefix:    opts.addPrefix,
		RemovePrefix: opts.removePrefix,
		DryRun:       opts.dryRun,
	}, topts...)
	if err != nil {
		return err
	}

	if opts.dryRun {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		return enc.Close()
	}

	logger.Info("transfer complete", "run", res.RunID, "negotiated", res.Negotiated,
		"skipped", res.Exclude.Len(), "tags", res.Tags.Len())
	return nil
}
