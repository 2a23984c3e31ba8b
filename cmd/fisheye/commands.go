package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"

	"github.com/dunamismax/fisheye/internal/bridge"
	"github.com/dunamismax/fisheye/internal/config"
	"github.com/dunamismax/fisheye/internal/pipeline"
	"github.com/dunamismax/fisheye/internal/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type cliOptions struct {
	strength  float64
	maxPixels int64
	outputDir string
	jobs      int
	verbose   bool
	tracing   string
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "fisheye",
		Short:         "Apply a fisheye distortion to images and write 24-bit bitmaps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	cfg, err := config.Load()
	if err != nil {
		// Flags still work; report the broken file when a command runs.
		root.PersistentPreRunE = func(*cobra.Command, []string) error { return err }
		cfg = config.Config{Fisheye: config.FisheyeConfig{Strength: pipeline.DefaultStrength, MaxPixels: pipeline.DefaultMaxPixels}}
	}

	flags := root.PersistentFlags()
	flags.Float64VarP(&opts.strength, "strength", "s", cfg.Fisheye.Strength, "distortion strength in [0,1)")
	flags.Int64Var(&opts.maxPixels, "max-pixels", cfg.Fisheye.MaxPixels, "reject images with more pixels than this")
	flags.StringVarP(&opts.outputDir, "output-dir", "o", "", "write each output under <dir>/<job id>/ instead of next to its source")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	flags.StringVar(&opts.tracing, "trace", "none", "trace exporter: none, stdout or otlp")

	root.AddCommand(newProcessCommand(opts), newPickCommand(opts))
	return root
}

func newProcessCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <image>...",
		Short: "Process image files; each output is written as <name>_processed.bmp",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, opts, nil, func(ctx context.Context, b *bridge.Bridge) error {
				return processAll(ctx, cmd.OutOrStdout(), b, args, opts.jobs)
			})
		},
	}
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", runtime.NumCPU(), "images processed concurrently")
	return cmd
}

func newPickCommand(opts *cliOptions) *cobra.Command {
	var repeat bool
	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Prompt for an image path and process it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			host := bridge.NewPromptHost(cmd.InOrStdin(), cmd.OutOrStdout())
			return withBridge(cmd, opts, host, func(ctx context.Context, b *bridge.Bridge) error {
				host.Attach(b)
				for {
					if err := b.RequestImagePick(ctx); err != nil {
						return err
					}
					var res bridge.PickResult
					select {
					case res = <-host.Results():
					case <-ctx.Done():
						return ctx.Err()
					}
					if res.Input == "" {
						switch {
						case repeat && errors.Is(res.Err, bridge.ErrInputClosed):
							return nil
						case repeat && errors.Is(res.Err, bridge.ErrNoImagePicked):
							continue
						}
						return res.Err
					}
					if res.Err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %v\n", res.Input, res.Err)
						if !repeat {
							return res.Err
						}
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", res.Output)
					if !repeat {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&repeat, "repeat", false, "keep prompting until input ends")
	return cmd
}

func withBridge(cmd *cobra.Command, opts *cliOptions, host bridge.Host, run func(context.Context, *bridge.Bridge) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := log.New(io.Discard, "", 0)
	if opts.verbose {
		logger = log.New(cmd.ErrOrStderr(), "[fisheye] ", log.LstdFlags|log.Lmsgprefix)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName: telemetry.ServiceCLI,
		Exporter:    opts.tracing,
		Output:      cmd.ErrOrStderr(),
	}, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())
	defer pipeline.Shutdown()

	processor, err := pipeline.NewLocalProcessor(opts.outputDir, pipeline.Options{
		Logger:    logger,
		MaxPixels: opts.maxPixels,
	})
	if err != nil {
		return err
	}
	b, err := bridge.New(logger, processor, host, opts.strength)
	if err != nil {
		return err
	}
	return run(ctx, b)
}

// processAll runs every input even when some fail and reports how many did.
func processAll(ctx context.Context, out io.Writer, b *bridge.Bridge, inputs []string, jobs int) error {
	results := make([]pipeline.Result, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(max(1, jobs))
	for i, input := range inputs {
		g.Go(func() error {
			results[i], errs[i] = b.Run(ctx, input)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, input := range inputs {
		if errs[i] != nil {
			failed++
			fmt.Fprintf(out, "failed %s: %v\n", input, errs[i])
			continue
		}
		fmt.Fprintln(out, summary(results[i]))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(inputs))
	}
	return nil
}

func summary(r pipeline.Result) string {
	line := fmt.Sprintf(
		"wrote %s (%dx%d, %s)",
		r.Output.Path,
		r.Geometry.Width,
		r.Geometry.Height,
		humanize.Bytes(uint64(r.Output.Bytes)),
	)
	if r.Remap.Filled > 0 {
		line += fmt.Sprintf(", %s pixels filled", humanize.Comma(int64(r.Remap.Filled)))
	}
	return line
}
