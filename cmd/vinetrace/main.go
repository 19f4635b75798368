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
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/vinetrace/internal/events"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/pipeline"
	"github.com/msageha/vinetrace/internal/report"
	"github.com/msageha/vinetrace/internal/status"
	"github.com/msageha/vinetrace/internal/store"
	"github.com/msageha/vinetrace/internal/telemetry"
	"github.com/msageha/vinetrace/internal/watch"
	yamlutil "github.com/msageha/vinetrace/internal/yaml"
	"github.com/msageha/vinetrace/templates"
)

const version = "0.1.0"

// indexDirName is the index location below a run when no cache dir is set.
const indexDirName = ".vinetrace-index"

type globalFlags struct {
	config   string
	logLevel string
	trace    string
}

type cli struct {
	flags    globalFlags
	config   model.Config
	logger   *log.Logger
	logLevel model.LogLevel
	shutdown func(context.Context) error
	traceOut io.Closer
}

func main() {
	c := &cli{}
	err := c.rootCmd().Execute()
	if terr := c.teardown(context.Background()); terr != nil {
		fmt.Fprintf(os.Stderr, "flush traces: %v\n", terr)
	}
	if err != nil {
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vinetrace",
		Short: "Correlate TaskVine logs and find the critical path of a run",
		Long: `vinetrace reads the transaction, debug and task-graph logs a TaskVine
manager leaves in its run directory, reconstructs the tasks, workers, files
and libraries of the run, and reports the critical path of every connected
part of the task dependency graph.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.flags.config, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&c.flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.flags.trace, "trace", "", "write analysis spans to this file (- for stderr)")

	root.AddCommand(c.analyzeCmd())
	root.AddCommand(c.watchCmd())
	root.AddCommand(c.showCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vinetrace %s\n", version)
		},
	})
	return root
}

// setup loads the configuration and starts tracing before any subcommand.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := model.LoadConfig(c.flags.config)
	if err != nil {
		return err
	}
	if c.flags.logLevel != "" {
		cfg.Logging.Level = c.flags.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.config = cfg
	c.logLevel = model.ParseLogLevel(cfg.Logging.Level)
	c.logger = log.New(cmd.ErrOrStderr(), "", 0)

	if c.flags.trace == "" {
		return nil
	}
	var w io.Writer = cmd.ErrOrStderr()
	if c.flags.trace != "-" {
		f, err := os.Create(c.flags.trace)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		c.traceOut = f
		w = f
	}
	shutdown, err := telemetry.Init(w, version)
	if err != nil {
		return err
	}
	c.shutdown = shutdown
	return nil
}

func (c *cli) teardown(ctx context.Context) error {
	var errs []error
	if c.shutdown != nil {
		errs = append(errs, c.shutdown(ctx))
		c.shutdown = nil
	}
	if c.traceOut != nil {
		errs = append(errs, c.traceOut.Close())
		c.traceOut = nil
	}
	return errors.Join(errs...)
}

// openIndex opens the run index in dir, or returns nil when dir is empty.
func (c *cli) openIndex(dir string) (*store.Index, error) {
	if dir == "" {
		return nil, nil
	}
	return store.Open(store.Options{Dir: dir, Logger: c.logger, LogLevel: c.logLevel})
}

func (c *cli) analyzeCmd() *cobra.Command {
	var (
		output   string
		dryRun   bool
		jsonOut  bool
		cacheDir string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <run-dir>...",
		Short: "Analyse one or more run directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && len(args) > 1 {
				return errors.New("--output needs a single run directory")
			}
			if cacheDir == "" {
				cacheDir = c.config.Watch.CacheDir
			}
			ix, err := c.openIndex(cacheDir)
			if err != nil {
				return err
			}
			if ix != nil {
				defer ix.Close()
			}

			a, err := pipeline.New(c.config, c.logger, c.logLevel)
			if err != nil {
				return err
			}

			var failed int
			for _, runDir := range args {
				if err := c.analyzeOne(cmd, a, ix, runDir, pipeline.Options{OutputDir: output, DryRun: dryRun}, force, jsonOut); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "analyze %s: %v\n", runDir, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write reports here instead of <run>/<output.dir>")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "analyse without writing anything")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "run index directory; unchanged runs are skipped")
	cmd.Flags().BoolVar(&force, "force", false, "analyse even when the index says the logs are unchanged")
	return cmd
}

func (c *cli) analyzeOne(cmd *cobra.Command, a *pipeline.Analyzer, ix *store.Index, runDir string, opts pipeline.Options, force, jsonOut bool) error {
	txn, debug, taskGraph := a.LogPaths(runDir)
	fp, err := store.Fingerprint(txn, debug, taskGraph)
	if err != nil {
		return err
	}
	if ix != nil && !force && !opts.DryRun {
		unchanged, err := ix.Unchanged(runDir, fp)
		if err != nil {
			return err
		}
		if unchanged {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: logs unchanged, skipped\n", runDir)
			return nil
		}
	}
	opts.Fingerprint = fp

	res, runErr := a.Run(cmd.Context(), runDir, opts)
	if res == nil {
		return runErr
	}
	if ix != nil && !opts.DryRun {
		if err := ix.Record(store.Entry{
			RunDir:      runDir,
			Fingerprint: fp,
			AnalysisID:  res.AnalysisID,
			OutputDir:   res.OutputDir,
			AnalyzedAt:  time.Now().UTC(),
			Components:  len(res.Components),
			Failed:      runErr != nil,
		}); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Summary); err != nil {
			return err
		}
		return runErr
	}
	s := res.Summary
	fmt.Fprintf(out, "%s: analysis %s\n", runDir, s.AnalysisID)
	fmt.Fprintf(out, "  tasks=%d done=%d workers=%d anomalies=%d\n",
		len(res.Run.Tasks), s.Stats.Manager.TasksDone, s.Stats.Manager.TotalWorkers, len(res.Run.Anomalies))
	fmt.Fprintf(out, "  components=%d failed=%d longest=%d critical_path=%.3fs\n",
		s.Components, len(s.FailedComponents), s.LongestComponent, s.LongestCriticalPath)
	if !opts.DryRun {
		fmt.Fprintf(out, "  reports=%s\n", res.OutputDir)
	}
	return runErr
}

func (c *cli) watchCmd() *cobra.Command {
	var (
		cacheDir    string
		journalPath string
	)
	cmd := &cobra.Command{
		Use:   "watch <root>",
		Short: "Keep the analyses of every run below root up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]
			if cacheDir == "" {
				cacheDir = c.config.Watch.CacheDir
			}
			if cacheDir == "" {
				cacheDir = filepath.Join(root, indexDirName)
			}
			ix, err := c.openIndex(cacheDir)
			if err != nil {
				return err
			}
			defer ix.Close()

			opts := watch.Options{Index: ix}
			if journalPath != "" {
				j, err := events.OpenJournal(journalPath, c.config.Output.JournalMaxBytes)
				if err != nil {
					return err
				}
				defer j.Close()
				opts.Journal = j
			}

			w, err := watch.New(root, c.config, c.logger, c.logLevel, opts)
			if err != nil {
				return err
			}
			defer w.Bus().Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "run index directory (default <root>/"+indexDirName+")")
	cmd.Flags().StringVar(&journalPath, "journal", "", "append lifecycle events to this JSONL file")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var (
		jsonOut bool
		top     int
	)
	cmd := &cobra.Command{
		Use:   "show <run-dir|output-dir>",
		Short: "Show the last analysis of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, sub := args[0], c.config.Output.Dir
			if filepath.IsAbs(sub) {
				if _, err := os.Stat(filepath.Join(target, report.SummaryFile)); err != nil {
					target = filepath.Join(sub, filepath.Base(target))
				}
				sub = ""
			}
			outDir, err := status.Locate(target, sub)
			if err != nil {
				return err
			}
			st, err := status.Load(outDir, top)
			if err != nil {
				return err
			}
			return status.Write(cmd.OutOrStdout(), st, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	cmd.Flags().IntVar(&top, "top", 10, "number of components to list (0 for all)")
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the annotated default configuration (stdout when no path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(templates.Config)
				return err
			}
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := yamlutil.WriteDocument(path, templates.Config); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.config); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}
