package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-assembly-store/internal/config"
	"github.com/deploymenttheory/go-assembly-store/internal/detector"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/processor"
	"github.com/deploymenttheory/go-assembly-store/internal/storage"
	"github.com/deploymenttheory/go-assembly-store/internal/types"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "assembly-inspector [flags] FILE...",
		Short: "Inspect and extract assemblies from Android application packages",
		Long: `Classifies APK, AAB and base-module archives, assembly stores, compressed
assemblies, typemaps and application shared libraries, lists the managed
assemblies they carry and optionally extracts them to disk.`,
		Args:             cobra.MinimumNArgs(1),
		SilenceUsage:     true,
		SilenceErrors:    true,
		PersistentPreRun: setupLogging,
		RunE:             runInspector,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	// Logging flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose debugging output")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("log-file", "", "log to file instead of stderr")

	// Output flags
	rootCmd.Flags().BoolP("typemaps", "t", false, "show typemap entries")
	rootCmd.Flags().BoolP("stores", "s", false, "show assembly store details")
	rootCmd.Flags().BoolP("extract", "x", false, "extract assemblies to the output directory")
	rootCmd.Flags().StringP("output", "o", "./extracted", "extraction output directory")
	rootCmd.Flags().String("abi", "", "only extract assemblies for this ABI (ABI-independent ones are always extracted)")
	rootCmd.Flags().StringP("report", "r", "", "write a JSON report to this file")
	rootCmd.Flags().IntP("workers", "w", 4, "number of inputs processed concurrently")

	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrAmbiguousFormat):
		logger.Errorf("Detector configuration is ambiguous: %v", err)
		os.Exit(2)
	default:
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}

// setupLogging configures the logger based on command line flags
func setupLogging(cmd *cobra.Command, args []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logger.LevelDebug)
		logger.Debugf("Debug logging enabled")
	} else {
		logger.SetLevel(logger.LevelInfo)
	}

	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor {
		logger.DisableColors()
	}

	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.Errorf("Failed to open log file: %v", err)
		} else {
			// Disable colors when logging to file
			logger.DisableColors()
			logger.Initialize(file)
			logger.Infof("Logging to file: %s", logFile)
		}
	}
}

// applyLogConfig applies logging settings that came from the config file or
// environment rather than from flags.
func applyLogConfig(cmd *cobra.Command, lc config.LogConfig) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		level, _ := logger.ParseLevel(lc.Level)
		logger.SetLevel(level)
	}
	if lc.NoColor {
		logger.DisableColors()
	}
	if lc.File != "" && !cmd.Flags().Changed("log-file") {
		file, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.Errorf("Failed to open log file: %v", err)
			return
		}
		logger.DisableColors()
		logger.Initialize(file)
	}
}

func runInspector(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	applyLogConfig(cmd, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Storage = storage.Discard{}
	if cfg.Report != "" {
		js, err := storage.New(cfg.Report)
		if err != nil {
			return fmt.Errorf("failed to initialize report storage: %w", err)
		}
		store = js
	}

	proc := processor.New(cfg.Workers, detector.DefaultTree(nil), store, processor.Options{
		Extract:        cfg.Extract,
		OutputDir:      cfg.OutputDir,
		ABI:            cfg.ABI,
		TypeMapEntries: cfg.ShowTypeMaps,
	})

	reports, runErr := proc.Run(ctx, args)

	out := cmd.OutOrStdout()
	for _, r := range reports {
		printReport(out, r, cfg)
	}

	if err := store.Close(); err != nil {
		logger.Errorf("Failed to write report: %v", err)
	}

	stats := proc.Stats()
	logger.Infof("Processed %d inputs in %v: %d recognized, %d failed",
		stats.FilesProcessed, proc.Duration(), stats.Recognized, stats.Failed-stats.Aborted)
	if stats.Aborted > 0 {
		logger.Warningf("%d inputs were not processed because the batch stopped early", stats.Aborted)
	}
	if cfg.Extract {
		logger.Infof("Extracted %d assemblies to %s, %d failed",
			stats.AssembliesExtracted, cfg.OutputDir, stats.ExtractionFailures)
	}
	if cfg.Report != "" {
		logger.Infof("Report saved to: %s", cfg.Report)
	}

	return runErr
}

func printReport(w io.Writer, r types.InputReport, cfg config.Config) {
	if r.Status != types.StatusRecognized && r.Extraction == nil {
		fmt.Fprintf(w, "%s: %s (%s)\n", r.Path, r.ErrorKind, r.Reason)
		return
	}

	fmt.Fprintf(w, "%s: %s, %s\n", r.Path, strings.Join(r.Chain, " > "), humanize.Bytes(uint64(r.SizeBytes)))

	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, r.Attributes[k])
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}

	fmt.Fprintf(w, "  %s assemblies\n", humanize.Comma(int64(len(r.Assemblies))))
	for _, a := range r.Assemblies {
		line := fmt.Sprintf("    [%s] %s %s", a.DirName(), a.Name, humanize.Bytes(uint64(a.Size)))
		if a.IsCompressed {
			line += fmt.Sprintf(" (%s compressed)", humanize.Bytes(uint64(a.CompressedSize)))
		}
		if cfg.ShowStores {
			line += " in " + a.Container
		}
		fmt.Fprintln(w, line)
	}

	if cfg.ShowStores {
		for _, s := range r.Stores {
			fmt.Fprintf(w, "  store %s: version %d, %d entries\n", s.Description, s.Version, s.Entries)
			abis := make([]string, 0, len(s.ABIs))
			for abi := range s.ABIs {
				abis = append(abis, abi)
			}
			sort.Strings(abis)
			for _, abi := range abis {
				fmt.Fprintf(w, "    %s: %d\n", abi, s.ABIs[abi])
			}
		}
	}

	for _, tm := range r.TypeMaps {
		fmt.Fprintf(w, "  typemap %s: module %s, assembly %s, %d entries\n", tm.Description, tm.ModuleID, tm.Assembly, tm.Entries)
		for _, e := range tm.Mappings {
			fmt.Fprintf(w, "    %s -> %s\n", e.JavaName, e.ManagedName)
		}
	}

	if x := r.Extraction; x != nil {
		fmt.Fprintf(w, "  extracted %d, failed %d, skipped %d\n", len(x.Extracted), len(x.Failures), x.Skipped)
		for _, f := range x.Failures {
			fmt.Fprintf(w, "    failed %s: %s\n", f.Assembly.Name, f.Error)
		}
	}
	if r.Status != types.StatusRecognized {
		fmt.Fprintf(w, "  %s (%s)\n", r.ErrorKind, r.Reason)
	}
}
