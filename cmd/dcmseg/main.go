package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"dcmseg/internal/models"
	"dcmseg/pkg/config"
	"dcmseg/pkg/conversion"
	"dcmseg/pkg/ingest"
	"dcmseg/pkg/logger"
	"dcmseg/pkg/nifti"
	"dcmseg/pkg/rtstruct"
	"dcmseg/pkg/visualization"
)

const usage = `Usage: dcmseg <command> [flags]

Commands:
  convert      convert a DICOM series (directory or zip) to NIfTI
  export       write an RT Structure Set from a segmentation volume
  init-config  write a default configuration file

Run "dcmseg <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "dcmseg: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return flag.ErrHelp
	}
	switch args[0] {
	case "convert":
		return runConvert(ctx, args[1:], stdout)
	case "export":
		return runExport(args[1:], stdout)
	case "init-config":
		return runInitConfig(args[1:], stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stdout, usage)
	return fmt.Errorf("unknown command %q", args[0])
}

// setup loads the configuration and builds the logger it asks for.
func setup(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runConvert(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	input := fs.String("input", "", "Directory of DICOM slices, or a zip archive of them")
	scratch := fs.String("scratch", "", "Scratch directory for extracted archives")
	output := fs.String("output", "volume.nii.gz", "Output NIfTI file")
	strategy := fs.String("strategy", "", "Converter: library or binary (default from config)")
	verbose := fs.Bool("verbose", false, "Show converter output")
	previewDir := fs.String("preview-dir", "", "Save JPEG slices of the result along each axis into this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return errors.New("convert: -input is required")
	}

	cfg, log, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if *strategy != "" {
		cfg.Conversion.Strategy = *strategy
	}
	if *verbose {
		cfg.Conversion.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sliceDir, err := ingest.ResolveInput(ingest.Input{Path: *input}, *scratch,
		ingest.WithSubdir(cfg.Conversion.ExtractSubdir), ingest.WithLogger(log))
	if err != nil {
		return err
	}

	conv, err := conversion.New(cfg, log)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*output), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	start := time.Now()
	affine, written, err := conv.ConvertSeries(ctx, sliceDir, *output, cfg.Conversion.Verbose)
	if err != nil {
		return err
	}
	log.Info("Converted series", "input", sliceDir, "output", written, "strategy", cfg.Conversion.Strategy,
		"elapsed", time.Since(start).Round(time.Millisecond))

	fmt.Fprintf(stdout, "Output volume saved to: %s\n", written)
	fmt.Fprintf(stdout, "Affine:\n%v\n", mat.Formatted(affine, mat.Prefix(""), mat.Squeeze()))

	if *previewDir == "" {
		return nil
	}
	vol, err := nifti.Read(written)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(vol)
	if err != nil {
		return err
	}
	if err := viewer.SaveAllAxes(*previewDir); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Preview slices saved to: %s\n", *previewDir)
	return nil
}

func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	segPath := fs.String("seg", "", "Segmentation label volume (NIfTI)")
	classesPath := fs.String("classes", "", "Class map (YAML mapping of label index to ROI name)")
	reference := fs.String("reference", "", "Reference DICOM series: directory or zip archive")
	scratch := fs.String("scratch", "", "Scratch directory for an archived reference series")
	output := fs.String("output", "rtstruct.dcm", "Output RT Structure Set file")
	verbose := fs.Bool("verbose", false, "Log per-slice contour diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *segPath == "" || *classesPath == "" || *reference == "" {
		fs.Usage()
		return errors.New("export: -seg, -classes and -reference are required")
	}

	cfg, log, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	seg, err := nifti.Read(*segPath)
	if err != nil {
		return err
	}
	classes, err := models.LoadClassMap(*classesPath)
	if err != nil {
		return err
	}
	refDir, err := ingest.ResolveInput(ingest.Input{Path: *reference}, *scratch,
		ingest.WithSubdir(cfg.Conversion.ExtractSubdir), ingest.WithLogger(log))
	if err != nil {
		return err
	}

	if err := rtstruct.ExportFromDir(seg, classes, refDir, *output,
		rtstruct.WithLogger(log), rtstruct.WithVerbose(*verbose || cfg.Conversion.Verbose)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "RT Structure Set saved to: %s\n", *output)
	return nil
}

func runInitConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stdout)
	path := fs.String("config", filepath.Join(config.DefaultConfigDir(), "config.yaml"), "Configuration file to create")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Default configuration written to: %s\n", *path)
	return nil
}
