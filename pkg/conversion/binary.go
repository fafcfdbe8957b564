package conversion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/config"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/ingest"
	"dcmseg/pkg/logger"
	"dcmseg/pkg/nifti"
)

// File names the binary strategy owns inside the config directory.
const (
	binaryName  = "dcm2niix"
	archiveName = "dcm2niix.zip"
	batchName   = "dcm2niibatch"
	sidecarExt  = ".json"
	niiGzExt    = ".nii.gz"
)

// BinaryOptions configures a BinaryConverter.
type BinaryOptions struct {
	// ConfigDir caches a downloaded dcm2niix.
	ConfigDir string

	Releases config.Releases

	// Timeout bounds the release download. Zero means no limit.
	Timeout time.Duration

	// Client overrides the HTTP client used for downloads.
	Client *http.Client

	// GOOS and GOARCH override the platform used to pick a release.
	GOOS, GOARCH string

	// LookPath overrides the PATH lookup, exec.LookPath by default.
	LookPath func(file string) (string, error)
}

// BinaryConverter converts a series by running dcm2niix, downloading a
// release into ConfigDir when none is installed.
type BinaryConverter struct {
	opts   BinaryOptions
	client *http.Client
	log    *logger.Logger
}

// NewBinaryConverter fills unset options with the running platform,
// exec.LookPath and a traced HTTP client bounded by opts.Timeout.
func NewBinaryConverter(opts BinaryOptions, log *logger.Logger) *BinaryConverter {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.GOARCH == "" {
		opts.GOARCH = runtime.GOARCH
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.Timeout,
		}
	}
	return &BinaryConverter{opts: opts, client: client, log: logger.OrNop(log)}
}

// ReleaseURL returns the dcm2niix archive for a platform.
func ReleaseURL(rel config.Releases, goos, goarch string) (string, error) {
	var url string
	switch goos {
	case "windows":
		url = rel.Windows
	case "darwin":
		if strings.HasPrefix(goarch, "arm") {
			url = rel.MacARM
		} else {
			url = rel.MacIntel
		}
	case "linux":
		url = rel.Linux
	default:
		return "", fmt.Errorf("%w: no dcm2niix release for %s/%s", errs.ErrUnsupportedPlatform, goos, goarch)
	}
	if url == "" {
		return "", fmt.Errorf("%w: no dcm2niix release URL configured for %s/%s", errs.ErrConfiguration, goos, goarch)
	}
	return url, nil
}

func (c *BinaryConverter) binaryFile() string {
	if c.opts.GOOS == "windows" {
		return binaryName + ".exe"
	}
	return binaryName
}

// Locate returns the dcm2niix to run: the one on PATH, else the cached copy
// in ConfigDir, else a freshly downloaded one.
func (c *BinaryConverter) Locate(ctx context.Context) (string, error) {
	if path, err := c.opts.LookPath(binaryName); err == nil {
		return path, nil
	}
	if c.opts.ConfigDir == "" {
		return "", fmt.Errorf("%w: dcm2niix is not on PATH and no config directory is set", errs.ErrConfiguration)
	}
	cached := filepath.Join(c.opts.ConfigDir, c.binaryFile())
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}
	if err := c.download(ctx); err != nil {
		return "", err
	}
	return cached, nil
}

// download fetches the platform release into ConfigDir, unpacks it and
// leaves only the executable behind.
func (c *BinaryConverter) download(ctx context.Context) (err error) {
	url, err := ReleaseURL(c.opts.Releases, c.opts.GOOS, c.opts.GOARCH)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("dcmseg/conversion").Start(ctx, "dcm2niix.download")
	defer span.End()
	span.SetAttributes(attribute.String("dcm2niix.url", url))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "download failed")
		}
	}()

	c.log.Info("Downloading dcm2niix", "url", url, "dest", c.opts.ConfigDir)
	if err := os.MkdirAll(c.opts.ConfigDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error downloading %s: status code %d", url, resp.StatusCode)
	}

	archive := filepath.Join(c.opts.ConfigDir, archiveName)
	if err := saveBody(resp.Body, archive); err != nil {
		return fmt.Errorf("error saving %s: %w", url, err)
	}
	if _, err := ingest.ResolveInput(ingest.Input{Path: archive}, c.opts.ConfigDir,
		ingest.WithSubdir("."), ingest.WithLogger(c.log)); err != nil {
		return fmt.Errorf("error unpacking %s: %w", url, err)
	}

	bin := filepath.Join(c.opts.ConfigDir, c.binaryFile())
	if err := os.Chmod(bin, 0755); err != nil {
		return fmt.Errorf("%w: release %s did not contain %s: %v", errs.ErrConversion, url, c.binaryFile(), err)
	}
	for _, name := range []string{archiveName, batchName} {
		if err := os.Remove(filepath.Join(c.opts.ConfigDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error cleaning up %s: %w", name, err)
		}
	}
	return nil
}

// saveBody copies body into a new file at path.
func saveBody(body io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ConvertSeries runs dcm2niix on sliceDir. outputPath must end in .nii.gz;
// its directory receives the output and its stem names the file. When
// dcm2niix writes several volumes, the requested one stays.
func (c *BinaryConverter) ConvertSeries(ctx context.Context, sliceDir, outputPath string, verbose bool) (_ *mat.Dense, _ string, err error) {
	if !strings.HasSuffix(outputPath, niiGzExt) {
		return nil, "", fmt.Errorf("%w: output %s must end in %s", errs.ErrInvalidInput, outputPath, niiGzExt)
	}
	outDir := filepath.Dir(outputPath)
	stem := nifti.Stem(filepath.Base(outputPath))

	bin, err := c.Locate(ctx)
	if err != nil {
		return nil, "", err
	}

	ctx, span := otel.Tracer("dcmseg/conversion").Start(ctx, "dcm2niix.convert")
	defer span.End()
	span.SetAttributes(
		attribute.String("dcm2niix.binary", bin),
		attribute.String("dcm2niix.input", sliceDir),
		attribute.String("dcm2niix.output", outputPath),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "conversion failed")
		}
	}()

	cmd := exec.CommandContext(ctx, bin, "-o", outDir, "-z", "y", "-f", stem, sliceDir)
	if verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	c.log.Debug("Running dcm2niix", "args", cmd.Args)
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}

	if _, statErr := os.Stat(outputPath); statErr != nil {
		listing := listDir(outDir)
		if runErr != nil {
			return nil, "", fmt.Errorf("%w: dcm2niix failed (%v) and wrote no %s; %s contains [%s]",
				errs.ErrConversion, runErr, filepath.Base(outputPath), outDir, listing)
		}
		return nil, "", fmt.Errorf("%w: dcm2niix wrote no %s; %s contains [%s]",
			errs.ErrConversion, filepath.Base(outputPath), outDir, listing)
	}
	if runErr != nil {
		c.log.Warn("dcm2niix exited with an error but produced output", "error", runErr)
	}

	written, err := c.disambiguate(outDir, stem)
	if err != nil {
		return nil, "", err
	}

	sidecar := filepath.Join(outDir, stem+sidecarExt)
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("error removing sidecar %s: %w", sidecar, err)
	}

	vol, err := nifti.Read(written)
	if err != nil {
		return nil, "", err
	}
	return vol.Affine, written, nil
}

// disambiguate removes every volume dcm2niix wrote for stem except the one
// SelectRequested keeps, and returns the kept path.
func (c *BinaryConverter) disambiguate(outDir, stem string) (string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("error listing %s: %w", outDir, err)
	}
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, stem) && strings.HasSuffix(name, niiGzExt) {
			candidates = append(candidates, name)
		}
	}

	keep, discard := SelectRequested(candidates, stem+niiGzExt)
	if len(discard) > 0 {
		c.log.Warn("dcm2niix wrote several volumes; keeping one", "kept", keep, "discarded", discard)
	}
	for _, name := range discard {
		if err := os.Remove(filepath.Join(outDir, name)); err != nil {
			return "", fmt.Errorf("error removing %s: %w", name, err)
		}
	}
	return filepath.Join(outDir, keep), nil
}

func listDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err.Error()
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return strings.Join(names, ", ")
}
