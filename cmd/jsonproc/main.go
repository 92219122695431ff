package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/config"
	"github.com/xizhibei/go-json-processor/internal/console"
	"github.com/xizhibei/go-json-processor/ops"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type flags struct {
	config  string
	request string
	file    string
	out     string
	remote  string
	samples bool
	serve   bool
	version bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}

	fs := flag.NewFlagSet("jsonproc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "", "config file (toml, yaml or json)")
	fs.StringVar(&f.request, "request", "", "request text to process")
	fs.StringVar(&f.file, "file", "", "load the request from a file, - for stdin")
	fs.StringVar(&f.out, "out", "", "save the response envelope to a file")
	fs.StringVar(&f.remote, "remote", "", "send the request to a device over MQTT instead of processing it locally")
	fs.BoolVar(&f.samples, "samples", false, "process the sample requests")
	fs.BoolVar(&f.serve, "serve", false, "serve requests over HTTP and MQTT")
	fs.BoolVar(&f.version, "version", false, "print the version")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Newf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "jsonproc: %v\n", err)
		return 2
	}

	if f.version {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintf(stderr, "jsonproc: %v\n", err)
		return 1
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintf(stderr, "jsonproc: %v\n", err)
		return 1
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	log := logger.Sugar().With("module", "jsonproc.cmd")

	tel, err := telemetry.New(ctx, cfg.Telemetry.Telemetry(version))
	if err != nil {
		log.Warnf("Failed to initialize telemetry: %v", err)
		tel, _ = telemetry.NewNoop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down telemetry: %v", err)
		}
	}()

	renderer := console.NewRenderer(stdout)

	if f.remote != "" {
		return runRemote(ctx, cfg, tel, f, stdin, stdout, renderer)
	}

	processor := newProcessor(cfg, tel)
	defer processor.Close()

	if !processor.IsInitialized() {
		renderer.Error("Processor failed to initialize: %s", processor.LastError())
		return 1
	}

	switch {
	case f.serve:
		if err := serve(ctx, cfg, processor, tel); err != nil {
			log.Errorf("Serve: %v", err)
			return 1
		}
		return 0
	case f.samples:
		return runSamples(ctx, processor, renderer)
	default:
		request, err := readRequest(f, stdin)
		if err != nil {
			renderer.Error("Load request: %v", err)
			return 1
		}
		return writeEnvelope(processor.ProcessContext(ctx, request), f.out, stdout, renderer)
	}
}

func runSamples(ctx context.Context, processor *jsonproc.Processor, renderer *console.Renderer) int {
	renderer.Header("JSON Processor - Console Test")

	var passed, failed int
	for i, s := range console.SampleRequests {
		envelope := processor.ProcessContext(ctx, s.Request)
		if renderer.Result(fmt.Sprintf("Test %d (%s)", i+1, s.Name), s.Request, envelope) {
			passed++
		} else {
			failed++
		}
	}
	renderer.Summary(passed, failed)

	if failed > 0 {
		return 1
	}
	return 0
}

// readRequest returns the request of -request, -file or, if neither is set,
// stdin.
func readRequest(f *flags, stdin io.Reader) (string, error) {
	switch {
	case f.request != "" && f.file != "":
		return "", errors.New("-request and -file are mutually exclusive")
	case f.request != "":
		return f.request, nil
	case f.file != "" && f.file != "-":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return "", errors.Wrapf(err, "read %s", f.file)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "read stdin")
		}
		return string(data), nil
	}
}

// writeEnvelope prints envelope, saves it to out if set, and returns the exit
// code matching its outcome.
func writeEnvelope(envelope, out string, stdout io.Writer, renderer *console.Renderer) int {
	if out != "" {
		if err := os.WriteFile(out, []byte(console.Indent(envelope)+"\n"), 0o644); err != nil {
			renderer.Error("Save response: %v", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, console.Indent(envelope))

	if !console.Succeeded(envelope) {
		return 1
	}
	return 0
}

// newProcessor builds the processor of cfg. The built-in handlers take the
// configured processor timeout.
func newProcessor(cfg *config.Config, tel *telemetry.Telemetry) *jsonproc.Processor {
	opts := append(cfg.Processor.Options(), jsonproc.WithTelemetry(tel))
	return jsonproc.New(ops.NewModuleWithTimeout(cfg.Processor.Timeout), opts...)
}
