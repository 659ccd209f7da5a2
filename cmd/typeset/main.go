package main

import (
	"context"
	"errors"
	"log" //nolint:depguard // non-o11y log is allowed for a top-level fatal
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/circleci/typeset/api"
	"github.com/circleci/typeset/cmd"
	"github.com/circleci/typeset/cmd/setup"
	"github.com/circleci/typeset/httpserver"
	"github.com/circleci/typeset/httpserver/healthcheck"
	"github.com/circleci/typeset/metrics"
	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/system"
	"github.com/circleci/typeset/termination"
	"github.com/circleci/typeset/worker"
	"github.com/circleci/typeset/workspace"
)

type cli struct {
	setup.CLI

	ShutdownDelay time.Duration `env:"SHUTDOWN_DELAY" default:"5s" help:"Delay shutdown by this amount" hidden:""`
	APIAddr       string        `env:"API_ADDR" default:":8000" help:"The address for the API to listen on"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" default:"10m" help:"How long a job response may take to write"`

	WorkspaceRoot          string        `env:"WORKSPACE_ROOT" default:"${workspace_root}" help:"Directory under which job workspaces are created"`
	WorkspaceMaxAge        time.Duration `env:"WORKSPACE_MAX_AGE" default:"1h" help:"Leftover workspaces older than this are removed"`
	WorkspaceSweepInterval time.Duration `env:"WORKSPACE_SWEEP_INTERVAL" default:"5m" help:"How often to look for leftover workspaces"`

	LatexCompiler    string `env:"LATEX_COMPILER" default:"xelatex" help:"The LaTeX compiler executable"`
	LatexOutputLimit int    `env:"LATEX_OUTPUT_LIMIT" default:"1048576" help:"Bytes of compiler output kept for failed jobs"`
	PDFRenderer      string `name:"pdf-renderer" env:"PDF_RENDERER" default:"pdftoppm" help:"The PDF to JPEG renderer executable"`
	PDFOutputLimit   int    `name:"pdf-output-limit" env:"PDF_OUTPUT_LIMIT" default:"102400" help:"Bytes of renderer output kept for failed jobs"`

	MaxUploadBytes    int64 `env:"MAX_UPLOAD_BYTES" default:"67108864" help:"Largest accepted request body"`
	MaxExtractedBytes int64 `env:"MAX_EXTRACTED_BYTES" default:"268435456" help:"Largest accepted LaTeX upload once decompressed"`
}

func vars() kong.Vars {
	return kong.Vars{
		"workspace_root": filepath.Join(os.TempDir(), "typeset"),
	}
}

func main() {
	err := run(cmd.Version, cmd.Date)
	if err != nil && !errors.Is(err, termination.ErrTerminated) {
		log.Fatal("Unexpected Error: ", err)
	}
	log.Println("exited 0")
}

func run(version, date string) (err error) {
	cli := cli{}
	kong.Parse(&cli, vars())

	ctx, o11yCleanup, err := setup.LoadO11y(context.Background(), version, "api", cli.CLI)
	if err != nil {
		return err
	}
	defer o11yCleanup(ctx)

	ctx, runSpan := o11y.StartSpan(ctx, "main: run")
	defer o11y.End(runSpan, &err)

	o11y.Log(ctx, "starting typeset",
		o11y.Field("version", version),
		o11y.Field("date", date),
		o11y.Field("workspace_root", cli.WorkspaceRoot),
	)

	sys := system.New(ctx)
	defer sys.Cleanup(ctx)

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	loadSweeper(cli, sys)

	err = loadAPI(ctx, cli, recorder, sys)
	if err != nil {
		return err
	}

	// Should be last so it collects all the health checks
	_, err = healthcheck.Load(ctx, cli.AdminAddr, metrics.Handler(reg), sys)
	if err != nil {
		return err
	}

	return sys.Run(cli.ShutdownDelay)
}

func loadAPI(ctx context.Context, cli cli, recorder *metrics.Recorder, sys *system.System) error {
	a := api.New(ctx, api.Options{
		WorkspaceRoot: cli.WorkspaceRoot,
		Latex: api.Tool{
			Path:        cli.LatexCompiler,
			OutputLimit: cli.LatexOutputLimit,
		},
		PDF: api.Tool{
			Path:        cli.PDFRenderer,
			OutputLimit: cli.PDFOutputLimit,
		},
		MaxUploadBytes:    cli.MaxUploadBytes,
		MaxExtractedBytes: cli.MaxExtractedBytes,
		Metrics:           recorder,
	})
	sys.AddHealthCheck(a)

	_, err := httpserver.Load(ctx, httpserver.Config{
		Name:         "api",
		Addr:         cli.APIAddr,
		Handler:      a.Handler(),
		ReadTimeout:  cli.JobTimeout,
		WriteTimeout: cli.JobTimeout,
	}, sys)
	return err
}

// loadSweeper removes the workspaces of jobs that never finished, such as those of a
// previous process that was killed mid job.
func loadSweeper(cli cli, sys *system.System) {
	sweeper := &workspace.Sweeper{
		Root:   cli.WorkspaceRoot,
		MaxAge: cli.WorkspaceMaxAge,
	}
	sys.AddMetrics(sweeper)
	sys.AddService(func(ctx context.Context) error {
		worker.Run(ctx, worker.Config{
			Name:          "workspace-sweeper",
			NoWorkBackOff: backoff.NewConstantBackOff(cli.WorkspaceSweepInterval),
			WorkFunc: func(ctx context.Context) error {
				removed, err := sweeper.Sweep(ctx)
				o11y.AddField(ctx, "removed", removed)
				if err != nil {
					return err
				}
				return worker.ErrShouldBackoff
			},
		})
		return nil
	})
}
