// Package setup contains the wiring shared by the service binaries
package setup

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // include embedded timezone data

	"github.com/DataDog/datadog-go/statsd"
	"github.com/cenkalti/backoff/v4"
	"github.com/gwatts/rootcerts"
	"github.com/rollbar/rollbar-go"

	"github.com/circleci/typeset/config/secret"
	"github.com/circleci/typeset/o11y"
	"github.com/circleci/typeset/o11y/honeycomb"
)

type CLI struct {
	AdminAddr string `env:"ADMIN_ADDR" default:":8001" help:"The address for the admin api to listen on"`

	O11yStatsd           string        `name:"o11y-statsd" env:"O11Y_STATSD" default:"" help:"Address to send statsd metrics, metrics are dropped when empty"`
	O11yHoneycombEnabled bool          `name:"o11y-honeycomb" env:"O11Y_HONEYCOMB" default:"false" help:"Send traces to honeycomb"`
	O11yHoneycombDataset string        `name:"o11y-honeycomb-dataset" env:"O11Y_HONEYCOMB_DATASET" default:"typeset"`
	O11yHoneycombKey     secret.String `name:"o11y-honeycomb-key" env:"O11Y_HONEYCOMB_KEY"`
	O11yFormat           string        `name:"o11y-format" env:"O11Y_FORMAT" enum:"json,color,colour,text,none" default:"json" help:"Format used for stderr logging"`
	O11yRollbarToken     secret.String `name:"o11y-rollbar-token" env:"O11Y_ROLLBAR_TOKEN"`
	O11yRollbarEnv       string        `name:"o11y-rollbar-env" env:"O11Y_ROLLBAR_ENV" default:"production"`
}

func init() {
	err := rootcerts.UpdateDefaultTransport()
	if err != nil {
		panic(fmt.Errorf("failed to inject rootcerts: %w", err))
	}
}

// LoadO11y builds the o11y provider described by cli and returns a context carrying it,
// along with the func that flushes and closes it.
func LoadO11y(ctx context.Context, version, mode string, cli CLI) (context.Context, func(context.Context), error) {
	const service = "typeset"

	hc := honeycomb.Config{
		Dataset:     cli.O11yHoneycombDataset,
		Key:         cli.O11yHoneycombKey.Raw(),
		Format:      cli.O11yFormat,
		SendTraces:  cli.O11yHoneycombEnabled,
		ServiceName: service,
		// sample the chatty admin endpoints, never the jobs themselves
		SampleTraces: true,
		SampleKeyFunc: func(fields map[string]interface{}) string {
			return fmt.Sprintf("%s %s %v",
				fields["http.server_name"],
				fields["http.route"],
				fields["http.status_code"],
			)
		},
		SampleRates: map[string]int{
			"admin /live 200":    100,
			"admin /ready 200":   100,
			"admin /metrics 200": 10,
		},
	}
	if err := hc.Validate(); err != nil {
		return nil, nil, err
	}

	hostname, _ := os.Hostname()

	metrics, err := loadStatsd(ctx, cli.O11yStatsd, []string{
		"service:" + service,
		"version:" + version,
		"hostname:" + hostname,
		"mode:" + mode,
	})
	if err != nil {
		return nil, nil, err
	}
	hc.Metrics = metrics

	provider := honeycomb.New(hc)
	provider.AddGlobalField("service", service)
	provider.AddGlobalField("version", version)
	provider.AddGlobalField("mode", mode)

	if token := cli.O11yRollbarToken.Raw(); token != "" {
		client := rollbar.NewAsync(token, cli.O11yRollbarEnv, version, hostname, "github.com/circleci/typeset")
		client.Message(rollbar.INFO, "Deployment")
		provider = rollbarProvider{
			Provider: provider,
			client:   client,
		}
	}

	return o11y.WithProvider(ctx, provider), provider.Close, nil
}

// loadStatsd dials the statsd agent, which may still be coming up alongside the service.
func loadStatsd(ctx context.Context, addr string, tags []string) (o11y.ClosableMetricsProvider, error) {
	if addr == "" {
		return &statsd.NoOpClient{}, nil
	}

	var client *statsd.Client
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 10), ctx)
	err := backoff.Retry(func() (err error) {
		client, err = statsd.New(addr,
			statsd.WithNamespace("circleci.typeset."),
			statsd.WithTags(tags),
		)
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("statsd %s: %w", addr, err)
	}
	return client, nil
}

type rollbarProvider struct {
	o11y.Provider
	client *rollbar.Client
}

func (p rollbarProvider) Close(ctx context.Context) {
	p.Provider.Close(ctx)
	_ = p.client.Close()
}

func (p rollbarProvider) RollBarClient() *rollbar.Client {
	return p.client
}
