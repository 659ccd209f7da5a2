package healthcheck

import (
	"context"
	"fmt"
	"net/http"

	"github.com/circleci/typeset/httpserver"
	"github.com/circleci/typeset/system"
)

// Load starts the admin server on addr, serving the health checks registered with sys.
func Load(ctx context.Context, addr string, metrics http.Handler, sys *system.System) (*httpserver.HTTPServer, error) {
	api, err := New(ctx, sys.HealthChecks(), metrics)
	if err != nil {
		return nil, fmt.Errorf("error creating health check API: %w", err)
	}

	return httpserver.Load(ctx, httpserver.Config{
		Name:    "admin",
		Addr:    addr,
		Handler: api.Handler(),
	}, sys)
}
