package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tollway/internal/catalog"
	"github.com/smallbiznis/tollway/internal/clock"
	"github.com/smallbiznis/tollway/internal/cloudmetrics"
	"github.com/smallbiznis/tollway/internal/config"
	"github.com/smallbiznis/tollway/internal/credential"
	"github.com/smallbiznis/tollway/internal/exchange"
	fetchstatusrepo "github.com/smallbiznis/tollway/internal/fetchstatus/repository"
	"github.com/smallbiznis/tollway/internal/migration"
	"github.com/smallbiznis/tollway/internal/normalizer"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	"github.com/smallbiznis/tollway/internal/provider/registry"
	"github.com/smallbiznis/tollway/internal/ratelimit"
	"github.com/smallbiznis/tollway/internal/rawcache"
	"github.com/smallbiznis/tollway/internal/scheduler"
	"github.com/smallbiznis/tollway/internal/server"
	"github.com/smallbiznis/tollway/internal/usageevent"
	"github.com/smallbiznis/tollway/pkg/db"
	tollwaylog "github.com/smallbiznis/tollway/pkg/log"
	"github.com/smallbiznis/tollway/pkg/log/ctxlogger"
	"github.com/smallbiznis/tollway/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		tollwaylog.Module,
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		telemetry.Module,
		migration.Module,

		catalog.Module,
		exchange.Module,
		credential.Module,
		registry.Module,
		rawcache.Module,
		ratelimit.Module,
		normalizer.Module,
		usageevent.Module,
		fetchstatusrepo.Module,
		scheduler.Module,
		cloudmetrics.Module,
		server.Module,

		fx.Invoke(bootstrapObservability),
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func bootstrapObservability(cfg config.Config) {
	ctxlogger.SetServiceName(cfg.AppName)
	obsmetrics.PipelineWithConfig(obsmetrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}
