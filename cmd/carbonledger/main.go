package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/stfc-cloud/carbonledger/internal/carbonintensity"
	"github.com/stfc-cloud/carbonledger/internal/clock"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/cpumetrics"
	"github.com/stfc-cloud/carbonledger/internal/dimension"
	"github.com/stfc-cloud/carbonledger/internal/migration"
	"github.com/stfc-cloud/carbonledger/internal/observability"
	"github.com/stfc-cloud/carbonledger/internal/scheduler"
	"github.com/stfc-cloud/carbonledger/internal/server"
	"github.com/stfc-cloud/carbonledger/internal/tracker"
	"github.com/stfc-cloud/carbonledger/internal/usagefact"
	"github.com/stfc-cloud/carbonledger/internal/workspace"
	"github.com/stfc-cloud/carbonledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		usagefact.Module,
		dimension.Module,
		workspace.Module,
		cpumetrics.Module,
		carbonintensity.Module,
		tracker.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
