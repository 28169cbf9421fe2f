package workspace

import (
	"github.com/stfc-cloud/carbonledger/internal/workspace/service"
	"go.uber.org/fx"
)

var Module = fx.Module("workspace.service",
	fx.Provide(service.NewService),
)
