package usagefact

import (
	"github.com/stfc-cloud/carbonledger/internal/usagefact/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagefact.service",
	fx.Provide(service.NewService),
)
