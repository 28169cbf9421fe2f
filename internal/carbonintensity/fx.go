package carbonintensity

import "go.uber.org/fx"

var Module = fx.Module("carbonintensity",
	fx.Provide(NewClient),
)
