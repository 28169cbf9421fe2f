package cpumetrics

import "go.uber.org/fx"

var Module = fx.Module("cpumetrics",
	fx.Provide(NewPrometheusSource),
)
