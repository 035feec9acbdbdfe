package resolution

import (
	"github.com/smallbiznis/hotelier/internal/resolution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("resolution.service",
	fx.Provide(service.NewService),
)
