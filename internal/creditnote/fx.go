package creditnote

import (
	"github.com/smallbiznis/hotelier/internal/creditnote/service"
	"go.uber.org/fx"
)

var Module = fx.Module("creditnote.service",
	fx.Provide(service.NewService),
)
