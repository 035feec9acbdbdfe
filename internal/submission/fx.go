package submission

import (
	"github.com/smallbiznis/hotelier/internal/submission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("submission.service",
	fx.Provide(service.NewReconciliationQueue),
	fx.Provide(service.NewService),
)
