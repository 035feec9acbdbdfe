package providers

import (
	"github.com/smallbiznis/hotelier/internal/providers/fiscal"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	fiscal.Module,
)
