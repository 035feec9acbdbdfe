package sequence

import (
	"github.com/smallbiznis/hotelier/internal/sequence/repository"
	"github.com/smallbiznis/hotelier/internal/sequence/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence.allocator",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewAllocator),
)
