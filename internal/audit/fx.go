package audit

import (
	"github.com/relaybill/relaybill/internal/audit/repository"
	"github.com/relaybill/relaybill/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
