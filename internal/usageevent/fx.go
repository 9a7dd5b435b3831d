package usageevent

import (
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/smallbiznis/tollway/internal/usageevent/repository"
	"github.com/smallbiznis/tollway/internal/usageevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usageevent",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) usagedomain.Sink { return s }),
	fx.Provide(func(s *service.Service) usagedomain.Reader { return s }),
)
