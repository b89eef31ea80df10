package webhook

import (
	"go.uber.org/fx"

	"github.com/atelierhq/atelier/internal/app/service/notification"
)

var Module = fx.Options(
	fx.Provide(func(d *notification.Dispatcher) Notifier { return d }),
	fx.Provide(NewService),
)
