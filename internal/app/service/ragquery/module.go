package ragquery

import (
	"go.uber.org/fx"

	"github.com/atelierhq/atelier/internal/platform/ai"
)

var Module = fx.Options(
	fx.Provide(func(c *ai.Client) Embedder { return c }),
	fx.Provide(func(c *ai.Client) Generator { return c }),
	fx.Provide(NewService),
)
