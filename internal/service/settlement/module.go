package settlement

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
	"github.com/Additional-Code/bulkbuy/internal/service/catalog"
)

// Module provides the settlement service and pipeline to Fx.
var Module = fx.Module("settlement",
	fx.Provide(
		func(r *ledger.Repository) Ledger { return r },
		func(c *catalog.Service) Catalog { return c },
		func(n *notification.Publisher) Notifier { return n },
		NewService,
		NewPipeline,
	),
)
