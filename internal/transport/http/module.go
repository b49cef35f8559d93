package http

import (
	"go.uber.org/fx"

	ordertransport "github.com/Additional-Code/bulkbuy/internal/transport/http/order"
	settlementtransport "github.com/Additional-Code/bulkbuy/internal/transport/http/settlement"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	settlementtransport.Module,
)
