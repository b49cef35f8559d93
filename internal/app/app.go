package app

import (
	"go.uber.org/fx"
	"google.golang.org/grpc/health"

	"github.com/Additional-Code/bulkbuy/internal/cache"
	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/database"
	"github.com/Additional-Code/bulkbuy/internal/gateway"
	"github.com/Additional-Code/bulkbuy/internal/logger"
	"github.com/Additional-Code/bulkbuy/internal/messaging"
	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/observability"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
	grpcserver "github.com/Additional-Code/bulkbuy/internal/server/grpc"
	httpserver "github.com/Additional-Code/bulkbuy/internal/server/http"
	"github.com/Additional-Code/bulkbuy/internal/service/catalog"
	serviceorder "github.com/Additional-Code/bulkbuy/internal/service/order"
	"github.com/Additional-Code/bulkbuy/internal/service/settlement"
	transporthttp "github.com/Additional-Code/bulkbuy/internal/transport/http"
	"github.com/Additional-Code/bulkbuy/internal/worker"
	"github.com/Additional-Code/bulkbuy/internal/worker/portioning"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	ledger.Module,
	catalog.Module,
	notification.Module,
)

// Settlement wires the settlement engine, its payment gateway and deferred portioning.
var Settlement = fx.Options(
	gateway.Module,
	settlement.Module,
	portioning.Module,
	fx.Invoke(func(*observability.Manager) {}),
)

// Settle is the one-shot wiring used by the CLI to run stages without servers.
var Settle = fx.Options(
	Core,
	Settlement,
)

// HTTP wires the HTTP stage triggers and the gRPC health endpoint on top of the core modules.
var HTTP = fx.Options(
	Core,
	Settlement,
	serviceorder.Module,
	httpserver.Module,
	grpcserver.Module,
	fx.Provide(func(hs *health.Server) settlement.StatusReporter { return hs }),
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	portioning.Module,
	fx.Invoke(func(*observability.Manager) {}),
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
