package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Additional-Code/bulkbuy/internal/config"
)

// HealthService is the gRPC health service name reflecting the last pipeline outcome.
const HealthService = "bulkbuy.settlement"

// Stage names one settlement step.
type Stage string

const (
	StageCreateOrders       Stage = "createOrders"
	StageAuthorizePayments  Stage = "authorizePayments"
	StageChargeUsers        Stage = "chargeUsers"
	StageCompleteOrders     Stage = "completeOrders"
	StageCancelOrders       Stage = "cancelOrders"
	StageSetDelivery        Stage = "setDelivery"
	StageFinalizeDeliveries Stage = "finalizeDeliveries"
	StageNudgeMembers       Stage = "nudgeMembers"
)

var (
	// ErrUnknownStage is returned for stage names outside Stages().
	ErrUnknownStage = errors.New("settlement: unknown stage")
	// ErrPipelineBusy is returned when another run holds the pipeline in this process.
	ErrPipelineBusy = errors.New("settlement: pipeline already running")
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageCreateOrders,
		StageAuthorizePayments,
		StageChargeUsers,
		StageCompleteOrders,
		StageCancelOrders,
		StageSetDelivery,
		StageFinalizeDeliveries,
		StageNudgeMembers,
	}
}

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	for _, stage := range Stages() {
		if string(stage) == name {
			return stage, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// StatusReporter receives serving status updates, typically a gRPC health server.
type StatusReporter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// PipelineParams defines dependencies for constructing Pipeline.
type PipelineParams struct {
	fx.In

	Service *Service
	Config  config.Config
	Logger  *zap.Logger
	Health  StatusReporter `optional:"true"`
}

// Pipeline runs settlement stages strictly one after another.
type Pipeline struct {
	service *Service
	timeout time.Duration
	logger  *zap.Logger
	health  StatusReporter
	stages  map[Stage]func(context.Context) (Result, error)
	running sync.Mutex
}

// NewPipeline wires the stage table.
func NewPipeline(p PipelineParams) *Pipeline {
	svc := p.Service
	return &Pipeline{
		service: svc,
		timeout: p.Config.Settlement.StageTimeout,
		logger:  p.Logger.Named("pipeline"),
		health:  p.Health,
		stages: map[Stage]func(context.Context) (Result, error){
			StageCreateOrders:       svc.CreateOrders,
			StageAuthorizePayments:  svc.AuthorizePayments,
			StageChargeUsers:        svc.ChargeUsers,
			StageCompleteOrders:     svc.CompleteOrders,
			StageCancelOrders:       svc.CancelOrders,
			StageSetDelivery:        svc.SetDelivery,
			StageFinalizeDeliveries: svc.FinalizeDeliveries,
			StageNudgeMembers:       svc.NudgeMembers,
		},
	}
}

// RunStage executes one stage under the stage timeout. Only infrastructure errors are returned.
func (p *Pipeline) RunStage(ctx context.Context, stage Stage) (Result, error) {
	if !p.running.TryLock() {
		return Result{Stage: stage}, ErrPipelineBusy
	}
	defer p.running.Unlock()
	return p.runStage(ctx, stage)
}

func (p *Pipeline) runStage(parent context.Context, stage Stage) (Result, error) {
	fn, ok := p.stages[stage]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	ctx := parent
	cancel := func() {}
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, p.timeout)
	}
	defer cancel()

	log := p.logger.With(zap.String("stage", string(stage)))
	log.Info("stage started")

	start := time.Now()
	res, err := fn(ctx)
	elapsed := time.Since(start)
	res.Stage = stage

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	p.service.metrics.observeRun(parent, stage, elapsed, err, timedOut)
	p.report(err)

	if err != nil {
		log.Error("stage aborted", zap.Duration("duration", elapsed), zap.Error(err))
		return res, err
	}
	if timedOut {
		log.Warn("stage hit its deadline; remaining units left for next run", zap.Duration("duration", elapsed))
	}
	log.Info("stage finished",
		zap.Duration("duration", elapsed),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Run executes the requested stages (all when none are given) in pipeline order,
// stopping at the first infrastructure error.
func (p *Pipeline) Run(ctx context.Context, only ...Stage) ([]Result, error) {
	if !p.running.TryLock() {
		return nil, ErrPipelineBusy
	}
	defer p.running.Unlock()

	wanted := make(map[Stage]bool, len(only))
	for _, stage := range only {
		if _, ok := p.stages[stage]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
		wanted[stage] = true
	}

	results := make([]Result, 0, len(p.stages))
	for _, stage := range Stages() {
		if len(wanted) > 0 && !wanted[stage] {
			continue
		}
		res, err := p.runStage(ctx, stage)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	return results, nil
}

func (p *Pipeline) report(err error) {
	if p.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus(HealthService, status)
}
