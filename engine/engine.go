// Package engine hosts the alarm-evaluation core: sliding windows, the rule
// registry, the evaluators, the alarm aggregator, and the orchestrator that
// wires them to the collectors and the pipeline.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/config"
	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/pipeline"
	"github.com/intellimaint/edge/store"
)

// intentBuffer bounds the evaluator -> aggregator channel.
const intentBuffer = 256

// Deps are the external collaborators the engine is built from. Everything
// is constructed explicitly; there are no package-level singletons.
type Deps struct {
	Store    store.Store
	Rules    store.RuleRepository
	Overflow pipeline.Spiller
	Drivers  []collector.Driver
	Notifier *Notifier
	Clock    clock.Clock
	Log      *zap.Logger
}

// Engine owns the full sample path: collectors feed the fan-in queue, the
// dispatcher fans out to the writer, the evaluators and the last-data
// tracker, and alarm intents converge on the aggregator, the sole alarm
// store writer.
type Engine struct {
	cfg  config.Config
	deps Deps
	clk  clock.Clock
	log  *zap.Logger

	endpoints  []model.EndpointDescriptor
	queue      *pipeline.Queue
	dispatcher *pipeline.Dispatcher
	writer     *pipeline.Writer
	registry   *Registry
	state      *RuleState
	windows    *WindowStore
	lastData   *LastDataTracker
	threshold  *ThresholdEvaluator
	roc        *RocEvaluator
	volatility *VolatilityEvaluator
	offline    *OfflineDetector
	aggregator *Aggregator
	manager    *collector.Manager
	intents    chan model.AlarmIntent
}

// New wires an engine for the given endpoints.
func New(cfg config.Config, endpoints []model.EndpointDescriptor, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		clk:       deps.Clock,
		log:       deps.Log.Named("engine"),
		endpoints: endpoints,
		intents:   make(chan model.AlarmIntent, intentBuffer),
	}

	e.queue = pipeline.NewQueue(cfg.Pipeline.Capacity)
	e.dispatcher = pipeline.NewDispatcher(e.queue,
		time.Duration(cfg.Pipeline.DispatchTimeoutMs)*time.Millisecond, deps.Log)
	writerTarget := e.dispatcher.AddTarget("writer", cfg.Pipeline.TargetCapacity)
	thresholdTarget := e.dispatcher.AddTarget("threshold", cfg.Pipeline.TargetCapacity)
	rocTarget := e.dispatcher.AddTarget("roc", cfg.Pipeline.TargetCapacity)
	volatilityTarget := e.dispatcher.AddTarget("volatility", cfg.Pipeline.TargetCapacity)
	lastDataTarget := e.dispatcher.AddTarget("lastdata", cfg.Pipeline.TargetCapacity)

	e.writer = pipeline.NewWriter(writerTarget.C(), deps.Store, deps.Overflow, pipeline.WriterOptions{
		BatchSize:  cfg.Writer.BatchSize,
		FlushEvery: time.Duration(cfg.Writer.FlushMs) * time.Millisecond,
		MaxRetries: cfg.Writer.MaxRetries,
		RetryBase:  time.Duration(cfg.Writer.RetryBaseMs) * time.Millisecond,
	}, deps.Clock, deps.Log)

	e.registry = NewRegistry(deps.Rules, time.Duration(cfg.RuleRefreshSec)*time.Second, deps.Clock, deps.Log)
	e.state = NewRuleState(deps.Clock)
	e.windows = NewWindowStore()
	e.lastData = NewLastDataTracker(lastDataTarget.C(), deps.Store, deps.Clock, deps.Log)

	e.threshold = NewThresholdEvaluator(thresholdTarget.C(), e.registry, e.state, deps.Store, e.intents, deps.Log)
	e.roc = NewRocEvaluator(rocTarget.C(), e.registry, e.windows, e.state, deps.Store, e.intents, deps.Log)
	e.volatility = NewVolatilityEvaluator(volatilityTarget.C(), e.registry, e.windows, e.state, deps.Store, e.intents, deps.Log)
	e.offline = NewOfflineDetector(e.registry, e.lastData, e.state, deps.Store, e.intents, deps.Clock, deps.Log)
	e.aggregator = NewAggregator(e.intents, deps.Store, deps.Notifier, deps.Clock, deps.Log)

	health := collector.NewHealthTracker()
	e.manager = collector.NewManager(deps.Drivers, e.queue, health, deps.Clock, deps.Log)
	return e
}

// Registry exposes the rule registry so the rules-file watcher can notify it.
func (e *Engine) Registry() *Registry { return e.registry }

// Collectors exposes the collector manager for reloads and health probes.
func (e *Engine) Collectors() *collector.Manager { return e.manager }

// Alarms exposes the aggregator for group ack/close operations.
func (e *Engine) Alarms() *Aggregator { return e.aggregator }

// Run starts every loop and blocks until ctx is cancelled and the shutdown
// drain completes. Order on shutdown: collectors stop, the fan-in queue
// closes, the dispatcher drains it and closes the targets, the evaluators
// and trackers finish their channels, the intent channel closes, the
// aggregator exits, and the writer persists its residue uncancellably.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.lastData.Hydrate(ctx); err != nil {
		e.log.Warn("last-data hydrate failed", zap.Error(err))
	}

	// Collectors and periodic loops get their own cancellation so the
	// shutdown sequence, not the root context, decides when each stage ends.
	collectorCtx, stopCollectors := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCollectors()
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoops()
	// The writer's context governs its flush retries: cancelling it aborts an
	// in-flight retry schedule and spills the batch, while the final drain
	// after channel close stays uncancellable inside the writer itself.
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()
	drainCtx := context.WithoutCancel(ctx)

	e.manager.Start(collectorCtx, e.endpoints)
	e.log.Info("engine started",
		zap.Int("endpoints", len(e.endpoints)),
		zap.Int("queue_capacity", e.cfg.Pipeline.Capacity))

	var g errgroup.Group
	g.Go(func() error { return ignoreCancel(e.registry.Run(loopCtx)) })
	g.Go(func() error { return ignoreCancel(e.state.Run(loopCtx)) })
	g.Go(func() error { return ignoreCancel(e.dispatcher.Run(drainCtx)) })
	g.Go(func() error { return e.writer.Run(writerCtx) })
	g.Go(func() error { return ignoreCancel(e.lastData.Run(drainCtx)) })
	g.Go(func() error { return e.aggregator.Run(drainCtx) })

	// The intent channel closes only after every emitter is done.
	var emitters errgroup.Group
	emitters.Go(func() error { return e.threshold.Run(drainCtx) })
	emitters.Go(func() error { return e.roc.Run(drainCtx) })
	emitters.Go(func() error { return e.volatility.Run(drainCtx) })
	emitters.Go(func() error { return ignoreCancel(e.offline.Run(loopCtx)) })
	g.Go(func() error {
		err := emitters.Wait()
		close(e.intents)
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		e.log.Info("engine stopping")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.manager.Stop(stopCtx); err != nil {
			e.log.Warn("collector stop timed out", zap.Error(err))
		}
		e.queue.Close()
		stopLoops()
		stopWriter()
		return nil
	})

	err := g.Wait()
	e.log.Info("engine stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
