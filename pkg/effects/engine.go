package effects

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/navigatorhq/navigator/pkg/concurrency"
	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/store"
	"github.com/navigatorhq/navigator/pkg/telemetry"
)

// ResultDelayed is the marker value a completed delay node yields.
const ResultDelayed = "delayed"

// metricsFile is the blob under system/ holding aggregate counters.
const metricsFile = "effects_metrics.json"

// DataAccessor reads and writes the owning instance's data on behalf of
// put_data/get_data nodes. The Manager implements it with a short lock.
type DataAccessor interface {
	PutData(instanceID, key string, value interface{}) error
	GetData(instanceID, key string) (interface{}, bool, error)
}

// Ref names the instance an execution runs on behalf of.
type Ref struct {
	InstanceID string
	TenantID   string
}

// KindCounters aggregates terminal outcomes per effect kind.
type KindCounters struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

type metricsSnapshot struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Kinds     map[string]KindCounters `json:"kinds"`
}

// EngineConfig tunes the interpreter.
type EngineConfig struct {
	// RetryDefault fills unset fields of retry nodes.
	RetryDefault RetryOpts
}

// DefaultEngineConfig matches the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryDefault: RetryOpts{
			Attempts: 3,
			Backoff:  BackoffExponential,
			BaseMs:   100,
		},
	}
}

type instScope struct {
	ctx    context.Context
	cancel context.CancelFunc
	active int
}

// writeTracker surfaces put_data contention between concurrent children of
// one execution.
type writeTracker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (w *writeTracker) record(key string, inParallel bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, seen := w.keys[key]
	w.keys[key] = struct{}{}
	return seen && inParallel
}

type execEnv struct {
	ref         Ref
	executionID string
	prev        interface{}
	writes      *writeTracker
	inParallel  bool
}

// Engine interprets effect trees: cooperative scheduling, per-instance
// cancellation scopes, bounded-pool dispatch for blocking leaves, telemetry
// on every node, aggregate counters persisted under system/.
type Engine struct {
	caps   *Capabilities
	pool   concurrency.WorkerPool
	data   DataAccessor
	blobs  *store.BlobStore
	tel    *telemetry.Telemetry
	logger core.Logger
	cfg    EngineConfig

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	scopes   map[string]*instScope
	counters map[string]*KindCounters
}

// NewEngine creates an interpreter. blobs may be nil to disable counter
// persistence; existing counters are reloaded when it is not.
func NewEngine(cfg EngineConfig, caps *Capabilities, pool concurrency.WorkerPool, data DataAccessor, blobs *store.BlobStore, tel *telemetry.Telemetry, logger core.Logger) *Engine {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		caps:       caps,
		pool:       pool,
		data:       data,
		blobs:      blobs,
		tel:        tel,
		logger:     core.WithComponent(logger, "effects"),
		cfg:        cfg,
		rootCtx:    ctx,
		rootCancel: cancel,
		scopes:     make(map[string]*instScope),
		counters:   make(map[string]*KindCounters),
	}
	e.loadMetrics()
	return e
}

// Run validates and executes an effect tree synchronously, returning the
// root node's result. The execution joins the instance's cancellation scope.
func (e *Engine) Run(ctx context.Context, ref Ref, effect *Effect) (interface{}, error) {
	if err := Validate(effect); err != nil {
		return nil, err
	}

	runCtx, cancel := e.runCtx(ctx, ref.InstanceID)
	defer cancel()

	env := execEnv{
		ref:         ref,
		executionID: uuid.New().String(),
		writes:      &writeTracker{keys: make(map[string]struct{})},
	}
	result, err := e.exec(runCtx, env, effect)
	e.persistMetrics()
	return result, err
}

// RunAsync executes fire-and-forget, as state-entry effects are triggered.
// The returned execution id is only informational; errors are logged.
func (e *Engine) RunAsync(ref Ref, effect *Effect) string {
	executionID := uuid.New().String()
	if err := Validate(effect); err != nil {
		e.logger.Warnf("effect for instance %s rejected: %v", ref.InstanceID, err)
		return executionID
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		runCtx, cancel := e.runCtx(context.Background(), ref.InstanceID)
		defer cancel()

		env := execEnv{
			ref:         ref,
			executionID: executionID,
			writes:      &writeTracker{keys: make(map[string]struct{})},
		}
		if _, err := e.exec(runCtx, env, effect); err != nil {
			if core.ReasonOf(err) == core.ReasonCancelled {
				e.logger.Debugf("effect %s cancelled for instance %s", executionID, ref.InstanceID)
			} else {
				e.logger.Warnf("effect %s failed for instance %s: %v", executionID, ref.InstanceID, err)
			}
		}
		e.persistMetrics()
	}()
	return executionID
}

// Cancel marks an instance's scope cancelled: running and queued nodes
// observe it at their next suspension point and fail with cancelled.
func (e *Engine) Cancel(instanceID string) {
	e.mu.Lock()
	scope, ok := e.scopes[instanceID]
	if ok {
		delete(e.scopes, instanceID)
	}
	e.mu.Unlock()
	if ok {
		scope.cancel()
	}
}

// Close cancels everything and waits for in-flight executions up to ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.rootCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.persistMetrics()
	return nil
}

// GetMetrics returns a copy of the aggregate counters per effect kind.
func (e *Engine) GetMetrics() map[string]KindCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]KindCounters, len(e.counters))
	for kind, c := range e.counters {
		out[kind] = *c
	}
	return out
}

// runCtx derives an execution context from the instance scope, additionally
// cancelled when the caller's ctx is. The returned cancel func also releases
// the execution's hold on the scope.
func (e *Engine) runCtx(callerCtx context.Context, instanceID string) (context.Context, context.CancelFunc) {
	e.mu.Lock()
	scope, ok := e.scopes[instanceID]
	if !ok {
		sctx, cancel := context.WithCancel(e.rootCtx)
		scope = &instScope{ctx: sctx, cancel: cancel}
		e.scopes[instanceID] = scope
	}
	scope.active++
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(scope.ctx)
	var stop func() bool
	if callerCtx != nil && callerCtx != context.Background() {
		stop = context.AfterFunc(callerCtx, cancel)
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			if stop != nil {
				stop()
			}
			cancel()
			e.releaseScope(instanceID, scope)
		})
	}
}

// releaseScope drops one execution's hold; the scope entry is removed when
// the last execution on the instance finishes, so idle instances do not
// accumulate map entries for the process lifetime.
func (e *Engine) releaseScope(instanceID string, scope *instScope) {
	e.mu.Lock()
	scope.active--
	last := scope.active == 0
	if last && e.scopes[instanceID] == scope {
		delete(e.scopes, instanceID)
	}
	e.mu.Unlock()
	if last {
		scope.cancel()
	}
}

// exec wraps one node with telemetry and counter bookkeeping.
func (e *Engine) exec(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxReason(ctx)
	}

	started := time.Now()
	e.emit(telemetry.EffectStarted, env, node, 0)

	result, err := e.execNode(ctx, env, node)

	duration := time.Since(started)
	phase := telemetry.EffectCompleted
	if err != nil {
		if core.ReasonOf(err) == core.ReasonCancelled {
			phase = telemetry.EffectCancelled
		} else {
			phase = telemetry.EffectFailed
		}
	}
	e.emit(phase, env, node, duration)
	e.count(node.Kind, phase)
	return result, err
}

func (e *Engine) execNode(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	switch node.Kind {
	case KindCall:
		return e.execCall(ctx, env, node)
	case KindDelay:
		return e.execDelay(ctx, node.Ms)
	case KindLog:
		return e.execLog(env, node)
	case KindPutData:
		return e.execPutData(ctx, env, node)
	case KindGetData:
		value, _, err := e.data.GetData(env.ref.InstanceID, node.Key)
		return value, err
	case KindSequence:
		return e.execSequence(ctx, env, node)
	case KindParallel:
		return e.execParallel(ctx, env, node)
	case KindRace:
		return e.execRace(ctx, env, node)
	case KindRetry:
		return e.execRetry(ctx, env, node)
	case KindTimeout:
		return e.execTimeout(ctx, env, node)
	case KindWithCompensation:
		return e.execWithCompensation(ctx, env, node)
	case KindCallLLM:
		return e.execCallLLM(ctx, env, node)
	case KindCoordinateAgents:
		return e.execCoordinateAgents(ctx, env, node)
	case KindRAGPipeline:
		return e.execRAGPipeline(ctx, env, node)
	default:
		return nil, core.Errf(core.ReasonValidationError, fmt.Sprintf("unknown effect kind %q", node.Kind))
	}
}

// resolveValue substitutes Result()/DataRef() markers at execution time.
func (e *Engine) resolveValue(env execEnv, v interface{}) (interface{}, error) {
	switch ref := v.(type) {
	case resultRef:
		return env.prev, nil
	case dataRef:
		value, _, err := e.data.GetData(env.ref.InstanceID, ref.key)
		return value, err
	default:
		return v, nil
	}
}

func (e *Engine) resolveArgs(env execEnv, args []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := e.resolveValue(env, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *Engine) execCall(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	fn, err := e.caps.Lookup(node.Module, node.Function)
	if err != nil {
		return nil, err
	}
	args, err := e.resolveArgs(env, node.Args)
	if err != nil {
		return nil, err
	}
	return e.runBlocking(ctx, "call:"+node.Module+"."+node.Function, func(ctx context.Context) (interface{}, error) {
		return fn(ctx, args)
	})
}

func (e *Engine) execDelay(ctx context.Context, ms int) (interface{}, error) {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ResultDelayed, nil
	case <-ctx.Done():
		return nil, ctxReason(ctx)
	}
}

func (e *Engine) execLog(env execEnv, node *Effect) (interface{}, error) {
	msg := fmt.Sprintf("[%s] %s", env.ref.InstanceID, node.Message)
	switch node.Level {
	case "debug":
		e.logger.Debug(msg)
	case "warn":
		e.logger.Warn(msg)
	case "error":
		e.logger.Error(msg)
	default:
		e.logger.Info(msg)
	}
	return node.Message, nil
}

func (e *Engine) execPutData(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxReason(ctx)
	}
	value, err := e.resolveValue(env, node.Value)
	if err != nil {
		return nil, err
	}
	if env.writes.record(node.Key, env.inParallel) {
		// Concurrent children wrote the same key: last writer wins, but the
		// contention is surfaced.
		if e.tel != nil {
			e.tel.Metrics.DataWriteContention.Inc()
		}
	}
	if err := e.data.PutData(env.ref.InstanceID, node.Key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (e *Engine) execSequence(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	results := make([]interface{}, 0, len(node.Children))
	childEnv := env
	for _, child := range node.Children {
		result, err := e.exec(ctx, childEnv, child)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		childEnv.prev = result
	}
	return results, nil
}

func (e *Engine) execParallel(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]interface{}, len(node.Children))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for i, child := range node.Children {
		wg.Add(1)
		go func(i int, child *Effect) {
			defer wg.Done()
			childEnv := env
			childEnv.inParallel = true
			result, err := e.exec(pctx, childEnv, child)
			if err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			results[i] = result
		}(i, child)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Engine) execRace(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, len(node.Children))
	for _, child := range node.Children {
		go func(child *Effect) {
			childEnv := env
			childEnv.inParallel = true
			result, err := e.exec(rctx, childEnv, child)
			ch <- outcome{result: result, err: err}
		}(child)
	}

	var lastErr error
	for range node.Children {
		o := <-ch
		if o.err == nil {
			cancel()
			return o.result, nil
		}
		lastErr = o.err
	}
	return nil, lastErr
}

func (e *Engine) execRetry(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	opts := *node.Retry
	if opts.Backoff == "" {
		opts.Backoff = e.cfg.RetryDefault.Backoff
	}
	if opts.BaseMs == 0 {
		opts.BaseMs = e.cfg.RetryDefault.BaseMs
	}
	if e.cfg.RetryDefault.NoJitter {
		opts.NoJitter = true
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, backoffDelay(opts, attempt)); err != nil {
				return nil, err
			}
		}
		result, err := e.exec(ctx, env, node.Child)
		if err == nil {
			return result, nil
		}
		if core.ReasonOf(err) == core.ReasonCancelled {
			return nil, err
		}
		lastErr = err
	}
	if opts.Attempts == 1 {
		// A single attempt is the wrapped effect itself; keep its error.
		return nil, lastErr
	}
	return nil, core.Wrap(core.ReasonMaxRetriesExceeded,
		fmt.Sprintf("all %d attempts failed", opts.Attempts), lastErr)
}

// backoffDelay computes the wait before attempt (2-based): constant base,
// linear base*i, exponential base*2^(i-1), with uniform ±20% jitter unless
// disabled.
func backoffDelay(opts RetryOpts, attempt int) time.Duration {
	i := attempt - 1
	base := float64(opts.BaseMs)
	var ms float64
	switch opts.Backoff {
	case BackoffConstant:
		ms = base
	case BackoffLinear:
		ms = base * float64(i)
	default:
		ms = base * float64(int64(1)<<uint(i-1))
	}
	if !opts.NoJitter {
		ms *= 0.8 + 0.4*rand.Float64()
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctxReason(ctx)
	}
}

func (e *Engine) execTimeout(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	tctx, cancel := context.WithTimeout(ctx, time.Duration(node.Ms)*time.Millisecond)
	defer cancel()

	result, err := e.exec(tctx, env, node.Child)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, core.Wrap(core.ReasonTimeout,
			fmt.Sprintf("effect exceeded %dms", node.Ms), err)
	}
	return result, err
}

func (e *Engine) execWithCompensation(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	result, err := e.exec(ctx, env, node.Child)
	if err == nil {
		return result, nil
	}

	// Rollback runs best-effort even when the main path failed through
	// cancellation; its own errors are logged, never re-raised.
	rbCtx := context.WithoutCancel(ctx)
	if _, rbErr := e.exec(rbCtx, env, node.Rollback); rbErr != nil {
		e.logger.Warnf("compensation for instance %s failed: %v", env.ref.InstanceID, rbErr)
	}
	return nil, err
}

func (e *Engine) execCallLLM(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	port, err := e.caps.LLMProvider(node.LLM.Provider)
	if err != nil {
		return nil, err
	}
	opts := *node.LLM
	return e.runBlocking(ctx, "call_llm:"+opts.Provider, func(ctx context.Context) (interface{}, error) {
		return port.Complete(ctx, opts)
	})
}

func (e *Engine) execCoordinateAgents(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	port, err := e.caps.agentPort()
	if err != nil {
		return nil, err
	}
	agents := append([]AgentSpec(nil), node.Agents...)
	opts := *node.Coordinate
	return e.runBlocking(ctx, "coordinate_agents", func(ctx context.Context) (interface{}, error) {
		return port.Coordinate(ctx, agents, opts)
	})
}

func (e *Engine) execRAGPipeline(ctx context.Context, env execEnv, node *Effect) (interface{}, error) {
	port, err := e.caps.ragPort()
	if err != nil {
		return nil, err
	}
	opts := *node.RAG
	return e.runBlocking(ctx, "rag_pipeline", func(ctx context.Context) (interface{}, error) {
		return port.Run(ctx, opts)
	})
}

// runBlocking dispatches external I/O onto the bounded worker pool so
// concurrent outbound work stays capped per process.
func (e *Engine) runBlocking(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)

	task := concurrency.NewNamedTask(name, func(context.Context) error {
		result, err := fn(ctx)
		ch <- outcome{result: result, err: err}
		return nil
	})
	if err := e.pool.Submit(ctx, task); err != nil {
		if ctx.Err() != nil {
			return nil, ctxReason(ctx)
		}
		return nil, core.Wrap(core.ReasonRaised, "failed to dispatch blocking work", err)
	}

	select {
	case o := <-ch:
		return o.result, asRuntime(o.err)
	case <-ctx.Done():
		return nil, ctxReason(ctx)
	}
}

// asRuntime keeps RuntimeErrors intact and tags everything else raised.
func asRuntime(err error) error {
	if err == nil {
		return nil
	}
	var re *core.RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return core.Wrap(core.ReasonRaised, "capability failed", err)
}

// ctxReason maps a done context to the closed reason set.
func ctxReason(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return core.Wrap(core.ReasonTimeout, "effect timed out", ctx.Err())
	}
	return core.Wrap(core.ReasonCancelled, "effect cancelled", ctx.Err())
}

func (e *Engine) emit(phase telemetry.EffectPhase, env execEnv, node *Effect, duration time.Duration) {
	if e.tel == nil {
		return
	}
	e.tel.EmitEffect(phase, env.executionID, string(node.Kind), env.ref.InstanceID, env.ref.TenantID, duration)
}

func (e *Engine) count(kind Kind, phase telemetry.EffectPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.counters[string(kind)]
	if !ok {
		c = &KindCounters{}
		e.counters[string(kind)] = c
	}
	switch phase {
	case telemetry.EffectCompleted:
		c.Completed++
	case telemetry.EffectFailed:
		c.Failed++
	case telemetry.EffectCancelled:
		c.Cancelled++
	}
}

func (e *Engine) loadMetrics() {
	if e.blobs == nil {
		return
	}
	var snap metricsSnapshot
	if err := e.blobs.ReadJSON(e.blobs.SystemPath(metricsFile), &snap); err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for kind, c := range snap.Kinds {
		counters := c
		e.counters[kind] = &counters
	}
}

func (e *Engine) persistMetrics() {
	if e.blobs == nil {
		return
	}
	snap := metricsSnapshot{
		UpdatedAt: time.Now().UTC(),
		Kinds:     e.GetMetrics(),
	}
	if err := e.blobs.WriteJSON(e.blobs.SystemPath(metricsFile), snap); err != nil {
		e.logger.Warnf("failed to persist effect metrics: %v", err)
	}
}
