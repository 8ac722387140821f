package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
)

// Router implements service.LLMClient by routing to the first available
// provider, with per-provider circuit breakers and failover.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	breakers  map[string]*CircuitBreaker
	stats     map[string]*providerStats
	logger    *zap.Logger
}

// providerStats tracks per-provider performance metrics.
type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		breakers: make(map[string]*CircuitBreaker),
		stats:    make(map[string]*providerStats),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// Compile-time interface check
var _ service.LLMClient = (*Router)(nil)

// AddProvider adds a provider; providers are tried in insertion order.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.stats[p.Name()] = &providerStats{}
	r.logger.Info("LLM provider added", zap.String("name", p.Name()))
}

// SendMessage 路由到首个可用 provider
func (r *Router) SendMessage(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error) {
	return r.SendMessageWithSystem(ctx, messages, tools, "")
}

// SendMessageWithSystem 失败时按序故障转移; 熔断打开的 provider 直接跳过。
func (r *Router) SendMessageWithSystem(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition, system string) (*entity.LLMResponse, error) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	var lastErr error
	for _, p := range providers {
		if !p.IsAvailable(ctx) {
			continue
		}

		breaker := r.breaker(p.Name())
		var resp *entity.LLMResponse
		start := time.Now()
		err := breaker.Call(func() error {
			var callErr error
			resp, callErr = p.SendMessageWithSystem(ctx, messages, tools, system)
			return callErr
		})
		r.record(p.Name(), time.Since(start), err)

		if err == nil {
			return resp, nil
		}
		lastErr = err
		if err == ErrCircuitOpen {
			continue
		}
		r.logger.Warn("Provider call failed, trying next",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no available LLM provider")
	}
	return nil, lastErr
}

func (r *Router) breaker(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.TotalCalls++
	s.LastLatency = latency
	if err != nil {
		s.FailureCount++
	}
}

// Stats 返回 provider 名 → (调用数, 失败数)
func (r *Router) Stats() map[string][2]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][2]int64, len(r.stats))
	for name, s := range r.stats {
		out[name] = [2]int64{s.TotalCalls, s.FailureCount}
	}
	return out
}
