// Package provider invokes the external face-swap compute service.
//
// The Adapter owns the retry policy for the provider's known instability
// modes; a Transport speaks one wire dialect and performs a single attempt.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is a swapped-face image returned by the provider.
type Result struct {
	Data      []byte
	MediaType string
}

// Transport performs one provider call. Implementations return *Error for
// every failure they can classify.
type Transport interface {
	Name() string
	Send(ctx context.Context, client *http.Client, source, target []byte) (*Result, error)
}

// Options tunes the retry policy.
type Options struct {
	// MaxAttempts bounds the number of calls for retryable failures.
	MaxAttempts int
	// RetryDelay precedes the first retry and gives a cold provider time to boot.
	RetryDelay time.Duration
	// RetryBackoff multiplies the delay after each retry; 1 keeps it fixed.
	RetryBackoff float64
	// MaxRetryDelay caps the delay; zero means uncapped.
	MaxRetryDelay time.Duration
	// Deadline spans all attempts and delays of one invocation.
	Deadline time.Duration
}

// DefaultOptions mirrors the provider's observed behaviour: three attempts,
// ten seconds apart, five minutes overall.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		RetryDelay:    10 * time.Second,
		RetryBackoff:  1,
		MaxRetryDelay: time.Minute,
		Deadline:      300 * time.Second,
	}
}

// Config selects and configures a transport strategy.
type Config struct {
	BaseURL     string
	Strategy    string
	Encoding    string
	Endpoint    string
	SourceField string
	TargetField string
	Options     Options
}

// New builds an Adapter for the strategy named in cfg.
func New(cfg Config, logger *zap.Logger) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("provider base url is required")
	}

	var transport Transport
	switch strings.ToLower(cfg.Strategy) {
	case "", StrategyMultipart:
		transport = NewMultipartTransport(joinURL(base, cfg.Endpoint, defaultMultipartEndpoint), cfg.SourceField, cfg.TargetField)
	case StrategyJSON:
		enc, err := ParseEncoding(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		transport = NewJSONTransport(joinURL(base, cfg.Endpoint, defaultJSONEndpoint), enc)
	default:
		return nil, fmt.Errorf("unknown provider strategy %q", cfg.Strategy)
	}
	return NewAdapter(transport, cfg.Options, logger), nil
}

func joinURL(base, endpoint, fallback string) string {
	if endpoint == "" {
		endpoint = fallback
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

// Adapter calls the provider through one Transport and retries cold starts
// and timeouts. It holds no state between invocations.
type Adapter struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	newClient func() *http.Client
	wait      func(ctx context.Context, d time.Duration) error
}

// NewAdapter wraps transport with the retry policy in opts. Zero values in
// opts fall back to DefaultOptions.
func NewAdapter(transport Transport, opts Options, logger *zap.Logger) *Adapter {
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff < 1 {
		opts.RetryBackoff = 1
	}
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		transport: transport,
		opts:      opts,
		logger:    logger.Named("provider").With(zap.String("transport", transport.Name())),
		newClient: newSessionClient,
		wait:      sleepContext,
	}
}

// Invoke sends both images to the provider and returns the swapped result.
// Only ProviderUnavailable and ProviderTimeout are retried; when attempts run
// out the last classified error is returned.
func (a *Adapter) Invoke(ctx context.Context, source, target []byte) (*Result, error) {
	if len(source) == 0 || len(target) == 0 {
		return nil, &Error{Kind: KindRejected, Err: errors.New("source and target payloads must be non-empty")}
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Deadline)
	defer cancel()

	client := a.newClient()
	defer client.CloseIdleConnections()

	delay := a.opts.RetryDelay
	var last *Error
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			a.logger.Warn("provider call failed, retrying",
				zap.Int("attempt", attempt-1),
				zap.String("kind", string(last.Kind)),
				zap.Duration("delay", delay),
				zap.Error(last.Err),
			)
			if err := a.wait(ctx, delay); err != nil {
				last = contextError(err)
				last.Attempts = attempt - 1
				a.logger.Error("provider deadline elapsed while waiting to retry", zap.Error(last))
				return nil, last
			}
			delay = a.nextDelay(delay)
		}

		started := time.Now()
		res, err := a.transport.Send(ctx, client, source, target)
		if err == nil {
			if len(res.Data) == 0 {
				return nil, &Error{Kind: KindProtocol, Attempts: attempt, Err: errors.New("empty result payload")}
			}
			if attempt > 1 {
				a.logger.Info("provider call succeeded after retry", zap.Int("attempt", attempt))
			}
			a.logger.Debug("provider call succeeded",
				zap.Int("attempt", attempt),
				zap.Int("result_bytes", len(res.Data)),
				zap.Duration("latency", time.Since(started)),
			)
			return res, nil
		}

		last = asError(err)
		last.Attempts = attempt
		if !last.Kind.Retryable() {
			a.logger.Error("provider call failed", zap.Int("attempt", attempt), zap.Error(last))
			return nil, last
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			last = contextError(ctxErr)
			last.Attempts = attempt
			a.logger.Error("provider deadline elapsed during attempt", zap.Error(last))
			return nil, last
		}
	}

	a.logger.Error("provider attempts exhausted", zap.Int("attempts", a.opts.MaxAttempts), zap.Error(last))
	return nil, last
}

func (a *Adapter) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * a.opts.RetryBackoff)
	if a.opts.MaxRetryDelay > 0 && next > a.opts.MaxRetryDelay {
		return a.opts.MaxRetryDelay
	}
	return next
}

func asError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		cp := *perr
		return &cp
	}
	return classifyTransport(err)
}

// contextError reports an abandoned invocation. Only the deadline can end
// one early; a cancelled parent is reported as unavailable.
func contextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, 0, fmt.Errorf("provider deadline exceeded: %w", err))
	}
	return newError(KindUnavailable, 0, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// newSessionClient returns a client with a private transport, so each
// invocation opens and tears down its own connections.
func newSessionClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          2,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
