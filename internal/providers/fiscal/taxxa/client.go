package taxxa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	"github.com/smallbiznis/hotelier/internal/observability/logger"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	"github.com/smallbiznis/hotelier/internal/observability/tracing"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ProviderName = "taxxa"

	apiPath             = "/api.djson"
	defaultTokenTTL     = 50 * time.Minute
	tokenRefreshMargin  = time.Minute
	correlationIDHeader = "X-Correlation-ID"
)

var errTokenRejected = errors.New("token_rejected")

type Config struct {
	BaseURL     string
	Email       string
	Password    string
	Environment string
	Timeout     time.Duration
}

func ConfigFrom(cfg config.TaxxaConfig) Config {
	return Config{
		BaseURL:     cfg.BaseURL,
		Email:       cfg.Email,
		Password:    cfg.Password,
		Environment: cfg.Environment,
		Timeout:     cfg.Timeout,
	}
}

func (c Config) configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Email) != ""
}

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Classifier fiscaldomain.Classifier
	Breaker    fiscaldomain.CircuitGuard
	Clock      clock.Clock
	Metrics    *metrics.FiscalMetrics `optional:"true"`
}

// Client submits documents to the Taxxa gateway.
type Client struct {
	cfg        Config
	http       *resty.Client
	log        *zap.Logger
	classifier fiscaldomain.Classifier
	breaker    fiscaldomain.CircuitGuard
	clock      clock.Clock
	metrics    *metrics.FiscalMetrics
	tracer     trace.Tracer

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func New(p Params) fiscaldomain.Provider {
	return NewClient(ConfigFrom(p.Cfg.Taxxa), p.Log, p.Classifier, p.Breaker, p.Clock, p.Metrics)
}

func NewClient(cfg Config, log *zap.Logger, classifier fiscaldomain.Classifier, breaker fiscaldomain.CircuitGuard, clk clock.Clock, m *metrics.FiscalMetrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		cfg:        cfg,
		http:       httpClient,
		log:        log.Named("fiscal.taxxa"),
		classifier: classifier,
		breaker:    breaker,
		clock:      clk,
		metrics:    m,
		tracer:     otel.Tracer("hotelier/fiscal/taxxa"),
	}
}

func (c *Client) Name() string { return ProviderName }

// Submit sends one document and classifies the answer. It never returns a Go
// error; every failure becomes a rejection outcome.
func (c *Client) Submit(ctx context.Context, doc fiscaldomain.Document) fiscaldomain.Outcome {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "taxxa.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.SafeAttributes(
			attribute.String("invoice.id", doc.InvoiceID),
			attribute.String("invoice.number", doc.FullNumber()),
			attribute.String("fiscal.kind", string(doc.Kind)),
			attribute.String("fiscal.correlation_id", doc.CorrelationID),
			attribute.String("buyer.tax_id", doc.Buyer.TaxID),
		)...),
	)
	defer span.End()

	var outcome fiscaldomain.Outcome
	err := c.guard(func() error {
		var infraErr error
		outcome, infraErr = c.submit(ctx, doc)
		return infraErr
	})
	if errors.Is(err, fiscaldomain.ErrCircuitOpen) {
		outcome = fiscaldomain.Retryable(fiscaldomain.CodeCircuitOpen, "provider circuit is open", nil)
	}
	outcome.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("fiscal.outcome", string(outcome.Kind)),
		attribute.String("fiscal.code", outcome.Code),
	)
	if outcome.IsAccepted() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, outcome.Code)
	}
	c.metrics.ObserveProviderRequest(ProviderName, string(outcome.Kind), outcome.Duration)

	log := logger.WithContext(ctx, c.log).With(
		zap.String("invoice_id", doc.InvoiceID),
		zap.String("number", doc.FullNumber()),
		zap.String("correlation_id", doc.CorrelationID),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int64("duration_ms", outcome.Duration.Milliseconds()),
	)
	if outcome.IsAccepted() {
		log.Info("taxxa accepted document", zap.String("cufe", outcome.Acceptance.CUFE))
	} else {
		log.Warn("taxxa rejected document", zap.String("code", outcome.Code), zap.String("message", outcome.Message))
	}
	return outcome
}

func (c *Client) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(fn)
}

// submit returns an infrastructure error alongside the outcome when the
// failure says something about provider health.
func (c *Client) submit(ctx context.Context, doc fiscaldomain.Document) (fiscaldomain.Outcome, error) {
	if !c.cfg.configured() {
		return fiscaldomain.Retryable(fiscaldomain.CodeUnconfigured, "taxxa credentials are not configured", nil), nil
	}

	params := buildDocument(doc, c.cfg.Environment)
	for attempt := 0; attempt < 2; attempt++ {
		token, outcome, err := c.sessionToken(ctx, attempt > 0)
		if token == "" {
			return outcome, err
		}

		res, err := c.call(ctx, token, methodDocumentAdd, params, doc.CorrelationID)
		if err != nil {
			return transportOutcome(err), err
		}
		if res.tokenRejected() {
			c.invalidateToken()
			continue
		}
		return c.documentOutcome(res)
	}
	return fiscaldomain.Retryable(fiscaldomain.CodeTokenRejected, "session token rejected after refresh", nil), nil
}

func (c *Client) documentOutcome(res callResult) (fiscaldomain.Outcome, error) {
	switch {
	case res.status >= http.StatusInternalServerError:
		code := fmt.Sprintf("http_%d", res.status)
		return fiscaldomain.Retryable(code, http.StatusText(res.status), res.body), fmt.Errorf("taxxa: %s", code)
	case res.decodeErr == nil && res.payload.RError != 0:
		// The gateway may send its error envelope with a 4xx status; the
		// code decides whether resubmitting the number can ever succeed.
		if c.classifier == nil {
			return fiscaldomain.Retryable(fmt.Sprintf("%d", res.payload.RError), res.payload.SMessage, res.body), nil
		}
		return c.classifier.Classify(res.payload.RError, res.payload.SMessage, res.body), nil
	case res.status >= http.StatusBadRequest:
		return fiscaldomain.Retryable(fmt.Sprintf("http_%d", res.status), http.StatusText(res.status), res.body), nil
	case res.decodeErr != nil:
		return fiscaldomain.Retryable(fiscaldomain.CodeMalformedResponse, res.decodeErr.Error(), res.body), nil
	}

	var ret documentRet
	if len(res.payload.JRet) == 0 || json.Unmarshal(res.payload.JRet, &ret) != nil || strings.TrimSpace(ret.SCufe) == "" {
		return fiscaldomain.Retryable(fiscaldomain.CodeMalformedAcceptance, "acceptance without cufe", res.body), nil
	}
	return fiscaldomain.Accepted(fiscaldomain.Acceptance{
		InvoiceNumber: ret.SInvoiceNumber,
		CUFE:          ret.SCufe,
		QRCode:        ret.SQR,
		TransactionID: ret.STransactionID,
	}, res.body), nil
}

// sessionToken returns a cached token or generates a new one. When no token
// can be obtained it returns the outcome to report instead.
func (c *Client) sessionToken(ctx context.Context, force bool) (string, fiscaldomain.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !force && c.token != "" && now.Before(c.expiresAt) {
		return c.token, fiscaldomain.Outcome{}, nil
	}

	res, err := c.call(ctx, "", methodTokenGenerate, tokenParams{SEmail: c.cfg.Email, SPass: c.cfg.Password}, "")
	if err != nil {
		return "", transportOutcome(err), err
	}
	if res.status >= http.StatusInternalServerError {
		code := fmt.Sprintf("http_%d", res.status)
		return "", fiscaldomain.Retryable(code, "token generation failed", res.body), fmt.Errorf("taxxa: %s", code)
	}

	var ret tokenRet
	if res.decodeErr != nil || res.status >= http.StatusBadRequest || res.payload.RError != 0 ||
		json.Unmarshal(res.payload.JRet, &ret) != nil || strings.TrimSpace(ret.SToken) == "" {
		c.log.Warn("taxxa token generation rejected",
			zap.Int("status", res.status),
			zap.Int("rerror", res.payload.RError),
			zap.String("message", res.payload.SMessage),
		)
		return "", fiscaldomain.Retryable(fiscaldomain.CodeTokenRejected, "token generation rejected", nil), nil
	}

	ttl := defaultTokenTTL
	if ret.NExpiresIn > 0 {
		ttl = time.Duration(ret.NExpiresIn) * time.Second
	}
	if ttl > tokenRefreshMargin {
		ttl -= tokenRefreshMargin
	}
	c.token = ret.SToken
	c.expiresAt = now.Add(ttl)
	return c.token, fiscaldomain.Outcome{}, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

type callResult struct {
	status    int
	body      []byte
	payload   apiResponse
	decodeErr error
}

func (r callResult) tokenRejected() bool {
	if r.status == http.StatusUnauthorized {
		return true
	}
	return r.decodeErr == nil && (r.payload.RError == codeTokenInvalid || r.payload.RError == codeTokenExpired)
}

// call posts one API envelope. Only transport failures are returned as errors.
func (c *Client) call(ctx context.Context, token, method string, params any, correlationID string) (callResult, error) {
	req := c.http.R().
		SetContext(ctx).
		SetBody(envelope{SToken: token, JAPI: apiCall{SMethod: method, JParams: params}})
	if correlationID != "" {
		req.SetHeader(correlationIDHeader, correlationID)
	}
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := req.Post(apiPath)
	if err != nil {
		return callResult{}, err
	}

	res := callResult{status: resp.StatusCode(), body: resp.Body()}
	if res.status < http.StatusInternalServerError {
		if err := json.Unmarshal(res.body, &res.payload); err != nil {
			res.decodeErr = fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return res, nil
}

func transportOutcome(err error) fiscaldomain.Outcome {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fiscaldomain.Retryable(fiscaldomain.CodeTimeout, tracing.SafeError(err).Error(), []byte(err.Error()))
	}
	return fiscaldomain.Retryable(fiscaldomain.CodeTransport, tracing.SafeError(err).Error(), []byte(err.Error()))
}
