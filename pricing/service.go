package pricing

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/metrics"
	"github.com/aschepis/backscratcher/chatcore/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai"
	// DefaultTTL is how long a fetched price is reused.
	DefaultTTL = 24 * time.Hour

	providerOpenRouter = "openrouter"
	freeSuffix         = ":free"
	tieTolerance       = 0.01
)

// Lookup result labels for metrics.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultFree  = "free"
	resultError = "error"
	resultSkip  = "unsupported"
)

// Options configures a Service.
type Options struct {
	BaseURL string
	TTL     time.Duration
	Cache   Cache
	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

// Service resolves model prices. Only OpenRouter models are priced.
type Service struct {
	client  *transport.Client
	baseURL string
	ttl     time.Duration
	cache   Cache
	logger  zerolog.Logger
	metrics *metrics.Recorder
	group   singleflight.Group
	now     func() time.Time
}

// NewService creates a pricing service fetching through client.
func NewService(client *transport.Client, opts Options) *Service {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	return &Service{
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		ttl:     opts.TTL,
		cache:   opts.Cache,
		logger:  opts.Logger.With().Str("component", "pricing").Logger(),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Lookup returns the price of modelID on providerID, or nil when the
// provider is not priced or the model is free.
func (s *Service) Lookup(ctx context.Context, providerID, modelID, apiKey string) (*ModelPricing, error) {
	if !strings.EqualFold(providerID, providerOpenRouter) {
		s.metrics.IncPricing(resultSkip)
		return nil, nil
	}
	if strings.Contains(modelID, freeSuffix) {
		s.metrics.IncPricing(resultFree)
		return nil, nil
	}

	if e, ok, err := s.cache.Get(ctx, modelID); err != nil {
		s.logger.Warn().Err(err).Str("model", modelID).Msg("Pricing cache read failed")
	} else if ok && e.Fresh(s.ttl, s.now()) {
		s.metrics.IncPricing(resultHit)
		return e.Pricing, nil
	}

	v, err, _ := s.group.Do(modelID, func() (any, error) {
		p, err := s.fetch(ctx, modelID, apiKey)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, modelID, Entry{Pricing: p, FetchedAt: s.now()}); err != nil {
			s.logger.Warn().Err(err).Str("model", modelID).Msg("Pricing cache write failed")
		}
		return p, nil
	})
	if err != nil {
		s.metrics.IncPricing(resultError)
		return nil, err
	}
	s.metrics.IncPricing(resultMiss)
	return v.(*ModelPricing), nil
}

// Cost looks up the price and computes the request cost. It returns nil
// when the model has no price.
func (s *Service) Cost(ctx context.Context, providerID, modelID, apiKey string, u *llm.UsageSummary) (*RequestCost, error) {
	p, err := s.Lookup(ctx, providerID, modelID, apiKey)
	if err != nil || p == nil {
		return nil, err
	}
	return Calculate(p, u)
}

func (s *Service) fetch(ctx context.Context, modelID, apiKey string) (*ModelPricing, error) {
	url := fmt.Sprintf("%s/api/v1/models/%s/endpoints", s.baseURL, modelID)
	resp, err := s.client.Send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricing for %s: %w", modelID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewTransportError("failed to read pricing response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, llm.NewHTTPStatusError(resp.StatusCode,
			fmt.Sprintf("pricing lookup for %s failed: %s", modelID, transport.TruncateBody(body)))
	}

	p, err := CheapestEndpoint(body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("model", modelID).Bool("priced", p != nil).Msg("Fetched model pricing")
	return p, nil
}

// CheapestEndpoint picks the endpoint with the lowest prompt+completion
// price from an OpenRouter endpoints response. Endpoints within 1% of each
// other keep their listed order. It returns nil when no endpoint is priced.
func CheapestEndpoint(body []byte) (*ModelPricing, error) {
	if !gjson.ValidBytes(body) {
		return nil, llm.NewDecodeError("invalid pricing response", nil)
	}
	var (
		best    *ModelPricing
		bestSum = math.Inf(1)
	)
	gjson.GetBytes(body, "data.endpoints").ForEach(func(_, ep gjson.Result) bool {
		pr := ep.Get("pricing")
		if !pr.IsObject() {
			return true
		}
		p := ModelPricing{
			Prompt:            pr.Get("prompt").String(),
			Completion:        pr.Get("completion").String(),
			Request:           pr.Get("request").String(),
			Image:             pr.Get("image").String(),
			WebSearch:         pr.Get("web_search").String(),
			InternalReasoning: pr.Get("internal_reasoning").String(),
		}
		sum, err := p.Sum()
		if err != nil {
			return true
		}
		if best == nil || sum < bestSum*(1-tieTolerance) {
			best, bestSum = &p, sum
		}
		return true
	})
	return best, nil
}
