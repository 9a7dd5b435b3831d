// Package normalizer turns raw provider envelopes into the unified usage
// representation: tokens, request counts, USD cost and canonical model
// identity, regardless of how each provider reports usage.
package normalizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/tollway/internal/catalog"
	"github.com/smallbiznis/tollway/internal/exchange"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Result is the output of normalizing one or more raw envelopes.
type Result struct {
	Events  []usagedomain.UsageEvent
	Metrics []usagedomain.ProviderMetrics
}

type providerNormalizer interface {
	normalize(env *providerdomain.RawEnvelope, b *builder) ([]usagedomain.UsageEvent, []usagedomain.ProviderMetrics, error)
}

type Param struct {
	fx.In

	Catalogs *catalog.Holder
	Rates    exchange.Rates
	Log      *zap.Logger
}

// Service dispatches envelopes to per-provider normalizers and merges
// their output into one chronologically ordered stream.
type Service struct {
	normalizers map[providerdomain.Provider]providerNormalizer
	catalogs    *catalog.Holder
	rates       exchange.Rates
	log         *zap.Logger
}

func New(p Param) *Service {
	return &Service{
		normalizers: map[providerdomain.Provider]providerNormalizer{
			providerdomain.ProviderOpenAI:    openaiNormalizer{},
			providerdomain.ProviderAnthropic: anthropicNormalizer{},
			providerdomain.ProviderGoogle:    googleNormalizer{},
			providerdomain.ProviderXAI:       xaiNormalizer{},
		},
		catalogs: p.Catalogs,
		rates:    p.Rates,
		log:      p.Log.Named("normalizer"),
	}
}

var Module = fx.Module("normalizer",
	fx.Provide(New),
)

// Normalize converts one envelope. Malformed individual records are
// skipped and logged; the rest of the batch still goes through.
func (s *Service) Normalize(ctx context.Context, env *providerdomain.RawEnvelope) (*Result, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	n, ok := s.normalizers[env.Provider]
	if !ok {
		return nil, providerdomain.ErrUnknownProvider
	}

	b := &builder{
		catalog: s.catalogs.Current(),
		rates:   s.rates,
		log:     s.log.With(zap.String("provider", string(env.Provider)), zap.String("org_id", env.OrgID)),
	}

	events, metrics, err := n.normalize(env, b)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", env.Provider, err)
	}

	// Specific metrics ride alongside the unified events with a weak
	// reference; a missing counterpart leaves the link empty rather
	// than dropping the metric.
	for i := range metrics {
		if i < len(events) {
			metrics[i].EventID = events[i].EventID
		}
		metrics[i].MetricKey = deterministicMetricKey(env.Provider, env.OrgID, metrics[i].EventID, metrics[i].Payload)
	}

	return &Result{Events: events, Metrics: metrics}, nil
}

// NormalizeAll converts several envelopes, possibly from different
// providers, into one stream sorted by event timestamp.
func (s *Service) NormalizeAll(ctx context.Context, envs []*providerdomain.RawEnvelope) (*Result, error) {
	merged := &Result{}
	for _, env := range envs {
		res, err := s.Normalize(ctx, env)
		if err != nil {
			return nil, err
		}
		merged.Events = append(merged.Events, res.Events...)
		merged.Metrics = append(merged.Metrics, res.Metrics...)
	}

	sort.SliceStable(merged.Events, func(i, j int) bool {
		return merged.Events[i].Timestamp.Before(merged.Events[j].Timestamp)
	})
	return merged, nil
}

// builder carries the per-batch lookup state shared by all provider
// normalizers.
type builder struct {
	catalog *catalog.Catalog
	rates   exchange.Rates
	log     *zap.Logger
}

// record is the provider-agnostic intermediate a normalizer extracts
// from one raw usage item.
type record struct {
	model        string
	inputTokens  int64
	outputTokens int64
	totalTokens  int64

	successfulRequests int64
	failedRequests     int64

	cost     float64
	currency string

	userID    string
	estimated bool

	// metadata carries how the numbers were derived when a normalizer
	// applied a unit-conversion heuristic.
	metadata datatypes.JSONMap
}

func (b *builder) event(provider providerdomain.Provider, orgID string, ts time.Time, rec record) (usagedomain.UsageEvent, error) {
	info := b.catalog.ResolveModel(provider, rec.model)

	total := rec.totalTokens
	if total == 0 {
		total = rec.inputTokens + rec.outputTokens
	}
	if total != rec.inputTokens+rec.outputTokens {
		// Providers occasionally report a drifting total; the invariant
		// wins over the reported number.
		total = rec.inputTokens + rec.outputTokens
	}

	cost, err := b.costUSD(provider, rec, info)
	if err != nil {
		return usagedomain.UsageEvent{}, err
	}

	if rec.successfulRequests == 0 && rec.failedRequests == 0 {
		rec.successfulRequests = 1
	}

	var userID *string
	if rec.userID != "" {
		userID = &rec.userID
	}

	ev := usagedomain.UsageEvent{
		EventID:  deterministicEventID(provider, orgID, ts, info.Name, rec.userID),
		Provider: provider,
		OrgID:    orgID,
		UserID:   userID,

		Timestamp: ts,

		InputTokens:  rec.inputTokens,
		OutputTokens: rec.outputTokens,
		TotalTokens:  total,

		SuccessfulRequests: rec.successfulRequests,
		FailedRequests:     rec.failedRequests,
		TotalRequests:      rec.successfulRequests + rec.failedRequests,

		CostAmount:   cost,
		CostCurrency: "USD",

		AggregationLevel: usagedomain.AggregationRaw,
		PeriodStart:      ts,
		PeriodEnd:        ts,

		ModelName:     info.Name,
		ModelFamily:   info.Family,
		ModelVersion:  info.Version,
		ModelCategory: string(info.Category),

		Estimated: rec.estimated,
		Metadata:  rec.metadata,
	}
	return ev, ev.Validate()
}

// costUSD prefers the provider-reported cost, converting to USD when
// reported in another currency. Without a reported cost it prices the
// tokens from the catalog; an unpriced model costs zero and is logged.
func (b *builder) costUSD(provider providerdomain.Provider, rec record, info catalog.ModelInfo) (float64, error) {
	if rec.cost > 0 {
		currency := strings.ToUpper(strings.TrimSpace(rec.currency))
		if currency == "" || currency == "USD" {
			return rec.cost, nil
		}
		converted, err := b.rates.ToUSD(rec.cost, currency)
		if err != nil {
			return 0, fmt.Errorf("convert %s cost: %w", currency, err)
		}
		return converted, nil
	}

	inPer1K, outPer1K, ok := b.catalog.Price(provider, info.Name)
	if !ok {
		b.log.Warn("no pricing for model, recording zero cost", zap.String("model", info.Name))
		return 0, nil
	}
	return float64(rec.inputTokens)/1000*inPer1K + float64(rec.outputTokens)/1000*outPer1K, nil
}

// skip drops one malformed record, keeping the rest of the batch alive.
func (b *builder) skip(provider providerdomain.Provider, reason string, err error) {
	b.log.Warn("skipping malformed usage record", zap.String("reason", reason), zap.Error(err))
	obsmetrics.Pipeline().IncRecordsDropped(string(provider))
}
