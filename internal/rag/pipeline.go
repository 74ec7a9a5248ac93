package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"TrustMed/internal/backend"
	"TrustMed/internal/cache"
	"TrustMed/internal/config"
	"TrustMed/internal/knowledge"
	"TrustMed/internal/telemetry"
	"TrustMed/internal/vector"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEmptyQuery is returned for empty or whitespace-only questions.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrRetrievalUnavailable is returned when every retrieval source failed.
	ErrRetrievalUnavailable = errors.New("no retrieval source available")

	errSemanticDisabled = errors.New("semantic retrieval disabled")
)

// KnowledgeStore is the read side of the knowledge base used for retrieval.
type KnowledgeStore interface {
	Search(ctx context.Context, terms []string, limit int) ([]*knowledge.Record, error)
	ByCondition(ctx context.Context, name string, limit int) ([]*knowledge.Record, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]*knowledge.Record, error)
	MedicalFacts(ctx context.Context, condition string) (knowledge.Facts, error)
	Conditions(ctx context.Context) ([]string, error)
}

// Deps are the collaborators of a Pipeline. Index, Embedder and Cache are
// optional; the policies default to WeightedFusion, SourceBlender and
// SourceConfidence built from the retrieval config. A nil Logger discards,
// and a nil Tracer or Meter falls back to no-op telemetry.
type Deps struct {
	Store     KnowledgeStore
	Index     vector.Index
	Embedder  embeddings.Embedder
	Generator backend.Generator
	Cache     cache.Cache

	Fusion     Fusion
	Blender    Blender
	Confidence ConfidenceScorer

	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger
}

// Pipeline answers questions from the knowledge base with a language model.
type Pipeline struct {
	store      KnowledgeStore
	index      vector.Index
	embedder   embeddings.Embedder
	generator  backend.Generator
	cache      cache.Cache
	fusion     Fusion
	blender    Blender
	confidence ConfidenceScorer
	processor  *QueryProcessor
	semantic   *gobreaker.CircuitBreaker
	cfg        config.RetrievalConfig

	tracer   trace.Tracer
	logger   *slog.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New creates a pipeline.
func New(deps Deps, cfg config.RetrievalConfig) (*Pipeline, error) {
	if deps.Store == nil || deps.Generator == nil {
		return nil, fmt.Errorf("knowledge store and generator are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Tracer == nil || deps.Meter == nil {
		tracer, meter := telemetry.Noop()
		if deps.Tracer == nil {
			deps.Tracer = tracer
		}
		if deps.Meter == nil {
			deps.Meter = meter
		}
	}
	p := &Pipeline{
		store:      deps.Store,
		index:      deps.Index,
		embedder:   deps.Embedder,
		generator:  deps.Generator,
		cache:      deps.Cache,
		fusion:     deps.Fusion,
		blender:    deps.Blender,
		confidence: deps.Confidence,
		processor:  NewQueryProcessor(),
		cfg:        cfg,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With("component", "rag"),
	}
	if p.cache == nil {
		p.cache = cache.Nop{}
	}
	if p.fusion == nil {
		p.fusion = WeightedFusion{Semantic: cfg.SemanticWeight, Lexical: cfg.LexicalWeight}
	}
	if p.blender == nil {
		p.blender = SourceBlender{
			CommunityWeight: cfg.CommunityWeight,
			MaxEvidence:     cfg.MaxEvidence,
			MaxCommunity:    cfg.MaxCommunity,
			MinRelevance:    cfg.MinRelevance,
		}
	}
	if p.confidence == nil {
		p.confidence = SourceConfidence{}
	}

	p.semantic = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "semantic_retrieval",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	var err error
	p.requests, err = deps.Meter.Int64Counter("rag.requests",
		metric.WithDescription("Answer requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	p.latency, err = deps.Meter.Float64Histogram("rag.answer.duration",
		metric.WithDescription("Answer latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return p, nil
}

// RefreshConditions teaches the query processor the conditions in the store.
func (p *Pipeline) RefreshConditions(ctx context.Context) error {
	conditions, err := p.store.Conditions(ctx)
	if err != nil {
		return err
	}
	p.processor.SetConditions(conditions)
	return nil
}

// Process runs query analysis only.
func (p *Pipeline) Process(text string) Query {
	return p.processor.Process(text)
}

// Search processes text and returns up to k blended results.
func (p *Pipeline) Search(ctx context.Context, text string, k int) (Query, []RetrievalResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, nil, ErrEmptyQuery
	}
	q := p.processor.Process(text)
	results, err := p.Retrieve(ctx, q)
	if err != nil {
		return q, nil, err
	}
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return q, results, nil
}

type candidate struct {
	record   *knowledge.Record
	lexical  float64
	semantic float64
	lexHit   bool
	semHit   bool
}

// Retrieve runs lexical and semantic retrieval concurrently, fuses the scores
// and blends evidence with community sources. One failing source degrades to
// the other; ErrRetrievalUnavailable means both failed.
func (p *Pipeline) Retrieve(ctx context.Context, q Query) ([]RetrievalResult, error) {
	ctx, span := p.tracer.Start(ctx, "rag_retrieve")
	defer span.End()

	var (
		wg      sync.WaitGroup
		lexical []*knowledge.Record
		matches []vector.Match
		lexErr  error
		semErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lexical, lexErr = p.lexicalSearch(ctx, q)
	}()
	go func() {
		defer wg.Done()
		matches, semErr = p.semanticSearch(ctx, q)
	}()
	wg.Wait()

	candidates := map[int64]*candidate{}
	var order []int64
	add := func(r *knowledge.Record) *candidate {
		c, ok := candidates[r.ID]
		if !ok {
			c = &candidate{record: r}
			candidates[r.ID] = c
			order = append(order, r.ID)
		}
		return c
	}

	if lexErr != nil {
		p.logger.Warn("lexical retrieval failed", "error", lexErr)
	}
	for _, r := range lexical {
		c := add(r)
		c.lexical = LexicalScore(q, r)
		c.lexHit = true
	}

	if semErr == nil && len(matches) > 0 {
		semErr = p.attachSemantic(ctx, matches, candidates, add)
	}
	if semErr != nil && !errors.Is(semErr, errSemanticDisabled) {
		p.logger.Warn("semantic retrieval failed", "error", semErr)
	}

	avail := Availability{Lexical: lexErr == nil, Semantic: semErr == nil}
	span.SetAttributes(
		attribute.Bool("rag.lexical_available", avail.Lexical),
		attribute.Bool("rag.semantic_available", avail.Semantic),
	)
	if !avail.Lexical && !avail.Semantic {
		err := fmt.Errorf("%w: %w", ErrRetrievalUnavailable, errors.Join(lexErr, semErr))
		span.RecordError(err)
		return nil, err
	}

	results := make([]RetrievalResult, 0, len(order))
	for _, id := range order {
		c := candidates[id]
		res := newResult(c.record)
		res.Relevance = p.fusion.Fuse(c.lexical, c.semantic, avail)
		switch {
		case c.lexHit && c.semHit:
			res.Match = MatchHybrid
		case c.semHit:
			res.Match = MatchSemantic
		default:
			res.Match = MatchLexical
		}
		results = append(results, res)
	}
	Rank(results)

	blended := p.blender.Blend(results)
	for i := range blended {
		blended[i].Citation = Citation(blended[i].Record, blended[i].SourceType)
	}
	span.SetAttributes(
		attribute.Int("rag.candidates", len(results)),
		attribute.Int("rag.selected", len(blended)),
	)
	return blended, nil
}

func (p *Pipeline) lexicalSearch(ctx context.Context, q Query) ([]*knowledge.Record, error) {
	terms := append([]string{}, q.KeyTerms...)
	if q.Condition != "" {
		terms = append(terms, strings.Fields(q.Condition)...)
	}
	if len(terms) == 0 {
		return nil, nil
	}

	limit := p.cfg.TopK * 4
	records, err := p.store.Search(ctx, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	if q.Condition == "" {
		return records, nil
	}

	byCondition, err := p.store.ByCondition(ctx, q.Condition, p.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("condition lookup failed: %w", err)
	}
	seen := make(map[int64]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
	}
	for _, r := range byCondition {
		if !seen[r.ID] {
			records = append(records, r)
		}
	}
	return records, nil
}

func (p *Pipeline) semanticSearch(ctx context.Context, q Query) ([]vector.Match, error) {
	if p.embedder == nil || p.index == nil {
		return nil, errSemanticDisabled
	}
	res, err := p.semantic.Execute(func() (interface{}, error) {
		vec, err := p.embedder.EmbedQuery(ctx, q.Original)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		return p.index.Search(ctx, vec, p.cfg.TopK*2)
	})
	if err != nil {
		return nil, err
	}
	matches, _ := res.([]vector.Match)
	return matches, nil
}

// attachSemantic loads the records behind vector matches and sets their scores.
func (p *Pipeline) attachSemantic(ctx context.Context, matches []vector.Match, candidates map[int64]*candidate, add func(*knowledge.Record) *candidate) error {
	var missing []int64
	for _, m := range matches {
		if _, ok := candidates[m.RecordID]; !ok {
			missing = append(missing, m.RecordID)
		}
	}
	loaded, err := p.store.GetMany(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to load semantic matches: %w", err)
	}
	for _, m := range matches {
		var c *candidate
		if existing, ok := candidates[m.RecordID]; ok {
			c = existing
		} else if r, ok := loaded[m.RecordID]; ok {
			c = add(r)
		} else {
			// stale vector for a record that no longer exists
			continue
		}
		c.semantic = m.Score
		c.semHit = true
	}
	return nil
}

// Answer runs the full flow for one question. history holds prior turns,
// oldest first; only the last HistoryTurns are used. Generation failures
// produce a degraded answer, never an error; only an empty question or a
// cancelled context return one.
func (p *Pipeline) Answer(ctx context.Context, question string, history []backend.Message) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuery
	}

	ctx, span := p.tracer.Start(ctx, "rag_answer")
	defer span.End()
	start := time.Now()

	history = lastTurns(history, p.cfg.HistoryTurns)
	key := cacheKey(question, history)
	if ans, ok := p.cached(ctx, key); ok {
		p.observe(ctx, start, "cache_hit")
		return ans, nil
	}

	q := p.processor.Process(question)
	span.SetAttributes(
		attribute.String("rag.condition", q.Condition),
		attribute.String("rag.query_type", string(q.Type)),
	)

	results, err := p.Retrieve(ctx, q)
	if err != nil {
		p.logger.Warn("answering without retrieved context", "error", err)
		results = []RetrievalResult{}
	}

	facts := knowledge.Facts{Condition: q.Condition}
	if q.Condition != "" {
		if f, err := p.store.MedicalFacts(ctx, q.Condition); err != nil {
			p.logger.Warn("failed to load medical facts", "condition", q.Condition, "error", err)
		} else {
			facts = f
		}
	}

	contextText := formatContext(results, facts)
	ans := &Answer{
		Sources:         results,
		ContextUsed:     len(results) > 0 || facts.Count() > 0,
		Disclaimer:      Disclaimer,
		CitationSummary: CitationSummary(results),
		Condition:       q.Condition,
		QueryType:       q.Type,
	}

	completion, err := p.generator.Generate(ctx, buildMessages(contextText, history, question))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("generation failed", "backend", p.generator.Name(), "error", err)
		ans.Degraded = true
		if facts.Count() > 0 {
			ans.Answer = factsAnswer(q, facts)
			ans.Confidence = factsConfidence(results, facts)
			p.observe(ctx, start, "facts_only")
		} else {
			ans.Answer = FallbackAnswer
			ans.Sources = []RetrievalResult{}
			ans.ContextUsed = false
			ans.CitationSummary = CitationSummary(nil)
			p.observe(ctx, start, "fallback")
		}
		return ans, nil
	}

	ans.Answer = completion.Text
	contextChars := 0
	if ans.ContextUsed {
		contextChars = len(contextText)
	}
	ans.Confidence = p.confidence.Score(results, contextChars)
	span.SetAttributes(attribute.Float64("rag.confidence", ans.Confidence))

	p.remember(ctx, key, ans)
	p.observe(ctx, start, "ok")
	return ans, nil
}

func (p *Pipeline) cached(ctx context.Context, key string) (*Answer, bool) {
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("cache lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var ans Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		p.logger.Warn("discarding undecodable cache entry", "error", err)
		return nil, false
	}
	p.logger.Info("cache hit", "key", key[:16])
	ans.Cached = true
	return &ans, true
}

func (p *Pipeline) remember(ctx context.Context, key string, ans *Answer) {
	data, err := json.Marshal(ans)
	if err != nil {
		p.logger.Warn("failed to encode answer for cache", "error", err)
		return
	}
	if err := p.cache.Set(ctx, key, data); err != nil {
		p.logger.Warn("failed to cache answer", "error", err)
	}
}

func (p *Pipeline) observe(ctx context.Context, start time.Time, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.requests.Add(ctx, 1, attrs)
	p.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

func cacheKey(question string, history []backend.Message) string {
	pairs := make([][2]string, 0, len(history)+1)
	for _, h := range history {
		pairs = append(pairs, [2]string{h.Role, h.Content})
	}
	pairs = append(pairs, [2]string{"query", strings.ToLower(question)})
	return cache.GenerateCacheKey(pairs...)
}

func lastTurns(history []backend.Message, n int) []backend.Message {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
