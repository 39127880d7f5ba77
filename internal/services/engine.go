package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"recall/internal/cache"
	"recall/internal/metrics"
	"recall/internal/storage"
	"recall/internal/tokens"
)

// ErrInvalidQuery wraps rejected questions and out-of-range query
// options, found before any budget is spent.
var ErrInvalidQuery = errors.New("invalid query")

// ErrRetrieval wraps failures to embed or search during the retrieval
// half of the pipeline.
var ErrRetrieval = errors.New("retrieval failed")

const noContextAnswer = "I couldn't find any relevant messages to answer your question."

const systemPrompt = `You are a helpful assistant that answers questions based on a history of messages. Answer using only the message excerpts provided in the context. Cite the messages that support each statement by their bracketed ids, for example [m42]. Only cite ids that appear in the context. If the context does not contain the answer, say so.`

const userPromptTemplate = `Answer the question using only the context below. Cite supporting messages by their bracketed ids.

Context:
%s
Question: %s`

// citationPattern matches bracketed citation markers in model output.
var citationPattern = regexp.MustCompile(`\[([^\[\]\s]+)\]`)

// Embedder turns text into a vector. Implemented by EmbeddingService.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator runs one chat completion. Implemented by LLMService.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, cfg GenerationConfig) (*Completion, error)
}

// queryState names the stages of a query for logs and error context.
type queryState int

const (
	stateEmbedding queryState = iota
	stateRetrieving
	stateAssembling
	stateCacheCheck
	stateGenerating
	stateAttributing
	stateDone
)

func (s queryState) String() string {
	switch s {
	case stateEmbedding:
		return "embedding"
	case stateRetrieving:
		return "retrieving"
	case stateAssembling:
		return "assembling"
	case stateCacheCheck:
		return "cache_check"
	case stateGenerating:
		return "generating"
	case stateAttributing:
		return "attributing"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// QueryConfig holds the per-query options recognized by the engine. Zero
// values fall back to the engine defaults, which means a literal
// temperature or min_similarity_score of 0 cannot be requested per query;
// deployments that want those set them as the engine defaults.
type QueryConfig struct {
	TopK          int     `json:"top_k"`
	MinSimilarity float64 `json:"min_similarity_score"`
	Model         string  `json:"model_name"`
	Temperature   float32 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
}

// Source summarizes one cited message for display, mirroring what the
// context contained.
type Source struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Author         string    `json:"author"`
	Timestamp      time.Time `json:"timestamp"`
	Score          float64   `json:"score"`
	ContentPreview string    `json:"content_preview"`
}

// Answer is the attributed result of a query. Every citation refers to a
// message that was part of the prompt context for this query.
type Answer struct {
	Text      string     `json:"text"`
	Citations []string   `json:"citations"`
	Sources   []Source   `json:"sources"`
	Usage     TokenUsage `json:"usage"`
}

// EngineStats is the externally visible state summary.
type EngineStats struct {
	MessageCount   int     `json:"message_count"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	IndexDimension int     `json:"index_dimension"`
}

// Engine orchestrates the query pipeline: embed the question, search the
// vector store, assemble a token-budgeted context, consult the response
// cache, invoke the LLM and attribute citations.
type Engine struct {
	store            storage.Store
	embedder         Embedder
	llm              Generator
	cache            *cache.Cache[Answer]
	defaults         QueryConfig
	maxContextTokens int
}

// NewEngine wires the pipeline together. defaults fill any zero-valued
// QueryConfig fields at query time.
func NewEngine(store storage.Store, embedder Embedder, llm Generator, answerCache *cache.Cache[Answer], defaults QueryConfig, maxContextTokens int) *Engine {
	if maxContextTokens <= 0 {
		maxContextTokens = 2000
	}
	return &Engine{
		store:            store,
		embedder:         embedder,
		llm:              llm,
		cache:            answerCache,
		defaults:         defaults,
		maxContextTokens: maxContextTokens,
	}
}

// Query answers a question from the ingested message history.
func (e *Engine) Query(ctx context.Context, question string, cfg QueryConfig) (*Answer, error) {
	start := time.Now()
	answer, err := e.query(ctx, question, cfg)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueriesProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.QueriesProcessed.WithLabelValues("success").Inc()
	return answer, nil
}

func (e *Engine) query(ctx context.Context, question string, cfg QueryConfig) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", ErrInvalidQuery)
	}
	cfg, err := e.resolveConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	state := stateEmbedding
	logger := slog.With(slog.String("question", tokens.Truncate(question, 25)))
	logger.Debug("Query state", slog.String("state", state.String()))

	queryVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	state = stateRetrieving
	logger.Debug("Query state", slog.String("state", state.String()))
	results, err := e.store.Search(ctx, queryVec, cfg.TopK, cfg.MinSimilarity)
	if errors.Is(err, storage.ErrEmptyStore) {
		// A valid, expected outcome rather than a failure.
		logger.Info("No relevant messages found")
		return &Answer{Text: noContextAnswer, Citations: []string{}, Sources: []Source{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	state = stateAssembling
	logger.Debug("Query state", slog.String("state", state.String()), slog.Int("retrieved", len(results)))
	contextBlock, included := e.assembleContext(results)
	if len(included) == 0 {
		logger.Info("Retrieved messages exceeded the context budget")
		return &Answer{Text: noContextAnswer, Citations: []string{}, Sources: []Source{}}, nil
	}

	state = stateCacheCheck
	logger.Debug("Query state", slog.String("state", state.String()))
	version, err := e.store.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	fp := fingerprint(question, included, cfg, version)
	if cached, ok := e.cache.Get(fp); ok {
		metrics.CacheHits.Inc()
		logger.Debug("Query state", slog.String("state", stateDone.String()), slog.Bool("cached", true))
		return &cached, nil
	}
	metrics.CacheMisses.Inc()

	state = stateGenerating
	logger.Debug("Query state", slog.String("state", state.String()))
	// Cancellation checkpoint before the paid call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	completion, err := e.llm.Generate(ctx, systemPrompt,
		fmt.Sprintf(userPromptTemplate, contextBlock, question),
		GenerationConfig{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens})
	if err != nil {
		return nil, err
	}

	state = stateAttributing
	logger.Debug("Query state", slog.String("state", state.String()))
	text, citations := attributeCitations(completion.Text, included)

	answer := Answer{
		Text:      text,
		Citations: citations,
		Sources:   buildSources(included),
		Usage:     completion.Usage,
	}
	e.cache.Put(fp, answer)

	logger.Info("Query completed",
		slog.Int("sources", len(included)),
		slog.Int("citations", len(citations)),
		slog.Int("tokens", completion.Usage.TotalTokens))
	return &answer, nil
}

func (e *Engine) resolveConfig(cfg QueryConfig) (QueryConfig, error) {
	if cfg.TopK == 0 {
		cfg.TopK = e.defaults.TopK
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = e.defaults.MinSimilarity
	}
	if cfg.Model == "" {
		cfg.Model = e.defaults.Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = e.defaults.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = e.defaults.MaxTokens
	}

	if cfg.TopK < 1 {
		return cfg, fmt.Errorf("top_k must be >= 1, got %d", cfg.TopK)
	}
	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		return cfg, fmt.Errorf("min_similarity_score must be in [0, 1], got %v", cfg.MinSimilarity)
	}
	gen := GenerationConfig{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	if err := gen.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// assembleContext formats retrieved messages into the prompt context,
// highest score first, dropping the tail once the token budget is spent.
// The returned results are the citation universe for this query.
func (e *Engine) assembleContext(results []storage.Result) (string, []storage.Result) {
	var b strings.Builder
	var included []storage.Result
	budget := e.maxContextTokens

	for _, r := range results {
		block := formatContextBlock(r.Message)
		cost := tokens.Estimate(block)
		if cost > budget {
			break
		}
		budget -= cost
		b.WriteString(block)
		included = append(included, r)
	}
	return b.String(), included
}

func formatContextBlock(msg storage.Message) string {
	return fmt.Sprintf("[%s]\nAuthor: %s\nTimestamp: %s\nURL: %s\nContent: %s\n\n",
		msg.ID, msg.Author, msg.Timestamp.Format(time.RFC3339), msg.URL, msg.Content)
}

// attributeCitations validates every citation marker in the model output
// against the retrieved set. Markers outside the set are stripped and
// logged; they never reach the caller.
func attributeCitations(text string, included []storage.Result) (string, []string) {
	universe := make(map[string]bool, len(included))
	for _, r := range included {
		universe[r.Message.ID] = true
	}

	seen := make(map[string]bool)
	var citations []string
	clean := citationPattern.ReplaceAllStringFunc(text, func(marker string) string {
		id := marker[1 : len(marker)-1]
		if !universe[id] {
			slog.Warn("Citation violation: model cited id outside retrieved context",
				slog.String("id", id))
			metrics.CitationViolations.Inc()
			return ""
		}
		if !seen[id] {
			seen[id] = true
			citations = append(citations, id)
		}
		return marker
	})

	if citations == nil {
		citations = []string{}
	}
	return strings.TrimSpace(clean), citations
}

// buildSources summarizes the full citation universe, cited or not, so
// callers can show what the answer was grounded on.
func buildSources(included []storage.Result) []Source {
	sources := make([]Source, 0, len(included))
	for _, r := range included {
		preview := r.Message.Content
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		sources = append(sources, Source{
			ID:             r.Message.ID,
			URL:            r.Message.URL,
			Author:         r.Message.Author,
			Timestamp:      r.Message.Timestamp,
			Score:          r.Score,
			ContentPreview: preview,
		})
	}
	return sources
}

// fingerprint keys the response cache. It covers everything that can
// change the answer text: the normalized question, the exact retrieved
// context, every generation option, and the store version.
func fingerprint(question string, included []storage.Result, cfg QueryConfig, storeVersion uint64) string {
	ids := make([]string, len(included))
	for i, r := range included {
		ids[i] = r.Message.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	io.WriteString(h, tokens.Normalize(question))
	h.Write([]byte{0})
	for _, id := range ids {
		io.WriteString(h, id)
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%s|%.4f|%d|%d", cfg.Model, cfg.Temperature, cfg.MaxTokens, storeVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Stats reports store and cache state for the /api/stats surface.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return EngineStats{}, fmt.Errorf("failed to read store stats: %w", err)
	}
	metrics.StoredMessages.Set(float64(stats.Count))
	return EngineStats{
		MessageCount:   stats.Count,
		CacheHitRate:   e.cache.HitRate(),
		IndexDimension: stats.Dimension,
	}, nil
}

// Clear drops the vector store contents and the response cache.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	e.cache.Clear()
	return nil
}
