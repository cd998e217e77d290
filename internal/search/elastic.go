package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"docindex/internal/apperr"
	"docindex/internal/config"
	"docindex/internal/logger"
)

// DefaultMaxResults caps the number of ids returned by Search.
const DefaultMaxResults = 50

const indexMapping = `{
  "mappings": {
    "properties": {
      "Id":      { "type": "keyword" },
      "Content": { "type": "text" }
    }
  }
}`

// ElasticIndex implements Index on a single Elasticsearch index.
type ElasticIndex struct {
	es         *elasticsearch.Client
	index      string
	maxResults int
	log        *zap.Logger
}

var _ Index = (*ElasticIndex)(nil)

// NewElastic builds a client for cfg. HTTP calls are traced through otelhttp.
func NewElastic(cfg config.ElasticsearchConfig, log *zap.Logger) (*ElasticIndex, error) {
	return newElastic(cfg, otelhttp.NewTransport(http.DefaultTransport), log)
}

func newElastic(cfg config.ElasticsearchConfig, transport http.RoundTripper, log *zap.Logger) (*ElasticIndex, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch address is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticIndex{
		es:         es,
		index:      cfg.Index,
		maxResults: DefaultMaxResults,
		log:        logger.OrNop(log).With(zap.String("component", "search"), zap.String("index", cfg.Index)),
	}, nil
}

// EnsureIndex creates the index with its mapping when it does not exist yet.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	res, err := e.es.Indices.Exists([]string{e.index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: check index: %v", apperr.ErrTransport, err)
	}
	drain(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return statusErr("check index", res)
	}

	res, err = e.es.Indices.Create(e.index,
		e.es.Indices.Create.WithContext(ctx),
		e.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("%w: create index: %v", apperr.ErrTransport, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// another process created it first
		if res.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("resource_already_exists_exception")) {
			return nil
		}
		return fmt.Errorf("%w: create index: %s", apperr.ErrTransport, res.Status())
	}
	e.log.Info("index created")
	return nil
}

func (e *ElasticIndex) Store(ctx context.Context, id uuid.UUID, text string) (bool, error) {
	body, err := json.Marshal(indexedDocument{ID: id.String(), Content: text})
	if err != nil {
		return false, fmt.Errorf("encode document %s: %w", id, err)
	}
	res, err := e.es.Index(e.index, bytes.NewReader(body),
		e.es.Index.WithContext(ctx),
		e.es.Index.WithDocumentID(id.String()),
	)
	if err != nil {
		return false, fmt.Errorf("%w: index document %s: %v", apperr.ErrTransport, id, err)
	}
	drain(res)
	if res.IsError() {
		if retryable(res.StatusCode) {
			return false, statusErr("index document "+id.String(), res)
		}
		e.log.Warn("index rejected document", zap.String("document_id", id.String()), zap.Int("status", res.StatusCode))
		return false, nil
	}
	return true, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *ElasticIndex) Search(ctx context.Context, query string) ([]uuid.UUID, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", apperr.ErrInvalidArgument)
	}
	body, err := json.Marshal(map[string]any{
		"size":    e.maxResults,
		"_source": false,
		"query": map[string]any{
			"match": map[string]any{"Content": query},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(e.index),
		e.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", apperr.ErrTransport, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, statusErr("search", res)
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %v", apperr.ErrTransport, err)
	}
	ids := make([]uuid.UUID, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		id, err := uuid.Parse(h.ID)
		if err != nil {
			e.log.Warn("skipping hit with foreign id", zap.String("id", h.ID))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type getResponse struct {
	Found  bool            `json:"found"`
	Source indexedDocument `json:"_source"`
}

func (e *ElasticIndex) Get(ctx context.Context, id uuid.UUID) (string, bool, error) {
	res, err := e.es.Get(e.index, id.String(), e.es.Get.WithContext(ctx))
	if err != nil {
		return "", false, fmt.Errorf("%w: get document %s: %v", apperr.ErrTransport, id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if res.IsError() {
		return "", false, statusErr("get document "+id.String(), res)
	}
	var gr getResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return "", false, fmt.Errorf("%w: decode document %s: %v", apperr.ErrTransport, id, err)
	}
	return gr.Source.Content, gr.Found, nil
}

func (e *ElasticIndex) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := e.es.Delete(e.index, id.String(), e.es.Delete.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("%w: delete document %s: %v", apperr.ErrTransport, id, err)
	}
	drain(res)
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, statusErr("delete document "+id.String(), res)
	}
	return true, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func statusErr(op string, res *esapi.Response) error {
	return fmt.Errorf("%w: %s: %s", apperr.ErrTransport, op, res.Status())
}

// drain consumes and closes the body so the connection can be reused.
func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
