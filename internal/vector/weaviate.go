package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

// objectNamespace derives stable Weaviate object ids from record ids.
var objectNamespace = uuid.MustParse("6f1c3a52-7d4e-4c1b-9a0e-2b5f8e9d1c34")

// WeaviateIndex stores embeddings as objects of one Weaviate class with
// client-supplied vectors and queries them with nearVector.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	logger    *slog.Logger
}

// NewWeaviateIndex connects to a Weaviate instance.
func NewWeaviateIndex(host, scheme, className string, logger *slog.Logger) (*WeaviateIndex, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return &WeaviateIndex{
		client:    client,
		className: className,
		logger:    logger.With("component", "vector", "backend", "weaviate"),
	}, nil
}

func objectID(recordID int64) string {
	return uuid.NewSHA1(objectNamespace, []byte(strconv.FormatInt(recordID, 10))).String()
}

func (w *WeaviateIndex) Upsert(ctx context.Context, e Entry) error {
	properties := map[string]interface{}{
		"recordId":   e.RecordID,
		"condition":  e.Condition,
		"sourceType": e.SourceType,
	}

	id := objectID(e.RecordID)
	// Replace any previous object for the record; a missing object is fine.
	err := w.client.Data().Deleter().WithClassName(w.className).WithID(id).Do(ctx)
	var clientErr *fault.WeaviateClientError
	if err != nil && !(errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound) {
		w.logger.Error("failed to replace embedding", "error", err, "record_id", e.RecordID)
		return fmt.Errorf("failed to replace embedding: %w", err)
	}

	_, err = w.client.Data().Creator().
		WithClassName(w.className).
		WithID(id).
		WithProperties(properties).
		WithVector(e.Vector).
		Do(ctx)
	if err != nil {
		w.logger.Error("failed to store embedding", "error", err, "record_id", e.RecordID)
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

func (w *WeaviateIndex) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(query)

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithNearVector(nearVector).
		WithFields(
			graphql.Field{Name: "recordId"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{
				{Name: "distance"},
			}},
		).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	var matches []Match
	if data, ok := result.Data["Get"].(map[string]interface{}); ok {
		if items, ok := data[w.className].([]interface{}); ok {
			for _, item := range items {
				if m, ok := parseMatch(item); ok {
					matches = append(matches, m)
				}
			}
		}
	}
	return topK(matches, k), nil
}

// parseMatch reads one GraphQL hit. Cosine distance d maps to similarity 1-d.
func parseMatch(item interface{}) (Match, bool) {
	itemMap, ok := item.(map[string]interface{})
	if !ok {
		return Match{}, false
	}
	id, ok := itemMap["recordId"].(float64)
	if !ok {
		return Match{}, false
	}
	m := Match{RecordID: int64(id)}
	if additional, ok := itemMap["_additional"].(map[string]interface{}); ok {
		if d, ok := additional["distance"].(float64); ok {
			m.Score = clamp(1 - d)
		}
	}
	return m, true
}

func (w *WeaviateIndex) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate health check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}
