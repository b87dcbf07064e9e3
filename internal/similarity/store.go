package similarity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allsmog/revgraph/internal/graph"
	"github.com/allsmog/revgraph/internal/types"
)

// EntityType identifies what kind of graph entity an embedding describes.
type EntityType string

const (
	EntityFunction EntityType = "function"
	EntityBlock    EntityType = "block"
)

// sourceLabel maps an entity type to its node label.
func (t EntityType) sourceLabel() string {
	if t == EntityBlock {
		return "BasicBlock"
	}
	return "Function"
}

// Embedding is one stored vector, keyed by
// (entity_type, source_address, binary_sha256, model). Re-embedding under
// the same model upserts in place; a different model adds a sibling node.
type Embedding struct {
	ID            string
	EntityType    EntityType
	SourceAddress uint64
	BinarySHA256  string
	Model         string
	Vector        []float64
}

// Store persists Embedding nodes and their HAS_EMBEDDING links.
type Store struct {
	client graph.Client
	log    *slog.Logger
}

// NewStore creates a store bound to client.
func NewStore(client graph.Client, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{client: client, log: log}
}

// PutBatch upserts embeddings and links each to its source node.
func (s *Store) PutBatch(ctx context.Context, embeddings []Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	byType := map[EntityType][]map[string]any{}
	for _, e := range embeddings {
		row := map[string]any{
			"id":      uuid.New().String(),
			"address": int64(e.SourceAddress),
			"sha256":  e.BinarySHA256,
			"model":   e.Model,
			"vector":  e.Vector,
			"dims":    len(e.Vector),
		}
		byType[e.EntityType] = append(byType[e.EntityType], row)
	}

	for entityType, rows := range byType {
		_, err := s.client.Write(ctx,
			"UNWIND $rows AS r "+
				"MERGE (e:Embedding {entity_type: $entity_type, source_address: r.address, "+
				"binary_sha256: r.sha256, model: r.model}) "+
				"ON CREATE SET e.id = r.id, e.created_at = $now "+
				"SET e.vector = r.vector, e.dimensions = r.dims, e.updated_at = $now "+
				"WITH e, r "+
				"MATCH (src:"+entityType.sourceLabel()+" {address: r.address, binary_sha256: r.sha256}) "+
				"MERGE (src)-[:HAS_EMBEDDING]->(e)",
			map[string]any{
				"rows":        rows,
				"entity_type": string(entityType),
				"now":         now,
			})
		if err != nil {
			return types.WrapError(types.GRAPH_QUERY_FAILED, "failed to store embeddings", err)
		}
	}

	s.log.Debug("embeddings stored", "count", len(embeddings))
	return nil
}

// Put upserts a single embedding.
func (s *Store) Put(ctx context.Context, embedding Embedding) error {
	return s.PutBatch(ctx, []Embedding{embedding})
}

// Get fetches the embedding for one entity under the given model.
// Returns EMBEDDING_MISSING when the entity has no embedding at all, and
// EMBEDDING_MODEL_MISMATCH when embeddings exist but none under model.
func (s *Store) Get(ctx context.Context, entityType EntityType, sha256 string, address uint64, model string) (Embedding, error) {
	result, err := s.client.Query(ctx,
		"MATCH (e:Embedding {entity_type: $entity_type, source_address: $address, binary_sha256: $sha256}) "+
			"RETURN e.model AS model, e.vector AS vector",
		map[string]any{
			"entity_type": string(entityType),
			"address":     int64(address),
			"sha256":      sha256,
		})
	if err != nil {
		return Embedding{}, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to fetch embedding", err)
	}

	if len(result.Records) == 0 {
		return Embedding{}, types.NewErrorf(types.EMBEDDING_MISSING,
			"no embedding for %s 0x%x in binary %s", entityType, address, sha256)
	}

	var seen []string
	for _, record := range result.Records {
		got, _ := record["model"].(string)
		if got == model {
			return Embedding{
				EntityType:    entityType,
				SourceAddress: address,
				BinarySHA256:  sha256,
				Model:         model,
				Vector:        toFloat64Slice(record["vector"]),
			}, nil
		}
		seen = append(seen, got)
	}
	return Embedding{}, types.NewErrorf(types.EMBEDDING_MODEL_MISMATCH,
		"embedding for %s 0x%x exists under %v, not %q", entityType, address, seen, model)
}

// List fetches all embeddings of one type and model. An empty sha256
// matches every binary.
func (s *Store) List(ctx context.Context, entityType EntityType, sha256, model string) ([]Embedding, error) {
	cypher := "MATCH (e:Embedding {entity_type: $entity_type, model: $model}) "
	params := map[string]any{
		"entity_type": string(entityType),
		"model":       model,
	}
	if sha256 != "" {
		cypher = "MATCH (e:Embedding {entity_type: $entity_type, model: $model, binary_sha256: $sha256}) "
		params["sha256"] = sha256
	}
	cypher += "RETURN e.source_address AS address, e.binary_sha256 AS sha256, e.vector AS vector " +
		"ORDER BY e.binary_sha256 ASC, e.source_address ASC"

	result, err := s.client.Query(ctx, cypher, params)
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list embeddings", err)
	}

	out := make([]Embedding, 0, len(result.Records))
	for _, record := range result.Records {
		addr, _ := record["address"].(int64)
		sha, _ := record["sha256"].(string)
		out = append(out, Embedding{
			EntityType:    entityType,
			SourceAddress: uint64(addr),
			BinarySHA256:  sha,
			Model:         model,
			Vector:        toFloat64Slice(record["vector"]),
		})
	}
	return out, nil
}

// Models returns the distinct models stored for one entity type. An empty
// sha256 matches every binary, same as List.
func (s *Store) Models(ctx context.Context, entityType EntityType, sha256 string) ([]string, error) {
	cypher := "MATCH (e:Embedding {entity_type: $entity_type}) "
	params := map[string]any{"entity_type": string(entityType)}
	if sha256 != "" {
		cypher = "MATCH (e:Embedding {entity_type: $entity_type, binary_sha256: $sha256}) "
		params["sha256"] = sha256
	}
	cypher += "RETURN DISTINCT e.model AS model ORDER BY model"

	result, err := s.client.Query(ctx, cypher, params)
	if err != nil {
		return nil, types.WrapError(types.GRAPH_QUERY_FAILED, "failed to list embedding models", err)
	}
	out := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		if model, ok := record["model"].(string); ok {
			out = append(out, model)
		}
	}
	return out, nil
}

// DeleteForBinary removes all embeddings for one binary.
func (s *Store) DeleteForBinary(ctx context.Context, sha256 string) error {
	_, err := s.client.Write(ctx,
		"MATCH (e:Embedding {binary_sha256: $sha256}) DETACH DELETE e",
		map[string]any{"sha256": sha256})
	if err != nil {
		return types.WrapError(types.GRAPH_QUERY_FAILED, "failed to delete embeddings", err)
	}
	return nil
}

// toFloat64Slice converts a driver-returned list into a vector. The
// driver hands back []any with float64 elements.
func toFloat64Slice(value any) []float64 {
	switch v := value.(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			if f, ok := item.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}
