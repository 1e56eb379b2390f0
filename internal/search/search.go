// Package search mirrors stored convocatorias into Elasticsearch for
// full-text lookup.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog/log"

	"convocatorias/internal/convocatoria"
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "user_id":          {"type": "keyword"},
      "nombre_concurso":  {"type": "text"},
      "institucion":      {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "descripcion":      {"type": "text"},
      "area":             {"type": "text"},
      "estado":           {"type": "keyword"},
      "fecha_cierre":     {"type": "date", "format": "yyyy-MM-dd"},
      "indexed_at":       {"type": "date"}
    }
  }
}`

type Document struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"nombre_concurso"`
	Organization string    `json:"institucion"`
	Description  string    `json:"descripcion,omitempty"`
	Area         string    `json:"area,omitempty"`
	Status       string    `json:"estado"`
	ClosingDate  string    `json:"fecha_cierre"`
	IndexedAt    time.Time `json:"indexed_at"`
}

type Hit struct {
	Document
	Score float64 `json:"score"`
}

type Index struct {
	es   *elasticsearch.Client
	name string
}

func New(url, index string) (*Index, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return &Index{es: es, name: index}, nil
}

func (ix *Index) Ping(ctx context.Context) error {
	res, err := ix.es.Info(ix.es.Info.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.String())
	}
	return nil
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (ix *Index) EnsureIndex(ctx context.Context) error {
	res, err := ix.es.Indices.Exists([]string{ix.name}, ix.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = ix.es.Indices.Create(ix.name,
		ix.es.Indices.Create.WithContext(ctx),
		ix.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("elasticsearch returned error: %s", res.String())
	}
	log.Info().Str("index", ix.name).Msg("search index created")
	return nil
}

// DocumentFor projects a stored record onto the indexed fields.
func DocumentFor(c convocatoria.Convocatoria) Document {
	return Document{
		ID:           c.ID,
		UserID:       c.UserID,
		Name:         c.Name,
		Organization: c.Organization,
		Description:  c.Description,
		Area:         c.Area,
		Status:       string(c.Status),
		ClosingDate:  c.ClosingDate,
	}
}

// Put indexes c under its own id, so repeated calls overwrite.
func (ix *Index) Put(ctx context.Context, c convocatoria.Convocatoria) error {
	doc := DocumentFor(c)
	doc.IndexedAt = time.Now().UTC()
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := ix.es.Index(
		ix.name,
		bytes.NewReader(body),
		ix.es.Index.WithContext(ctx),
		ix.es.Index.WithDocumentID(c.ID),
		ix.es.Index.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.String())
	}
	return nil
}

func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.es.Delete(ix.name, id, ix.es.Delete.WithContext(ctx), ix.es.Delete.WithRefresh("true"))
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("elasticsearch returned error: %s", res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64  `json:"_score"`
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a multi_match over the text fields, restricted to userID.
func (ix *Index) Search(ctx context.Context, userID, query string, limit int) ([]Hit, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	body, err := json.Marshal(buildQuery(userID, query, limit))
	if err != nil {
		return nil, err
	}

	res, err := ix.es.Search(
		ix.es.Search.WithContext(ctx),
		ix.es.Search.WithIndex(ix.name),
		ix.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{Document: h.Source, Score: h.Score})
	}
	return hits, nil
}

func buildQuery(userID, query string, limit int) map[string]any {
	must := []any{}
	if q := strings.TrimSpace(query); q != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     q,
				"fields":    []string{"nombre_concurso^3", "institucion^2", "descripcion", "area"},
				"fuzziness": "AUTO",
			},
		})
	} else {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}
	return map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": []any{map[string]any{"term": map[string]any{"user_id": userID}}},
			},
		},
		"sort": []any{"_score", map[string]any{"fecha_cierre": "asc"}},
	}
}
