// Why this file: ./internal/vectordb/client.go
// Qdrant client with intelligent connection handling: gRPC first, HTTP API as
// fallback. Stores code chunks as points whose payload mirrors ChunkMetadata
// and searches them with optional metadata filters.

package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"repoagent/models"
)

// Config holds connection and collection settings.
type Config struct {
	Host       string
	Port       int
	Collection string
	VectorSize int
}

// Client talks to one Qdrant collection.
type Client struct {
	config            *Config
	conn              *grpc.ClientConn
	pointsClient      qdrant.PointsClient
	collectionsClient qdrant.CollectionsClient
	httpClient        *http.Client
	useGRPC           bool
	logger            *zap.Logger
}

// NewClient connects to Qdrant, preferring gRPC and falling back to HTTP.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("vectordb"),
	}

	if err := c.setupGRPCConnection(); err != nil {
		c.logger.Warn("gRPC connection failed, testing HTTP fallback", zap.Error(err))
		if httpErr := c.testHTTPConnection(); httpErr != nil {
			return nil, fmt.Errorf("both gRPC and HTTP connections failed - gRPC: %v, HTTP: %v", err, httpErr)
		}
		c.logger.Info("HTTP connection successful")
	}

	return c, nil
}

// Close closes the gRPC connection if active.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) setupGRPCConnection() error {
	conn, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", c.config.Host, c.config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to dial gRPC: %w", err)
	}

	c.conn = conn
	c.pointsClient = qdrant.NewPointsClient(conn)
	c.collectionsClient = qdrant.NewCollectionsClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err = c.collectionsClient.List(ctx, &qdrant.ListCollectionsRequest{}); err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("gRPC connection test failed: %w", err)
	}

	c.useGRPC = true
	c.logger.Info("Qdrant gRPC connection successful",
		zap.String("host", c.config.Host), zap.Int("port", c.config.Port))
	return nil
}

func (c *Client) testHTTPConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/collections", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP API returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.config.Host, c.config.Port)
}

// EnsureCollection creates the collection if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	exists, err := c.collectionExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}
	c.logger.Info("creating collection", zap.String("collection", c.config.Collection))
	return c.createCollection(ctx)
}

func (c *Client) collectionExists(ctx context.Context) (bool, error) {
	if c.useGRPC {
		_, err := c.collectionsClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
			CollectionName: c.config.Collection,
		})
		return err == nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/collections/%s", c.baseURL(), c.config.Collection), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) createCollection(ctx context.Context) error {
	if c.useGRPC {
		_, err := c.collectionsClient.Create(ctx, &qdrant.CreateCollection{
			CollectionName: c.config.Collection,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_Params{
					Params: &qdrant.VectorParams{
						Size:     uint64(c.config.VectorSize),
						Distance: qdrant.Distance_Cosine,
					},
				},
			},
		})
		return err
	}

	payload := map[string]any{
		"vectors": map[string]any{
			"size":     c.config.VectorSize,
			"distance": "Cosine",
		},
	}
	return c.httpPut(ctx, fmt.Sprintf("/collections/%s", c.config.Collection), payload)
}

// DeleteCollection drops the whole collection, every repository included.
func (c *Client) DeleteCollection(ctx context.Context) error {
	if c.useGRPC {
		_, err := c.collectionsClient.Delete(ctx, &qdrant.DeleteCollection{
			CollectionName: c.config.Collection,
		})
		return err
	}
	return c.httpDo(ctx, http.MethodDelete,
		fmt.Sprintf("/collections/%s", c.config.Collection), nil, nil)
}

// scrollPageSize bounds one scroll request; Scroll pages until the filter is
// exhausted or the caller's limit is reached.
const scrollPageSize = 256

// Scroll reads points by filter without a query vector, payloads only. A
// non-positive limit means everything the filter matches. The repo condition
// is ANDed in like Search does.
func (c *Client) Scroll(ctx context.Context, repo string, filter models.FilterNode, limit int) ([]*models.Chunk, error) {
	scoped := scopeToRepo(repo, filter)

	if c.useGRPC {
		chunks, err := c.scrollGRPC(ctx, scoped, limit)
		if err == nil {
			return chunks, nil
		}
		c.logger.Warn("gRPC scroll failed, falling back to HTTP", zap.Error(err))
		c.useGRPC = false
	}
	return c.scrollHTTP(ctx, scoped, limit)
}

func (c *Client) scrollGRPC(ctx context.Context, filter models.FilterNode, limit int) ([]*models.Chunk, error) {
	f, err := grpcFilter(filter)
	if err != nil {
		return nil, err
	}

	var chunks []*models.Chunk
	var offset *qdrant.PointId
	for {
		page := uint32(scrollPageSize)
		resp, err := c.pointsClient.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: c.config.Collection,
			Filter:         f,
			Limit:          &page,
			Offset:         offset,
			WithPayload: &qdrant.WithPayloadSelector{
				SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("gRPC scroll failed: %w", err)
		}

		for _, point := range resp.Result {
			chunks = append(chunks, chunkFromGRPCPayload(point.Payload))
			if limit > 0 && len(chunks) >= limit {
				return chunks, nil
			}
		}
		if resp.NextPageOffset == nil {
			return chunks, nil
		}
		offset = resp.NextPageOffset
	}
}

func (c *Client) scrollHTTP(ctx context.Context, filter models.FilterNode, limit int) ([]*models.Chunk, error) {
	f, err := httpFilter(filter)
	if err != nil {
		return nil, err
	}

	var chunks []*models.Chunk
	var offset any
	for {
		body := map[string]any{
			"filter":       f,
			"limit":        scrollPageSize,
			"with_payload": true,
		}
		if offset != nil {
			body["offset"] = offset
		}

		var scrollResp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		err := c.httpPost(ctx,
			fmt.Sprintf("/collections/%s/points/scroll", c.config.Collection),
			body, &scrollResp)
		if err != nil {
			return nil, err
		}

		for _, point := range scrollResp.Result.Points {
			chunks = append(chunks, chunkFromHTTPPayload(point.Payload))
			if limit > 0 && len(chunks) >= limit {
				return chunks, nil
			}
		}
		if scrollResp.Result.NextPageOffset == nil {
			return chunks, nil
		}
		offset = scrollResp.Result.NextPageOffset
	}
}

// DeleteByRepo removes every point indexed for the given repository.
func (c *Client) DeleteByRepo(ctx context.Context, repo string) error {
	return c.deleteByFilter(ctx,
		&models.FilterCondition{Name: "repo", Operator: models.OpEq, Value: repo})
}

// DeleteByFile removes the points indexed for a single file of a repository.
// Used by the watcher when a file is deleted or about to be re-indexed.
func (c *Client) DeleteByFile(ctx context.Context, repo, path string) error {
	return c.deleteByFilter(ctx, &models.FilterGroup{
		Operator: models.OpAnd,
		Values: []models.FilterNode{
			&models.FilterCondition{Name: "repo", Operator: models.OpEq, Value: repo},
			&models.FilterCondition{Name: "filepath", Operator: models.OpEq, Value: path},
		},
	})
}

func (c *Client) deleteByFilter(ctx context.Context, filter models.FilterNode) error {
	if c.useGRPC {
		f, err := grpcFilter(filter)
		if err != nil {
			return err
		}
		_, err = c.pointsClient.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: c.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: f},
			},
		})
		return err
	}

	f, err := httpFilter(filter)
	if err != nil {
		return err
	}
	return c.httpPost(ctx,
		fmt.Sprintf("/collections/%s/points/delete", c.config.Collection),
		map[string]any{"filter": f}, nil)
}

// UpsertChunks stores chunks with their embeddings. Point IDs are derived from
// the chunk identifier by hashing; the original identifier stays in payload.
func (c *Client) UpsertChunks(ctx context.Context, repo string, chunks []*models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	if c.useGRPC {
		points := make([]*qdrant.PointStruct, len(chunks))
		for i, chunk := range chunks {
			points[i] = &qdrant.PointStruct{
				Id: &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: pointID(chunk.Metadata.ChunkID)}},
				Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: vectors[i]},
				}},
				Payload: grpcPayload(repo, chunk),
			}
		}
		_, err := c.pointsClient.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: c.config.Collection,
			Points:         points,
		})
		if err == nil {
			return nil
		}
		c.logger.Warn("gRPC upsert failed, falling back to HTTP", zap.Error(err))
		c.useGRPC = false
	}

	points := make([]any, len(chunks))
	for i, chunk := range chunks {
		points[i] = map[string]any{
			"id":      pointID(chunk.Metadata.ChunkID),
			"vector":  vectors[i],
			"payload": httpPayload(repo, chunk),
		}
	}
	return c.httpPut(ctx,
		fmt.Sprintf("/collections/%s/points?wait=true", c.config.Collection),
		map[string]any{"points": points})
}

// Search runs a filtered vector search and returns chunks with their
// retrieval score attached. The repo condition is always ANDed in so one
// collection can hold many repositories.
func (c *Client) Search(ctx context.Context, repo string, vector []float32, limit int, filter models.FilterNode) ([]*models.Chunk, error) {
	scoped := scopeToRepo(repo, filter)

	if c.useGRPC {
		chunks, err := c.searchGRPC(ctx, vector, limit, scoped)
		if err == nil {
			return chunks, nil
		}
		c.logger.Warn("gRPC search failed, falling back to HTTP", zap.Error(err))
		c.useGRPC = false
	}
	return c.searchHTTP(ctx, vector, limit, scoped)
}

func scopeToRepo(repo string, filter models.FilterNode) models.FilterNode {
	repoCond := &models.FilterCondition{Name: "repo", Operator: models.OpEq, Value: repo}
	if filter == nil {
		return repoCond
	}
	return &models.FilterGroup{Operator: models.OpAnd, Values: []models.FilterNode{repoCond, filter}}
}

func (c *Client) searchGRPC(ctx context.Context, vector []float32, limit int, filter models.FilterNode) ([]*models.Chunk, error) {
	f, err := grpcFilter(filter)
	if err != nil {
		return nil, err
	}

	resp, err := c.pointsClient.Search(ctx, &qdrant.SearchPoints{
		CollectionName: c.config.Collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         f,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gRPC search failed: %w", err)
	}

	chunks := make([]*models.Chunk, 0, len(resp.Result))
	for _, hit := range resp.Result {
		chunk := chunkFromGRPCPayload(hit.Payload)
		chunk.RetrievalScore = models.Float(float64(hit.Score))
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (c *Client) searchHTTP(ctx context.Context, vector []float32, limit int, filter models.FilterNode) ([]*models.Chunk, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if filter != nil {
		f, err := httpFilter(filter)
		if err != nil {
			return nil, err
		}
		body["filter"] = f
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := c.httpPost(ctx,
		fmt.Sprintf("/collections/%s/points/search", c.config.Collection),
		body, &searchResp)
	if err != nil {
		return nil, err
	}

	chunks := make([]*models.Chunk, 0, len(searchResp.Result))
	for _, hit := range searchResp.Result {
		chunk := chunkFromHTTPPayload(hit.Payload)
		chunk.RetrievalScore = models.Float(hit.Score)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// CountByRepo reports how many points a repository has in the collection.
func (c *Client) CountByRepo(ctx context.Context, repo string) (int, error) {
	filter := &models.FilterCondition{Name: "repo", Operator: models.OpEq, Value: repo}

	if c.useGRPC {
		f, err := grpcFilter(filter)
		if err != nil {
			return 0, err
		}
		exact := true
		resp, err := c.pointsClient.Count(ctx, &qdrant.CountPoints{
			CollectionName: c.config.Collection,
			Filter:         f,
			Exact:          &exact,
		})
		if err != nil {
			return 0, err
		}
		return int(resp.Result.Count), nil
	}

	f, err := httpFilter(filter)
	if err != nil {
		return 0, err
	}
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err = c.httpPost(ctx,
		fmt.Sprintf("/collections/%s/points/count", c.config.Collection),
		map[string]any{"filter": f, "exact": true}, &countResp)
	if err != nil {
		return 0, err
	}
	return countResp.Result.Count, nil
}

// pointID derives a stable numeric point ID from a chunk identifier.
func pointID(chunkID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(chunkID))
	return h.Sum64()
}

func grpcPayload(repo string, chunk *models.Chunk) map[string]*qdrant.Value {
	m := chunk.Metadata
	return map[string]*qdrant.Value{
		"chunk_id":      {Kind: &qdrant.Value_StringValue{StringValue: m.ChunkID}},
		"repo":          {Kind: &qdrant.Value_StringValue{StringValue: repo}},
		"filepath":      {Kind: &qdrant.Value_StringValue{StringValue: m.Filepath}},
		"content":       {Kind: &qdrant.Value_StringValue{StringValue: chunk.Content}},
		"language":      {Kind: &qdrant.Value_StringValue{StringValue: m.Language}},
		"start_line_no": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(m.StartLine)}},
		"end_line_no":   {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(m.EndLine)}},
		"chunk_size":    {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(m.ChunkSize)}},
		"line_count":    {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(m.LineCount)}},
	}
}

func httpPayload(repo string, chunk *models.Chunk) map[string]any {
	m := chunk.Metadata
	return map[string]any{
		"chunk_id":      m.ChunkID,
		"repo":          repo,
		"filepath":      m.Filepath,
		"content":       chunk.Content,
		"language":      m.Language,
		"start_line_no": m.StartLine,
		"end_line_no":   m.EndLine,
		"chunk_size":    m.ChunkSize,
		"line_count":    m.LineCount,
	}
}

func chunkFromGRPCPayload(payload map[string]*qdrant.Value) *models.Chunk {
	chunk := &models.Chunk{}
	if v := payload["chunk_id"]; v != nil {
		chunk.Metadata.ChunkID = v.GetStringValue()
	}
	if v := payload["filepath"]; v != nil {
		chunk.Metadata.Filepath = v.GetStringValue()
	}
	if v := payload["content"]; v != nil {
		chunk.Content = v.GetStringValue()
	}
	if v := payload["language"]; v != nil {
		chunk.Metadata.Language = v.GetStringValue()
	}
	if v := payload["start_line_no"]; v != nil {
		chunk.Metadata.StartLine = int(v.GetIntegerValue())
	}
	if v := payload["end_line_no"]; v != nil {
		chunk.Metadata.EndLine = int(v.GetIntegerValue())
	}
	if v := payload["chunk_size"]; v != nil {
		chunk.Metadata.ChunkSize = int(v.GetIntegerValue())
	}
	if v := payload["line_count"]; v != nil {
		chunk.Metadata.LineCount = int(v.GetIntegerValue())
	}
	return chunk
}

func chunkFromHTTPPayload(payload map[string]any) *models.Chunk {
	chunk := &models.Chunk{}
	if v, ok := payload["chunk_id"].(string); ok {
		chunk.Metadata.ChunkID = v
	}
	if v, ok := payload["filepath"].(string); ok {
		chunk.Metadata.Filepath = v
	}
	if v, ok := payload["content"].(string); ok {
		chunk.Content = v
	}
	if v, ok := payload["language"].(string); ok {
		chunk.Metadata.Language = v
	}
	if v, ok := payload["start_line_no"].(float64); ok {
		chunk.Metadata.StartLine = int(v)
	}
	if v, ok := payload["end_line_no"].(float64); ok {
		chunk.Metadata.EndLine = int(v)
	}
	if v, ok := payload["chunk_size"].(float64); ok {
		chunk.Metadata.ChunkSize = int(v)
	}
	if v, ok := payload["line_count"].(float64); ok {
		chunk.Metadata.LineCount = int(v)
	}
	return chunk
}

func (c *Client) httpPut(ctx context.Context, path string, payload any) error {
	return c.httpDo(ctx, http.MethodPut, path, payload, nil)
}

func (c *Client) httpPost(ctx context.Context, path string, payload, out any) error {
	return c.httpDo(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) httpDo(ctx context.Context, method, path string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant %s %s failed with status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse qdrant response: %w", err)
		}
	}
	return nil
}
