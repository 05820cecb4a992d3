package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written on every point.
const (
	payloadCode          = "code"
	payloadFileName      = "fileName"
	payloadMetadataSmall = "metadata_small"
	payloadNamespace     = "namespace"
)

// DefaultCollectionName is the Qdrant collection holding every vector entry.
const DefaultCollectionName = "records"

// scrollPageSize bounds a single Scroll round trip.
const scrollPageSize = 256

// QdrantConfig configures the Qdrant vector store.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// QdrantStore wraps the Qdrant client with connection management and health checks.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollectionName
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultVectorDimension
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	store := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}

	if err := store.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	return store, nil
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance and keyword
// payload indexes if it does not exist yet. Idempotent.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Filtering on unindexed payload fields degrades to a full scan.
	for _, field := range []string{payloadCode, payloadFileName, payloadNamespace} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func metadataPayload(m VectorMetadata) map[string]*qdrant.Value {
	payload := map[string]any{
		payloadCode:          m.Code,
		payloadMetadataSmall: m.MetadataSmall,
		payloadNamespace:     m.Namespace,
	}
	if m.FileName != "" {
		payload[payloadFileName] = m.FileName
	}
	return qdrant.NewValueMap(payload)
}

func metadataFromPayload(payload map[string]*qdrant.Value) VectorMetadata {
	return VectorMetadata{
		Code:          payload[payloadCode].GetStringValue(),
		FileName:      payload[payloadFileName].GetStringValue(),
		MetadataSmall: payload[payloadMetadataSmall].GetStringValue(),
		Namespace:     payload[payloadNamespace].GetStringValue(),
	}
}

func vectorValues(v *qdrant.VectorOutput) []float32 {
	if dense := v.GetDense(); dense != nil {
		return dense.GetData()
	}
	return v.GetData()
}

func filterConditions(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.FileName != "" {
		must = append(must, qdrant.NewMatch(payloadFileName, f.FileName))
	}
	if f.Namespace != "" {
		must = append(must, qdrant.NewMatch(payloadNamespace, f.Namespace))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func pointIDs(codes []string) []*qdrant.PointId {
	ids := make([]*qdrant.PointId, len(codes))
	for i, code := range codes {
		ids[i] = qdrant.NewIDUUID(PointID(code))
	}
	return ids
}

// Upsert stores entries with their metadata projection. Callers batch; a
// single call is one request and a failure is returned as is.
func (s *QdrantStore) Upsert(ctx context.Context, entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, entry := range entries {
		if len(entry.Values) != s.dimension {
			return fmt.Errorf("%w: %s has %d dimensions, expected %d",
				ErrDimensionMismatch, entry.ID, len(entry.Values), s.dimension)
		}
		meta := entry.Metadata
		meta.Code = entry.ID
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(entry.ID)),
			Vectors: qdrant.NewVectors(entry.Values...),
			Payload: metadataPayload(meta),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

// Fetch retrieves points by code, including their vectors.
func (s *QdrantStore) Fetch(ctx context.Context, codes []string) (map[string]VectorEntry, error) {
	found := make(map[string]VectorEntry, len(codes))
	if len(codes) == 0 {
		return found, nil
	}

	// Point ids are derived from codes, so map them back instead of trusting
	// the payload, which may be missing on damaged points.
	byPoint := make(map[string]string, len(codes))
	for _, code := range codes {
		byPoint[PointID(code)] = code
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs(codes),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get points: %w", err)
	}

	for _, point := range points {
		code, ok := byPoint[point.GetId().GetUuid()]
		if !ok {
			continue
		}
		meta := metadataFromPayload(point.GetPayload())
		found[code] = VectorEntry{
			ID:       code,
			Values:   vectorValues(point.GetVectors().GetVector()),
			Metadata: meta,
		}
	}
	return found, nil
}

// Query performs vector similarity search restricted by filter.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), s.dimension)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filterConditions(filter),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, result := range results {
		meta := metadataFromPayload(result.GetPayload())
		matches = append(matches, Match{
			ID:       meta.Code,
			Score:    float64(result.GetScore()),
			Metadata: meta,
		})
	}
	return matches, nil
}

// scroll pages through points matching filter and hands each page to visit.
// It stops after limit points when limit is positive.
func (s *QdrantStore) scroll(ctx context.Context, filter *qdrant.Filter, limit int, include []string, visit func([]*qdrant.RetrievedPoint)) error {
	var offset *qdrant.PointId
	seen := 0

	for {
		pageSize := uint32(scrollPageSize)
		if limit > 0 && limit-seen < scrollPageSize {
			pageSize = uint32(limit - seen)
		}

		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(pageSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude(include...),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return fmt.Errorf("failed to scroll points: %w", err)
		}

		page := resp.GetResult()
		visit(page)
		seen += len(page)

		offset = resp.GetNextPageOffset()
		if offset == nil || len(page) == 0 || (limit > 0 && seen >= limit) {
			return nil
		}
	}
}

// IDs scans codes of points matching filter. This is a capped filtered scan:
// when limit is hit the result under-reports the true count.
func (s *QdrantStore) IDs(ctx context.Context, filter Filter, limit int) ([]string, error) {
	var codes []string
	err := s.scroll(ctx, filterConditions(filter), limit, []string{payloadCode}, func(page []*qdrant.RetrievedPoint) {
		for _, point := range page {
			codes = append(codes, point.GetPayload()[payloadCode].GetStringValue())
		}
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// Orphans scans codes of points whose payload has no file name.
func (s *QdrantStore) Orphans(ctx context.Context, limit int) ([]string, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewIsEmpty(payloadFileName)},
	}

	var codes []string
	err := s.scroll(ctx, filter, limit, []string{payloadCode}, func(page []*qdrant.RetrievedPoint) {
		for _, point := range page {
			code := point.GetPayload()[payloadCode].GetStringValue()
			if code == "" {
				code = point.GetId().GetUuid()
			}
			codes = append(codes, code)
		}
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// FileNames returns the distinct file names present in point payloads, sorted.
func (s *QdrantStore) FileNames(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	err := s.scroll(ctx, nil, 0, []string{payloadFileName}, func(page []*qdrant.RetrievedPoint) {
		for _, point := range page {
			if name := point.GetPayload()[payloadFileName].GetStringValue(); name != "" {
				set[name] = struct{}{}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes points by code. Only points that existed before a
// successful delete call are counted.
func (s *QdrantStore) Delete(ctx context.Context, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	existing, err := s.Fetch(ctx, codes)
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return 0, nil
	}

	present := make([]string, 0, len(existing))
	for code := range existing {
		present = append(present, code)
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs(present)...),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete points: %w", err)
	}
	return len(present), nil
}

// UpdateMetadata overwrites the payload of one point, leaving its vector as is.
func (s *QdrantStore) UpdateMetadata(ctx context.Context, code string, metadata VectorMetadata) error {
	metadata.Code = code
	_, err := s.client.OverwritePayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        metadataPayload(metadata),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(code))),
	})
	if err != nil {
		return fmt.Errorf("failed to update payload for %s: %w", code, err)
	}
	return nil
}

// Stats retrieves the total point count of the collection.
func (s *QdrantStore) Stats(ctx context.Context) (*IndexStats, error) {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return &IndexStats{
		TotalCount: info.GetPointsCount(),
		Dimension:  s.dimension,
	}, nil
}
