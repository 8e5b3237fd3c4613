package databases

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"adaptiverag/internal/ragerr"
)

// Qdrant only allows UUIDs and positive integers as point IDs.
// So we generate a deterministic UUID based on the original ID.
// And store the original ID in the payload.
const PAYLOAD_ID_FIELD = "_original_id"

// payloadTextField holds the chunk's text so Scroll/Retrieve can hand it
// back to the BM25 index builder without a second round trip.
const payloadTextField = "_text"

type qdrantVector struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string // cosine|l2|euclidean|ip|dot|manhattan
}

// NewQdrantVector creates a new Qdrant-backed VectorStore.
// Note: The Go client uses Qdrant's gRPC API, which runs on port 6334 by default.
//
// Optionally, an API key can be provided as a query parameter: "http://localhost:6334?api_key=your_api_key"
func NewQdrantVector(dsn string, collection string, dimensions int, metric string) (VectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse Qdrant DSN: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in Qdrant DSN: %w", err)
	}
	config := &qdrant.Config{
		Host: host,
		Port: portNum,
	}
	if parsedURL.Scheme == "https" {
		config.UseTLS = true
	}

	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		config.APIKey = apiKey
	}
	client, err := qdrant.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create Qdrant client: %w", err)
	}
	qv := &qdrantVector{
		client:     client,
		collection: collection,
		dimension:  dimensions,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	if dimensions > 0 {
		if err := qv.EnsureCollection(context.Background(), dimensions); err != nil {
			client.Close()
			return nil, err
		}
	}
	return qv, nil
}

// EnsureCollection is idempotent for a stable vector size. If the collection
// already exists with a different size it reports a typed INPUT_VALIDATION
// error instead of silently recreating it.
func (q *qdrantVector) EnsureCollection(ctx context.Context, size int) error {
	if size <= 0 {
		return ragerr.New(ragerr.InputValidation, "vector size must be > 0")
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return fmt.Errorf("get collection info: %w", err)
		}
		if info != nil && info.GetConfig() != nil {
			if vp := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); vp != nil {
				if existing := int(vp.GetSize()); existing != 0 && existing != size {
					return ragerr.New(ragerr.InputValidation,
						fmt.Sprintf("collection %q exists with vector size %d, requested %d", q.collection, existing, size))
				}
			}
		}
		q.dimension = size
		return nil
	}

	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default: // cosine
		distance = qdrant.Distance_Cosine
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	q.dimension = size
	return nil
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *qdrantVector) Upsert(ctx context.Context, id string, vector []float32, text string, metadata map[string]string) error {
	uuidStr := pointUUID(id)
	metadataAny := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		metadataAny[k] = v
	}
	if uuidStr != id {
		metadataAny[PAYLOAD_ID_FIELD] = id
	}
	if text != "" {
		metadataAny[payloadTextField] = text
	}
	payload := qdrant.NewValueMap(metadataAny)
	pointID := qdrant.NewIDUUID(uuidStr)
	vec := make([]float32, len(vector))
	copy(vec, vector)
	points := []*qdrant.PointStruct{
		{
			Id:      pointID,
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		},
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	return err
}

func (q *qdrantVector) Delete(ctx context.Context, id string) error {
	pointID := qdrant.NewIDUUID(pointUUID(id))
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointID),
	})
	return err
}

func (q *qdrantVector) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		queryFilter = &qdrant.Filter{
			Must: must,
		}
	}
	limit := uint64(k)
	searchResult, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	results := make([]VectorResult, 0, len(searchResult))
	for _, hit := range searchResult {
		id, metadata, _ := splitPayload(hit.Id, hit.Payload)
		results = append(results, VectorResult{
			ID:       id,
			Score:    float64(hit.Score),
			Metadata: metadata,
		})
	}
	return results, nil
}

// Scroll walks the collection in pages, handing each page's points (with
// their original ids, vectors and text) to fn. Used by the BM25 index
// builder (C3) to construct its keyword index from the vector store.
func (q *qdrantVector) Scroll(ctx context.Context, batch int, fn func([]VectorPoint) bool) error {
	if batch <= 0 {
		batch = 256
	}
	limit := uint32(batch)
	var offset *qdrant.PointId
	for {
		resp, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		if len(resp) == 0 {
			return nil
		}
		points := make([]VectorPoint, 0, len(resp))
		for _, p := range resp {
			id, metadata, text := splitPayload(p.Id, p.Payload)
			var vec []float32
			if v := p.GetVectors(); v != nil {
				vec = v.GetVector().GetData()
			}
			points = append(points, VectorPoint{ID: id, Vector: vec, Text: text, Metadata: metadata})
		}
		if !fn(points) {
			return nil
		}
		if len(resp) < batch {
			return nil
		}
		offset = resp[len(resp)-1].Id
	}
}

// Retrieve fetches points by their original (non-UUID) ids.
func (q *qdrantVector) Retrieve(ctx context.Context, ids []string) ([]VectorPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(pointUUID(id)))
	}
	resp, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]VectorPoint, 0, len(resp))
	for _, p := range resp {
		id, metadata, text := splitPayload(p.Id, p.Payload)
		var vec []float32
		if v := p.GetVectors(); v != nil {
			vec = v.GetVector().GetData()
		}
		out = append(out, VectorPoint{ID: id, Vector: vec, Text: text, Metadata: metadata})
	}
	return out, nil
}

func splitPayload(rawID *qdrant.PointId, payload map[string]*qdrant.Value) (id string, metadata map[string]string, text string) {
	uuidStr := ""
	if rawID != nil {
		uuidStr = rawID.GetUuid()
		if uuidStr == "" {
			uuidStr = rawID.String()
		}
	}
	metadata = make(map[string]string)
	var originalID string
	for k, v := range payload {
		switch k {
		case PAYLOAD_ID_FIELD:
			originalID = v.GetStringValue()
		case payloadTextField:
			text = v.GetStringValue()
		default:
			metadata[k] = v.GetStringValue()
		}
	}
	id = originalID
	if id == "" {
		id = uuidStr
	}
	return id, metadata, text
}

func (q *qdrantVector) Dimension() int { return q.dimension }

func (q *qdrantVector) Close() error {
	return q.client.Close()
}
