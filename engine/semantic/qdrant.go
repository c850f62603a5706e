package semantic

import (
	"context"
	"fmt"
	"sync/atomic"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kisan-ai/kcc-assistant/engine/domain"
)

// QdrantIndex serves searches from a Qdrant collection whose point IDs are
// corpus positions. The collection uses Euclid distance; scores are squared
// on the way out so they sit on the same scale as FlatIndex.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
	count       atomic.Int64
}

// NewQdrantIndex connects to Qdrant at the given gRPC address.
func NewQdrantIndex(addr, collection string, dims int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	q := NewQdrantIndexWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	q.conn = conn
	return q, nil
}

// NewQdrantIndexWithClients builds an index over existing gRPC clients.
func NewQdrantIndexWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, dims int) *QdrantIndex {
	return &QdrantIndex{
		points:      points,
		collections: collections,
		collection:  collection,
		dims:        dims,
	}
}

// Close closes the underlying gRPC connection, if the index owns one.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func (q *QdrantIndex) Dimensions() int { return q.dims }

// Len is the point count seen by the last Refresh or Upsert.
func (q *QdrantIndex) Len() int { return int(q.count.Load()) }

// Refresh reads the collection's point count and vector size. A size other
// than the configured dimensions is an error.
func (q *QdrantIndex) Refresh(ctx context.Context) error {
	resp, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("semantic: collection info %s: %w", q.collection, err)
	}
	info := resp.GetResult()
	size := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
	if size != q.dims {
		return fmt.Errorf("semantic: collection %s: %w", q.collection, &domain.DimensionError{Want: q.dims, Got: size})
	}
	q.count.Store(int64(info.GetPointsCount()))
	return nil
}

// Points refreshes and returns the collection's point count.
func (q *QdrantIndex) Points(ctx context.Context) (int64, error) {
	if err := q.Refresh(ctx); err != nil {
		return 0, err
	}
	return q.count.Load(), nil
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (q *QdrantIndex) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: q.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	q.count.Store(0)
	return nil
}

// Upsert stores vectors at positions start, start+1, ... with their record
// text as payload.
func (q *QdrantIndex) Upsert(ctx context.Context, start int64, texts []string, vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	if len(texts) != len(vecs) {
		return fmt.Errorf("semantic: upsert: %d texts for %d vectors", len(texts), len(vecs))
	}

	points := make([]*pb.PointStruct, len(vecs))
	for i, v := range vecs {
		if len(v) != q.dims {
			return fmt.Errorf("semantic: upsert: %w", &domain.DimensionError{Want: q.dims, Got: len(v)})
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Num{Num: uint64(start) + uint64(i)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: v},
				},
			},
			Payload: map[string]*pb.Value{
				"text": {Kind: &pb.Value_StringValue{StringValue: texts[i]}},
			},
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(vecs), err)
	}
	if end := start + int64(len(vecs)); end > q.count.Load() {
		q.count.Store(end)
	}
	return nil
}

// Search performs a k-NN query. It returns at most k hits.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != q.dims {
		return nil, &domain.DimensionError{Want: q.dims, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		id, ok := r.GetId().GetPointIdOptions().(*pb.PointId_Num)
		if !ok {
			continue
		}
		d := r.GetScore()
		hits = append(hits, Hit{Distance: d * d, ID: int64(id.Num)})
	}
	return hits, nil
}
