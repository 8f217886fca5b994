package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/xbutler/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const defaultVectorDimension = 512

// QdrantConnectionConfig holds configuration for the Qdrant connection.
type QdrantConnectionConfig struct {
	Host   string
	Port   int
	APIKey string // Qdrant Cloud API key, enables TLS
	UseTLS bool
}

// apiKeyInterceptor adds the API key to every unary call's metadata.
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantClient owns the gRPC connection shared by every collection index.
type QdrantClient struct {
	conn          *grpc.ClientConn
	serviceClient pb.QdrantClient
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
}

// NewQdrantClient dials Qdrant. Local instances use plaintext; an API key or UseTLS switches to TLS 1.3.
func NewQdrantClient(cfg *QdrantConnectionConfig) (*QdrantClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantClient{
		conn:          conn,
		serviceClient: pb.NewQdrantClient(conn),
		pointsClient:  pb.NewPointsClient(conn),
		collectClient: pb.NewCollectionsClient(conn),
	}, nil
}

// HealthCheck asks the server for its health status.
func (c *QdrantClient) HealthCheck(ctx context.Context) error {
	if _, err := c.serviceClient.HealthCheck(ctx, &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (c *QdrantClient) Close() error {
	return c.conn.Close()
}

// QdrantIndex is one cosine collection whose points carry a single integer payload id.
type QdrantIndex struct {
	client          *QdrantClient
	collectionName  string
	payloadKey      string
	vectorDimension int
}

// Index returns the index for one collection.
// Parameters:
//   - collection: Qdrant collection name.
//   - payloadKey: payload field holding the metadata-store id, e.g. "resource_id".
//   - dim: vector dimension; non-positive uses the default.
//
// Returns:
//   - *QdrantIndex: index bound to the collection.
func (c *QdrantClient) Index(collection, payloadKey string, dim int) *QdrantIndex {
	if dim <= 0 {
		dim = defaultVectorDimension
	}
	return &QdrantIndex{
		client:          c,
		collectionName:  collection,
		payloadKey:      payloadKey,
		vectorDimension: dim,
	}
}

// Name returns the collection name.
func (r *QdrantIndex) Name() string {
	return r.collectionName
}

// EnsureCollection creates the collection if it doesn't exist and checks its dimension if it does.
func (r *QdrantIndex) EnsureCollection(ctx context.Context) error {
	info, err := r.client.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
		}
		return nil
	}

	_, err = r.client.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", r.collectionName, err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if params.GetSize() > 0 {
			return params.GetSize(), true
		}
	}
	return 0, false
}

// Insert appends a point tagged with payloadID and returns the generated point id.
// The call waits for the write to be applied so a following search sees it.
func (r *QdrantIndex) Insert(ctx context.Context, payloadID uint, vector []float32) (string, error) {
	if len(vector) != r.vectorDimension {
		return "", fmt.Errorf("vector has %d dimensions, collection %s expects %d", len(vector), r.collectionName, r.vectorDimension)
	}

	pointID := uuid.New().String()
	wait := true
	_, err := r.client.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pb.NewIDUUID(pointID),
				Vectors: pb.NewVectors(vector...),
				Payload: map[string]*pb.Value{
					r.payloadKey:       pb.NewValueInt(int64(payloadID)),
					payloadInsertedKey: pb.NewValueInt(time.Now().UnixNano()),
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert point into %s: %w", r.collectionName, err)
	}
	return pointID, nil
}

// Search returns up to topK matches ranked by similarity, ties by insertion order.
func (r *QdrantIndex) Search(ctx context.Context, vector []float32, topK int) ([]domain.Match, error) {
	return searchRanked(ctx, topK, func(ctx context.Context, limit int) ([]rankedHit, bool, error) {
		resp, err := r.client.pointsClient.Search(ctx, &pb.SearchPoints{
			CollectionName: r.collectionName,
			Vector:         vector,
			Limit:          uint64(limit),
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to search %s: %w", r.collectionName, err)
		}

		hits := make([]rankedHit, 0, len(resp.GetResult()))
		for _, scored := range resp.GetResult() {
			payload := scored.GetPayload()
			hits = append(hits, rankedHit{
				match: domain.Match{
					Similarity: scored.GetScore(),
					PayloadID:  uint(payload[r.payloadKey].GetIntegerValue()),
				},
				insertedAt: payload[payloadInsertedKey].GetIntegerValue(),
			})
		}
		return hits, len(hits) < limit, nil
	})
}

// Delete removes a point by id.
func (r *QdrantIndex) Delete(ctx context.Context, pointID string) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	wait := true
	_, err = r.client.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{pb.NewIDUUID(uid.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point from %s: %w", r.collectionName, err)
	}
	return nil
}
