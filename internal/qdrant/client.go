// Package qdrant provides the vector index for semantic paper search. Each
// paper is one point carrying two named vectors, "title" and "abstract", so a
// query can rank by either similarity and use the other as a tie-breaker.
package qdrant

import (
	"context"
	"fmt"
	"net"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/snowsearch/snowsearch/internal/domain"
)

// Named vectors stored per paper point.
const (
	VectorTitle    = "title"
	VectorAbstract = "abstract"
)

// Config holds the configuration for connecting to a Qdrant instance.
type Config struct {
	// Address is the host:port of the Qdrant gRPC endpoint (e.g. "localhost:6334").
	Address string
	// CollectionName is the Qdrant collection to use (e.g. "papers").
	CollectionName string
	// VectorSize is the dimensionality of the embedding vectors.
	VectorSize uint64
}

// Validate checks that all required Config fields are set.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("qdrant config: address is required")
	}
	if c.CollectionName == "" {
		return fmt.Errorf("qdrant config: collection name is required")
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant config: vector size must be > 0")
	}
	return nil
}

// PaperPoint is one paper's entry in the vector index. The point ID is derived
// deterministically from the title hash, so repeated upserts are idempotent.
// Payload fields mirror the store's filterable paper state and are rewritten
// on every upsert.
type PaperPoint struct {
	TitleHash string

	// TitleEmbedding is required; AbstractEmbedding may be nil until the
	// abstract is known.
	TitleEmbedding    []float32
	AbstractEmbedding []float32

	OpenAccess  bool
	Unprocessed bool
	HasAbstract bool
}

// SearchParams describes one nearest-neighbor query against a named vector.
type SearchParams struct {
	Vector []float32
	// Using selects the named vector to search: VectorTitle or VectorAbstract.
	Using string
	Limit uint64
	// MinScore drops results below the given cosine similarity. Must lie in
	// [-1, 1] when set.
	MinScore *float32

	UnprocessedOnly bool
	OpenAccessOnly  bool
	RequireAbstract bool
}

// Validate checks the search parameters.
func (p SearchParams) Validate() error {
	if p.Using != VectorTitle && p.Using != VectorAbstract {
		return domain.NewValidationError("using", "must be title or abstract")
	}
	if len(p.Vector) == 0 {
		return domain.NewValidationError("vector", "query vector is required")
	}
	if p.MinScore != nil && (*p.MinScore < -1 || *p.MinScore > 1) {
		return domain.NewValidationError("min_score", "must be within [-1, 1]")
	}
	return nil
}

// SearchResult is a single similarity match.
type SearchResult struct {
	TitleHash string
	Score     float32
}

// VectorStore defines the vector index operations the paper store needs.
type VectorStore interface {
	// EnsureCollection creates the collection if it does not already exist.
	EnsureCollection(ctx context.Context) error
	// Upsert writes one paper point, replacing any previous version.
	Upsert(ctx context.Context, point PaperPoint) error
	// Search runs a nearest-neighbor query over one named vector.
	Search(ctx context.Context, params SearchParams) ([]SearchResult, error)
	// Close releases the underlying gRPC connection.
	Close() error
}

// Compile-time check that Client implements VectorStore.
var _ VectorStore = (*Client)(nil)

// Client is a Qdrant vector store client speaking gRPC.
type Client struct {
	client         *pb.Client
	collectionName string
	vectorSize     uint64
}

// NewClient creates a new Qdrant client by dialing the configured gRPC address.
// The connection uses insecure credentials, suitable for internal network deployments.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("qdrant: invalid address %q: %w", cfg.Address, err)
	}

	qdrantClient, err := pb.NewClient(&pb.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
		vectorSize:     cfg.VectorSize,
	}, nil
}

// EnsureCollection checks whether the configured collection exists and creates
// it with two cosine-distance named vectors if it does not.
func (c *Client) EnsureCollection(ctx context.Context) error {
	exists, err := c.client.CollectionExists(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	params := func() *pb.VectorParams {
		return &pb.VectorParams{
			Size:     c.vectorSize,
			Distance: pb.Distance_Cosine,
		}
	}
	err = c.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: c.collectionName,
		VectorsConfig: pb.NewVectorsConfigMap(map[string]*pb.VectorParams{
			VectorTitle:    params(),
			VectorAbstract: params(),
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", c.collectionName, err)
	}

	return nil
}

// Upsert writes one paper point, replacing any previous version. The point ID
// is the UUIDv5 of the title hash, which makes the operation idempotent.
func (c *Client) Upsert(ctx context.Context, point PaperPoint) error {
	if point.TitleHash == "" {
		return domain.NewValidationError("title_hash", "title hash is required")
	}
	if uint64(len(point.TitleEmbedding)) != c.vectorSize {
		return domain.NewValidationError("title_embedding",
			fmt.Sprintf("expected %d dimensions, got %d", c.vectorSize, len(point.TitleEmbedding)))
	}
	if point.AbstractEmbedding != nil && uint64(len(point.AbstractEmbedding)) != c.vectorSize {
		return domain.NewValidationError("abstract_embedding",
			fmt.Sprintf("expected %d dimensions, got %d", c.vectorSize, len(point.AbstractEmbedding)))
	}

	vectors := map[string]*pb.Vector{
		VectorTitle: pb.NewVector(point.TitleEmbedding...),
	}
	if point.AbstractEmbedding != nil {
		vectors[VectorAbstract] = pb.NewVector(point.AbstractEmbedding...)
	}

	wait := true
	_, err := c.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pb.NewIDUUID(domain.PointID(point.TitleHash).String()),
				Vectors: pb.NewVectorsMap(vectors),
				Payload: pb.NewValueMap(map[string]any{
					"title_hash":   point.TitleHash,
					"open_access":  point.OpenAccess,
					"unprocessed":  point.Unprocessed,
					"has_abstract": point.HasAbstract,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to upsert point %s: %w", point.TitleHash, err)
	}

	return nil
}

// Search performs a nearest-neighbor query over one named vector, returning
// results ordered by cosine similarity (descending).
func (c *Client) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var conditions []*pb.Condition
	if params.UnprocessedOnly {
		conditions = append(conditions, pb.NewMatchBool("unprocessed", true))
	}
	if params.OpenAccessOnly {
		conditions = append(conditions, pb.NewMatchBool("open_access", true))
	}
	if params.RequireAbstract {
		conditions = append(conditions, pb.NewMatchBool("has_abstract", true))
	}
	var filter *pb.Filter
	if len(conditions) > 0 {
		filter = &pb.Filter{Must: conditions}
	}

	limit := params.Limit
	scored, err := c.client.Query(ctx, &pb.QueryPoints{
		CollectionName: c.collectionName,
		Query:          pb.NewQueryDense(params.Vector),
		Using:          &params.Using,
		Limit:          &limit,
		ScoreThreshold: params.MinScore,
		Filter:         filter,
		WithPayload:    pb.NewWithPayloadInclude("title_hash"),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(scored))
	for _, sp := range scored {
		titleHash := sp.Payload["title_hash"].GetStringValue()
		if titleHash == "" {
			continue
		}
		results = append(results, SearchResult{
			TitleHash: titleHash,
			Score:     sp.Score,
		})
	}

	return results, nil
}

// Close releases the gRPC connection to Qdrant.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// parseAddress splits an address string of the form "host:port" into its components.
func parseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
