// Package qdrant implements the vector store contract over Qdrant's gRPC
// API.
//
// Chunk identifiers are strings, while Qdrant points are keyed by UUID, so
// each point gets a deterministic UUIDv5 derived from its chunk id; the
// original id travels in the payload and is restored on query.
package qdrant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/koopa0/corpus/internal/vector"
)

// idField is the payload key carrying the original chunk id.
const idField = "_id"

// pointNamespace is the UUIDv5 namespace for chunk ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("corpus/chunk"))

// Store talks to one Qdrant instance. Safe for concurrent use.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	apiKey      string
}

// New connects to Qdrant's gRPC port. An empty apiKey disables
// authentication headers.
func New(host string, port int, apiKey string) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		apiKey:      apiKey,
	}, nil
}

// withAuth attaches the api-key header expected by Qdrant.
func (s *Store) withAuth(ctx context.Context) context.Context {
	if s.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.apiKey)
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	ctx = s.withAuth(ctx)

	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: name,
	})
	if err != nil {
		return classify(err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		// A concurrent EnsureCollection may have won the race.
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]*pb.Value, len(p.Payload)+1)
		payload[idField] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: p.ID}}
		for k, v := range p.Payload {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		structs[i] = &pb.PointStruct{
			Id:      pointID(p.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(s.withAuth(ctx), &pb.UpsertPoints{
		CollectionName: name,
		Points:         structs,
		Wait:           &wait,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, name string, vec []float32, topK int, filter vector.Filter) ([]vector.Match, error) {
	resp, err := s.points.Search(s.withAuth(ctx), &pb.SearchPoints{
		CollectionName: name,
		Vector:         vec,
		Limit:          uint64(topK),
		Filter:         buildFilter(filter),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		// An absent collection is an empty index, not a failure.
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, classify(err)
	}

	matches := make([]vector.Match, 0, len(resp.Result))
	for _, pt := range resp.Result {
		id := pt.Id.GetUuid()
		payload := make(map[string]string, len(pt.Payload))
		for k, v := range pt.Payload {
			if k == idField {
				id = v.GetStringValue()
				continue
			}
			payload[k] = v.GetStringValue()
		}
		matches = append(matches, vector.Match{
			ID:      id,
			Score:   vector.NormalizeCosine(float64(pt.Score)),
			Payload: payload,
		})
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, name string, sel vector.Selector) error {
	var selector *pb.PointsSelector
	switch {
	case len(sel.IDs) > 0:
		ids := make([]*pb.PointId, len(sel.IDs))
		for i, id := range sel.IDs {
			ids[i] = pointID(id)
		}
		selector = &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: ids},
			},
		}
	case len(sel.Filter) > 0:
		selector = &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: buildFilter(sel.Filter)},
		}
	default:
		return nil
	}

	wait := true
	_, err := s.points.Delete(s.withAuth(ctx), &pb.DeletePoints{
		CollectionName: name,
		Points:         selector,
		Wait:           &wait,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	_, err := s.collections.Delete(s.withAuth(ctx), &pb.DeleteCollection{CollectionName: name})
	if err != nil && status.Code(err) != codes.NotFound {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// pointID derives the deterministic UUID point id for a chunk id.
func pointID(id string) *pb.PointId {
	u := uuid.NewSHA1(pointNamespace, []byte(id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

// buildFilter translates the portable filter: values under one key OR-ed
// via keyword match-any, keys AND-ed under Must.
func buildFilter(filter vector.Filter) *pb.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(filter))
	for key, values := range filter {
		var match *pb.Match
		if len(values) == 1 {
			match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: values[0]}}
		} else {
			match = &pb.Match{MatchValue: &pb.Match_Keywords{
				Keywords: &pb.RepeatedStrings{Strings: values},
			}}
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: key, Match: match},
			},
		})
	}
	return &pb.Filter{Must: must}
}

// classify maps gRPC failures onto the store error taxonomy.
func classify(err error) error {
	var serr *vector.StoreError
	if errors.As(err, &serr) {
		return err
	}
	kind := vector.KindUnavailable
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		kind = vector.KindAuthRejected
	}
	return &vector.StoreError{Kind: kind, Backend: "qdrant", Err: err}
}
