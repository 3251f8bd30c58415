package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zebpalmer/mongoelector/internal/metrics"
)

// MongoStore implements Store on top of a connected mongo database. The
// caller owns the client; connection management, retries, and TLS are the
// driver's concern.
type MongoStore struct {
	db     *mongo.Database
	locks  *mongo.Collection
	status *mongo.Collection
}

// MongoStoreConfig configures collection names. Zero values select the
// defaults.
type MongoStoreConfig struct {
	LockCollection   string
	StatusCollection string
}

// NewMongoStore creates a store over the given database.
func NewMongoStore(db *mongo.Database, cfg MongoStoreConfig) *MongoStore {
	if cfg.LockCollection == "" {
		cfg.LockCollection = DefaultLockCollection
	}
	if cfg.StatusCollection == "" {
		cfg.StatusCollection = DefaultStatusCollection
	}
	return &MongoStore{
		db:     db,
		locks:  db.Collection(cfg.LockCollection),
		status: db.Collection(cfg.StatusCollection),
	}
}

// EnsureIndexes creates the indexes the coordination protocol relies on:
// a unique index on the lock key, so racing creates collapse to one
// winner, and a unique compound index on (election_key, owner_id) for
// status documents.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_key"),
	})
	if err != nil {
		return fmt.Errorf("create lock index: %w", err)
	}

	_, err = s.status.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "election_key", Value: 1},
			{Key: "owner_id", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("uniq_election_owner"),
	})
	if err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateIfAbsent(ctx context.Context, lock *Lock) error {
	timer := metrics.StoreOpTimer("create")
	defer timer.ObserveDuration()

	_, err := s.locks.InsertOne(ctx, lock)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return s.transport("create", err)
	}
	return nil
}

func (s *MongoStore) UpdateIfMatch(ctx context.Context, key, ownerID string, expiresAt time.Time) error {
	timer := metrics.StoreOpTimer("update")
	defer timer.ObserveDuration()

	filter := bson.M{"key": key, "owner_id": ownerID}
	update := bson.M{"$set": bson.M{"ts_expire": expiresAt}}

	result, err := s.locks.UpdateOne(ctx, filter, update)
	if err != nil {
		return s.transport("update", err)
	}
	if result.MatchedCount == 0 {
		return ErrMismatch
	}
	return nil
}

func (s *MongoStore) DeleteIfMatch(ctx context.Context, key, ownerID string) error {
	timer := metrics.StoreOpTimer("delete")
	defer timer.ObserveDuration()

	result, err := s.locks.DeleteOne(ctx, bson.M{"key": key, "owner_id": ownerID})
	if err != nil {
		return s.transport("delete", err)
	}
	if result.DeletedCount == 0 {
		return ErrMismatch
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	timer := metrics.StoreOpTimer("delete")
	defer timer.ObserveDuration()

	_, err := s.locks.DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return s.transport("delete", err)
	}
	return nil
}

func (s *MongoStore) Find(ctx context.Context, key string) (*Lock, error) {
	timer := metrics.StoreOpTimer("find")
	defer timer.ObserveDuration()

	var lock Lock
	err := s.locks.FindOne(ctx, bson.M{"key": key}).Decode(&lock)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, s.transport("find", err)
	}
	return &lock, nil
}

// ServerNow reads the server clock via the hello command's localTime
// field, so expiry math never depends on the client's wall clock.
func (s *MongoStore) ServerNow(ctx context.Context) (time.Time, error) {
	timer := metrics.StoreOpTimer("server_now")
	defer timer.ObserveDuration()

	var reply struct {
		LocalTime time.Time `bson:"localTime"`
	}
	err := s.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply)
	if err != nil {
		return time.Time{}, s.transport("server_now", err)
	}
	return reply.LocalTime, nil
}

func (s *MongoStore) UpsertStatus(ctx context.Context, status *NodeStatus) error {
	timer := metrics.StoreOpTimer("upsert_status")
	defer timer.ObserveDuration()

	filter := bson.M{"election_key": status.ElectionKey, "owner_id": status.OwnerID}
	update := bson.M{"$set": bson.M{
		"host":         status.Host,
		"pid":          status.PID,
		"app_version":  status.AppVersion,
		"is_leader":    status.IsLeader,
		"ts_heartbeat": status.Heartbeat,
		"state":        status.State,
	}}

	_, err := s.status.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return s.transport("upsert_status", err)
	}
	return nil
}

func (s *MongoStore) DeleteStatus(ctx context.Context, electionKey, ownerID string) error {
	timer := metrics.StoreOpTimer("delete_status")
	defer timer.ObserveDuration()

	_, err := s.status.DeleteOne(ctx, bson.M{"election_key": electionKey, "owner_id": ownerID})
	if err != nil {
		return s.transport("delete_status", err)
	}
	return nil
}

func (s *MongoStore) ListStatus(ctx context.Context, electionKey string) ([]NodeStatus, error) {
	timer := metrics.StoreOpTimer("list_status")
	defer timer.ObserveDuration()

	opts := options.Find().SetSort(bson.D{{Key: "owner_id", Value: 1}})
	cursor, err := s.status.Find(ctx, bson.M{"election_key": electionKey}, opts)
	if err != nil {
		return nil, s.transport("list_status", err)
	}
	defer cursor.Close(ctx)

	var statuses []NodeStatus
	if err := cursor.All(ctx, &statuses); err != nil {
		return nil, s.transport("list_status", err)
	}
	return statuses, nil
}

func (s *MongoStore) transport(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return &TransportError{Op: op, Err: err}
}
