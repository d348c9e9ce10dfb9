package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/finlink-dev/finlink/domain"
	finerrors "github.com/finlink-dev/finlink/errors"
)

const ConnectionsCollection = "provider_connections"

// ConnectionRepository is the MongoDB implementation of
// domain.ConnectionRepository.
type ConnectionRepository struct {
	coll *mongo.Collection
}

func NewConnectionRepository(ctx context.Context, db *mongo.Database) (domain.ConnectionRepository, error) {
	repo := &ConnectionRepository{coll: db.Collection(ConnectionsCollection)}
	if err := repo.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure connection indexes: %w", err)
	}
	return repo, nil
}

// ensureIndexes backs the "active connection for this business" query used by
// every other part of the system.
func (r *ConnectionRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index().SetName("status_scan"),
		},
	})
	return err
}

func (r *ConnectionRepository) Insert(ctx context.Context, conn *domain.Connection) error {
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	_, err := r.coll.InsertOne(ctx, conn)
	return err
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, finerrors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepository) GetActiveByBusiness(ctx context.Context, businessID string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.coll.FindOne(ctx, bson.M{
		"business_id": businessID,
		"status":      domain.StatusActive,
	}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, finerrors.ErrNoActiveConnection
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepository) ListActive(ctx context.Context) ([]*domain.Connection, error) {
	cursor, err := r.coll.Find(ctx, bson.M{"status": domain.StatusActive})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var conns []*domain.Connection
	if err := cursor.All(ctx, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	// expires_at only ever moves forward: a refresh that lost a race against a
	// newer refresh must not roll the expiry back.
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "expires_at": bson.M{"$lt": expiresAt}},
		r.tokenUpdate(accessTokenEnc, refreshTokenEnc, expiresAt),
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		// Row exists but already carries a later expiry. The caller decides
		// whether that means a lost race or a rotation that must win anyway.
		return finerrors.ErrStaleTokenWrite
	}
	return nil
}

func (r *ConnectionRepository) ReplaceTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		r.tokenUpdate(accessTokenEnc, refreshTokenEnc, expiresAt),
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return finerrors.ErrConnectionNotFound
	}
	return nil
}

func (r *ConnectionRepository) tokenUpdate(accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"access_token_encrypted":  accessTokenEnc,
		"refresh_token_encrypted": refreshTokenEnc,
		"expires_at":              expiresAt.UTC(),
		"updated_at":              time.Now().UTC(),
	}}
}

func (r *ConnectionRepository) SetStatus(ctx context.Context, id string, status domain.ConnectionStatus, reason string) error {
	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	update := bson.M{"$set": set}
	if status == domain.StatusInactive {
		set["inactive_reason"] = reason
	} else {
		update["$unset"] = bson.M{"inactive_reason": ""}
	}

	result, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return finerrors.ErrConnectionNotFound
	}
	return nil
}

func (r *ConnectionRepository) DeactivateForBusiness(ctx context.Context, businessID, reason string) error {
	_, err := r.coll.UpdateMany(ctx,
		bson.M{"business_id": businessID, "status": domain.StatusActive},
		bson.M{"$set": bson.M{
			"status":          domain.StatusInactive,
			"inactive_reason": reason,
			"updated_at":      time.Now().UTC(),
		}},
	)
	return err
}

func (r *ConnectionRepository) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_synced_at": at.UTC()}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return finerrors.ErrConnectionNotFound
	}
	return nil
}
