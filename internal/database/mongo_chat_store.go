package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatcore/internal/models"
)

// MongoChatStore persists sessions, chat logs and quality metrics in MongoDB
type MongoChatStore struct {
	db  *MongoDB
	now func() time.Time
}

// NewMongoChatStore creates a chat store on a connected MongoDB
func NewMongoChatStore(db *MongoDB) *MongoChatStore {
	return &MongoChatStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type qualityMetricsDoc struct {
	InteractionID         primitive.ObjectID `bson:"interactionId"`
	HelpfulnessScore      float64            `bson:"helpfulnessScore"`
	HallucinationRisk     float64            `bson:"hallucinationRisk"`
	FactualGroundingScore float64            `bson:"factualGroundingScore"`
	SentimentScore        float64            `bson:"sentimentScore"`
	Source                string             `bson:"source"`
	CreatedAt             time.Time          `bson:"createdAt"`
}

func (s *MongoChatStore) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		SessionID: models.NewSessionID(userID, now),
		UserID:    userID,
		StartTime: now,
	}

	if _, err := s.db.Collection(CollectionChatSessions).InsertOne(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *MongoChatStore) UpdateSessionStats(ctx context.Context, sessionID string, successful bool) error {
	res, err := s.db.Collection(CollectionChatSessions).UpdateOne(ctx,
		bson.M{"sessionId": sessionID},
		bson.M{
			"$inc": bson.M{"totalMessages": 1},
			"$set": bson.M{"successful": successful, "updatedAt": s.now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

func (s *MongoChatStore) SaveChatLog(ctx context.Context, rec models.ChatLog) (string, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	res, err := s.db.Collection(CollectionChatLogs).InsertOne(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to save chat log: %w", err)
	}

	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected chat log id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

// RecordQualityMetrics links metrics to the chat log with id logID. An empty or
// unknown id is ErrNoChatLog.
func (s *MongoChatStore) RecordQualityMetrics(ctx context.Context, logID string, q models.QualityMetrics) error {
	interactionID, err := chatLogObjectID(logID)
	if err != nil {
		return err
	}

	err = s.db.Collection(CollectionChatLogs).FindOne(ctx,
		bson.M{"_id": interactionID},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNoChatLog
	}
	if err != nil {
		return fmt.Errorf("failed to find chat log: %w", err)
	}

	doc := qualityMetricsDoc{
		InteractionID:         interactionID,
		HelpfulnessScore:      q.HelpfulnessScore,
		HallucinationRisk:     q.HallucinationRisk,
		FactualGroundingScore: q.FactualGroundingScore,
		SentimentScore:        q.SentimentScore,
		Source:                q.Source,
		CreatedAt:             s.now(),
	}
	if _, err := s.db.Collection(CollectionQualityMetrics).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to record quality metrics: %w", err)
	}
	return nil
}

func (s *MongoChatStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	logs := s.db.Collection(CollectionChatLogs)
	filter := bson.M{"timestamp": bson.M{"$lt": cutoff}}

	cursor, err := logs.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("failed to find expired logs: %w", err)
	}
	var expired []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &expired); err != nil {
		return 0, fmt.Errorf("failed to read expired logs: %w", err)
	}

	if len(expired) > 0 {
		ids := make([]primitive.ObjectID, len(expired))
		for i, e := range expired {
			ids[i] = e.ID
		}
		if _, err := s.db.Collection(CollectionQualityMetrics).DeleteMany(ctx, bson.M{"interactionId": bson.M{"$in": ids}}); err != nil {
			return 0, fmt.Errorf("failed to delete expired metrics: %w", err)
		}
	}

	logRes, err := logs.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired logs: %w", err)
	}
	sessionRes, err := s.db.Collection(CollectionChatSessions).DeleteMany(ctx, bson.M{"startTime": bson.M{"$lt": cutoff}})
	if err != nil {
		return logRes.DeletedCount, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	return logRes.DeletedCount + sessionRes.DeletedCount, nil
}

func (s *MongoChatStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func chatLogObjectID(logID string) (primitive.ObjectID, error) {
	if logID == "" {
		return primitive.NilObjectID, ErrNoChatLog
	}
	id, err := primitive.ObjectIDFromHex(logID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid chat log id %q: %w", logID, err)
	}
	return id, nil
}
