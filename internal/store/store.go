package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrRoomNotFound is returned when a referenced room does not exist (or was
// deleted). The worker treats this as a fatal, non-retryable job error.
var ErrRoomNotFound = errors.New("room not found")

// ErrReplyExists is returned when an AI reply for the same (job, persona)
// already landed, meaning a concurrent or earlier attempt won the insert.
// Callers deliver the existing row instead of re-applying side effects.
var ErrReplyExists = errors.New("reply already recorded for job")

// Store wraps the database handle and exposes the repositories the pipeline
// needs. Everything takes a context so callers control deadlines.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the sqlite database at path (":memory:" for tests) and
// migrates the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Room{}, &Persona{}, &RoomParticipant{}, &ChatLog{}, &Friendship{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: log.Named("store")}, nil
}

// DB exposes the underlying handle for seeding in tests.
func (s *Store) DB() *gorm.DB { return s.db }

// GetRoomWithParticipants loads a room and its persona participants.
func (s *Store) GetRoomWithParticipants(ctx context.Context, roomID int64) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).
		Preload("Participants.Persona").
		First(&room, roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %d: %w", roomID, err)
	}
	return &room, nil
}

// GetPersona loads one persona by id.
func (s *Store) GetPersona(ctx context.Context, personaID int64) (*Persona, error) {
	var p Persona
	if err := s.db.WithContext(ctx).First(&p, personaID).Error; err != nil {
		return nil, fmt.Errorf("load persona %d: %w", personaID, err)
	}
	return &p, nil
}

// CreateChatLog persists one message row. Inserting a second AI reply for
// the same (job, persona) returns ErrReplyExists.
func (s *Store) CreateChatLog(ctx context.Context, log *ChatLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && log.SenderType == SenderAI {
			return fmt.Errorf("job %s persona %s: %w", log.JobID, log.SenderID, ErrReplyExists)
		}
		return fmt.Errorf("create chat log: %w", err)
	}
	return nil
}

// RecentChatLogs returns up to limit messages for a room, most recent first.
func (s *Store) RecentChatLogs(ctx context.Context, roomID int64, limit int) ([]ChatLog, error) {
	var logs []ChatLog
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("load chat history for room %d: %w", roomID, err)
	}
	return logs, nil
}

// ReplyForJob returns the already-persisted AI reply for (jobID, personaID),
// or nil if this job has not produced one yet. This is the idempotency check
// a retried job runs before regenerating.
func (s *Store) ReplyForJob(ctx context.Context, jobID string, personaID int64) (*ChatLog, error) {
	var log ChatLog
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND sender_id = ? AND sender_type = ?",
			jobID, fmt.Sprintf("%d", personaID), SenderAI).
		First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup reply for job %s: %w", jobID, err)
	}
	return &log, nil
}

// IncreaseFriendship adds delta exp to the (user, persona) record, creating
// it if absent, and returns the new cumulative exp. Exp never decreases:
// negative deltas are ignored.
func (s *Store) IncreaseFriendship(ctx context.Context, userID string, personaID int64, delta float64) (float64, error) {
	if delta < 0 {
		delta = 0
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "persona_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"exp":        gorm.Expr("exp + ?", delta),
			"updated_at": time.Now(),
		}),
	}).Create(&Friendship{
		UserID:    userID,
		PersonaID: personaID,
		Exp:       delta,
		UpdatedAt: time.Now(),
	}).Error
	if err != nil {
		return 0, fmt.Errorf("increase friendship: %w", err)
	}

	var f Friendship
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&f).Error; err != nil {
		return 0, fmt.Errorf("reload friendship: %w", err)
	}
	// Keep the stored exp at one decimal place, matching the scoring function.
	return math.Round(f.Exp*10) / 10, nil
}

// GetFriendship returns cumulative exp for (user, persona), 0 when absent.
func (s *Store) GetFriendship(ctx context.Context, userID string, personaID int64) (float64, error) {
	var f Friendship
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load friendship: %w", err)
	}
	return f.Exp, nil
}

// MessageCounts returns how many user and AI messages a room has.
func (s *Store) MessageCounts(ctx context.Context, roomID int64) (users int64, ais int64, err error) {
	if err = s.db.WithContext(ctx).Model(&ChatLog{}).
		Where("room_id = ? AND sender_type = ?", roomID, SenderUser).
		Count(&users).Error; err != nil {
		return 0, 0, fmt.Errorf("count user messages: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&ChatLog{}).
		Where("room_id = ? AND sender_type = ?", roomID, SenderAI).
		Count(&ais).Error; err != nil {
		return 0, 0, fmt.Errorf("count ai messages: %w", err)
	}
	return users, ais, nil
}
