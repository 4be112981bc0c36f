// Package store is the persistence collaborator: rooms, personas, chat logs
// and friendship records. Chat logs written by the worker carry the job id so
// a retried job can detect replies it already produced.
package store

import "time"

// SenderType distinguishes user messages from persona replies.
type SenderType string

const (
	SenderUser SenderType = "user"
	SenderAI   SenderType = "ai"
)

// Room is a conversation context grouping one user-facing room with
// one or more AI personas.
type Room struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"size:128"`
	IsGroup   bool
	CreatedAt time.Time

	Participants []RoomParticipant `gorm:"foreignKey:RoomID"`
}

// Persona is an AI character definition. CRUD lives elsewhere; the worker
// only reads these.
type Persona struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"size:64"`
	Personality string
	Tone        string
	ImageURL    string
}

// RoomParticipant links a persona into a room.
type RoomParticipant struct {
	ID        int64 `gorm:"primaryKey"`
	RoomID    int64 `gorm:"index"`
	PersonaID int64

	Persona Persona `gorm:"foreignKey:PersonaID"`
}

// ChatLog is one persisted message. AI rows carry the job id that produced
// them: the row doubles as the record "this job already generated this
// persona's reply", which retried jobs consult before re-applying side
// effects. The partial unique index on (JobID, SenderID) enforces at most
// one AI reply per (job, persona) even when two workers run the same job at
// once; user rows have no job id and sit outside it.
type ChatLog struct {
	ID         string `gorm:"primaryKey;size:36"`
	RoomID     int64  `gorm:"index:idx_room_time,priority:1"`
	JobID      string `gorm:"size:36;uniqueIndex:idx_job_sender,priority:1,where:sender_type = 'ai'"`
	SenderType SenderType
	SenderID   string `gorm:"size:64;uniqueIndex:idx_job_sender,priority:2"`
	Text       string
	CreatedAt  time.Time `gorm:"index:idx_room_time,priority:2"`
}

// Friendship holds cumulative exp per (user, persona). Level is always
// derived from Exp and never stored.
type Friendship struct {
	UserID    string  `gorm:"primaryKey;size:64"`
	PersonaID int64   `gorm:"primaryKey"`
	Exp       float64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
