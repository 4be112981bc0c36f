package friendship

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the slice of persistence the engine needs.
type Store interface {
	IncreaseFriendship(ctx context.Context, userID string, personaID int64, delta float64) (float64, error)
	GetFriendship(ctx context.Context, userID string, personaID int64) (float64, error)
}

// State is the result of applying one message.
type State struct {
	Exp      float64
	Level    int
	Increase float64
}

// Engine applies the scoring function and persists the increment.
type Engine struct {
	store  Store
	logger *zap.Logger
}

// NewEngine creates a friendship engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger.Named("friendship")}
}

// ApplyMessage scores messageText and adds the increment to the
// (user, persona) record. Monotonic: the returned exp is never below the
// previous value.
func (e *Engine) ApplyMessage(ctx context.Context, userID string, personaID int64, messageText string) (State, error) {
	increase := CalculateExp(messageText)
	exp, err := e.store.IncreaseFriendship(ctx, userID, personaID, increase)
	if err != nil {
		return State{}, fmt.Errorf("apply friendship: %w", err)
	}
	state := State{Exp: exp, Level: LevelForExp(exp), Increase: increase}
	e.logger.Info("Friendship updated",
		zap.String("user_id", userID),
		zap.Int64("persona_id", personaID),
		zap.Float64("increase", increase),
		zap.Float64("exp", state.Exp),
		zap.Int("level", state.Level))
	return state, nil
}

// Lookup returns the current state without mutating it.
func (e *Engine) Lookup(ctx context.Context, userID string, personaID int64) (State, error) {
	exp, err := e.store.GetFriendship(ctx, userID, personaID)
	if err != nil {
		return State{}, fmt.Errorf("lookup friendship: %w", err)
	}
	return State{Exp: exp, Level: LevelForExp(exp)}, nil
}
