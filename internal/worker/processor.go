// Package worker consumes chat jobs and runs each one end to end: load the
// room, gather history, generate (or reuse) one reply per AI participant,
// persist, deliver over the relay, and update friendship. Execution is
// at-least-once; the persisted chat-log row per (job, persona) is the record
// that a reply was already produced, so retries never double-apply side
// effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/cache"
	"github.com/companion-chat-backend/internal/friendship"
	"github.com/companion-chat-backend/internal/genai"
	"github.com/companion-chat-backend/internal/pending"
	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
)

// historyWindow bounds how many recent messages feed the prompt.
const historyWindow = 10

// contextDigestLen is how much history participates in the cache key.
const contextDigestLen = 200

// imageURLPattern strips image links the model sometimes hallucinates into
// replies.
var imageURLPattern = regexp.MustCompile(`(?i)https?://\S+\.(jpg|jpeg|png|gif|webp)`)

var multiSpace = regexp.MustCompile(`\s+`)

// Processor runs one job.
type Processor struct {
	store      *store.Store
	cache      *cache.ResponseCache
	presence   presenceChecker
	pendingBuf *pending.Buffer
	bus        relay.Bus
	engine     *friendship.Engine
	generator  genai.Generator
	groupDelay time.Duration
	logger     *zap.Logger
}

// presenceChecker is the slice of the presence tracker the processor needs.
type presenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	IsInRoom(ctx context.Context, userID string, roomID int64) (bool, error)
}

// NewProcessor wires the pipeline dependencies.
func NewProcessor(
	st *store.Store,
	respCache *cache.ResponseCache,
	pres presenceChecker,
	pendingBuf *pending.Buffer,
	bus relay.Bus,
	engine *friendship.Engine,
	gen genai.Generator,
	groupDelay time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:      st,
		cache:      respCache,
		presence:   pres,
		pendingBuf: pendingBuf,
		bus:        bus,
		engine:     engine,
		generator:  gen,
		groupDelay: groupDelay,
		logger:     logger.Named("processor"),
	}
}

// Process executes one claimed job. A nil return means the job is done; a
// queue.FatalError must not be retried; anything else is transient.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("room_id", job.RoomID),
		zap.Int("attempt", job.Attempts))
	log.Info("Processing chat job")

	room, err := p.store.GetRoomWithParticipants(ctx, job.RoomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return queue.Fatal(err)
	}
	if err != nil {
		return err
	}
	participants := aiParticipants(room)
	if len(participants) == 0 {
		return queue.Fatal(fmt.Errorf("room %d has no AI participants", job.RoomID))
	}

	history, firstExchange, err := p.loadHistory(ctx, job, participants)
	if err != nil {
		return err
	}
	contextDigest := truncate(history, contextDigestLen)

	channel := deliveryChannel(job)

	var delivered, failed int
	for i, part := range participants {
		if i > 0 && p.groupDelay > 0 {
			// Pace group rounds so replies read like a conversation.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.groupDelay):
			}
		}
		if err := p.processParticipant(ctx, job, part, participants, history, contextDigest, firstExchange, channel, log); err != nil {
			if ctx.Err() != nil || isStoreFailure(err) {
				// Store outages are job-fatal-for-now: retry the whole job.
				return err
			}
			// One persona's generation failure never aborts the others.
			log.Warn("Participant reply failed, omitting from round",
				zap.Int64("persona_id", part.PersonaID),
				zap.Error(err))
			failed++
			continue
		}
		delivered++
	}

	if delivered == 0 && failed > 0 {
		return fmt.Errorf("all %d participant replies failed", failed)
	}

	if job.StreamMode() {
		ev := relay.Event{
			Type:      relay.EventComplete,
			RoomID:    job.RoomID,
			JobID:     job.ID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := p.bus.Publish(ctx, channel, ev); err != nil {
			// Delivery failures never undo completed persistence.
			log.Warn("Publishing complete event failed", zap.Error(err))
		}
	}

	log.Info("Chat job done",
		zap.Int("delivered", delivered),
		zap.Int("omitted", failed))
	return nil
}

type participant struct {
	PersonaID int64
	Persona   store.Persona
}

func aiParticipants(room *store.Room) []participant {
	out := make([]participant, 0, len(room.Participants))
	for _, rp := range room.Participants {
		if rp.PersonaID != 0 {
			out = append(out, participant{PersonaID: rp.PersonaID, Persona: rp.Persona})
		}
	}
	return out
}

// loadHistory renders the recent transcript chronologically and detects the
// conversation's first exchange. Failure here is job-fatal for this attempt:
// no partial delivery happens without context.
func (p *Processor) loadHistory(ctx context.Context, job *queue.Job, participants []participant) (string, bool, error) {
	logs, err := p.store.RecentChatLogs(ctx, job.RoomID, historyWindow)
	if err != nil {
		return "", false, wrapStoreFailure(err)
	}

	names := make(map[string]string, len(participants))
	for _, part := range participants {
		names[strconv.FormatInt(part.PersonaID, 10)] = part.Persona.Name
	}

	var userMsgs, aiMsgs int
	lines := make([]string, 0, len(logs))
	// RecentChatLogs is most-recent-first; render oldest-first.
	for i := len(logs) - 1; i >= 0; i-- {
		entry := logs[i]
		switch entry.SenderType {
		case store.SenderUser:
			userMsgs++
			name := job.UserName
			if name == "" {
				name = "User"
			}
			lines = append(lines, name+": "+entry.Text)
		case store.SenderAI:
			aiMsgs++
			name := names[entry.SenderID]
			if name == "" {
				name = "AI(" + entry.SenderID + ")"
			}
			lines = append(lines, name+": "+entry.Text)
		}
	}

	firstExchange := userMsgs <= 1 && aiMsgs == 0
	return strings.Join(lines, "\n"), firstExchange, nil
}

// processParticipant produces, persists, and delivers one persona's reply,
// then applies friendship. Already-persisted replies (a prior attempt got
// this far) are re-delivered without re-running side effects.
func (p *Processor) processParticipant(
	ctx context.Context,
	job *queue.Job,
	part participant,
	all []participant,
	history, contextDigest string,
	firstExchange bool,
	channel string,
	log *zap.Logger,
) error {
	existing, err := p.store.ReplyForJob(ctx, job.ID, part.PersonaID)
	if err != nil {
		return wrapStoreFailure(err)
	}
	if existing != nil {
		log.Info("Reply already produced by earlier attempt, re-delivering",
			zap.Int64("persona_id", part.PersonaID))
		p.deliver(ctx, job, part, existing.ID, existing.Text, channel, log)
		return nil
	}

	reply, cached := p.cache.Get(ctx, part.PersonaID, job.Message, contextDigest)
	if !cached {
		others := make([]string, 0, len(all)-1)
		for _, other := range all {
			if other.PersonaID != part.PersonaID {
				others = append(others, other.Persona.Name)
			}
		}
		reply, err = p.generator.Generate(ctx, genai.Request{
			Persona:           &part.Persona,
			History:           history,
			UserName:          job.UserName,
			UserMessage:       job.Message,
			OtherParticipants: others,
			FirstMeeting:      firstExchange,
		})
		if err != nil {
			return fmt.Errorf("generate reply for persona %d: %w", part.PersonaID, err)
		}
		reply = scrubImageURLs(reply)
		p.cache.Set(ctx, part.PersonaID, job.Message, contextDigest, reply)
	}

	chatLog := &store.ChatLog{
		ID:         uuid.New().String(),
		RoomID:     job.RoomID,
		JobID:      job.ID,
		SenderType: store.SenderAI,
		SenderID:   strconv.FormatInt(part.PersonaID, 10),
		Text:       reply,
	}
	if err := p.store.CreateChatLog(ctx, chatLog); err != nil {
		if errors.Is(err, store.ErrReplyExists) {
			// A concurrent execution of the same job won the insert. Its
			// row is the record of truth: re-deliver it and leave the
			// friendship update to the winner.
			winner, lookupErr := p.store.ReplyForJob(ctx, job.ID, part.PersonaID)
			if lookupErr != nil || winner == nil {
				return wrapStoreFailure(err)
			}
			log.Info("Reply raced with concurrent execution, re-delivering winner",
				zap.Int64("persona_id", part.PersonaID))
			p.deliver(ctx, job, part, winner.ID, winner.Text, channel, log)
			return nil
		}
		return wrapStoreFailure(err)
	}

	p.deliver(ctx, job, part, chatLog.ID, reply, channel, log)

	state, err := p.engine.ApplyMessage(ctx, job.SenderID, part.PersonaID, job.Message)
	if err != nil {
		// The reply row exists, so a retry will not re-enter this branch;
		// log instead of failing the round.
		log.Error("Friendship update failed",
			zap.Int64("persona_id", part.PersonaID),
			zap.Error(err))
		return nil
	}
	expEv := relay.Event{
		Type:        relay.EventExpUpdated,
		RoomID:      job.RoomID,
		JobID:       job.ID,
		PersonaID:   part.PersonaID,
		PersonaName: part.Persona.Name,
		UserID:      job.SenderID,
		NewExp:      state.Exp,
		NewLevel:    state.Level,
		ExpIncrease: state.Increase,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.bus.Publish(ctx, channel, expEv); err != nil {
		log.Warn("Publishing exp update failed", zap.Error(err))
	}
	return nil
}

// deliver publishes the reply on the job's channel and, on the duplex path,
// stashes it for replay in case the sender is away.
func (p *Processor) deliver(ctx context.Context, job *queue.Job, part participant, messageID, reply, channel string, log *zap.Logger) {
	ev := relay.Event{
		Type:            relay.EventAIResponse,
		RoomID:          job.RoomID,
		JobID:           job.ID,
		MessageID:       messageID,
		Content:         reply,
		PersonaID:       part.PersonaID,
		PersonaName:     part.Persona.Name,
		ProfileImageURL: part.Persona.ImageURL,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.bus.Publish(ctx, channel, ev); err != nil {
		log.Warn("Publishing reply failed, pending buffer covers offline recipients",
			zap.Error(err))
	}

	if job.StreamMode() {
		return
	}
	// Offline recipients replay from the pending buffer on their next join.
	online, err := p.presence.IsOnline(ctx, job.SenderID)
	if err != nil {
		log.Warn("Presence check failed", zap.Error(err))
		return
	}
	inRoom := false
	if online {
		if inRoom, err = p.presence.IsInRoom(ctx, job.SenderID, job.RoomID); err != nil {
			log.Warn("Room presence check failed", zap.Error(err))
			return
		}
	}
	if !online || !inRoom {
		payload, err := relay.Encode(ev)
		if err != nil {
			return
		}
		if err := p.pendingBuf.Enqueue(ctx, job.SenderID, job.RoomID, payload); err != nil {
			log.Warn("Buffering missed reply failed", zap.Error(err))
		}
	}
}

func deliveryChannel(job *queue.Job) string {
	if job.StreamMode() {
		return job.ResponseChannel
	}
	return relay.RoomChannel(job.RoomID)
}

func scrubImageURLs(text string) string {
	if !imageURLPattern.MatchString(text) {
		return text
	}
	cleaned := imageURLPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(multiSpace.ReplaceAllString(cleaned, " "))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// storeFailure tags persistence errors so Process retries the whole job
// instead of misclassifying them as per-participant generation failures.
type storeFailure struct{ err error }

func (e *storeFailure) Error() string { return e.err.Error() }
func (e *storeFailure) Unwrap() error { return e.err }

func wrapStoreFailure(err error) error { return &storeFailure{err: err} }

func isStoreFailure(err error) bool {
	var sf *storeFailure
	return errors.As(err, &sf)
}
