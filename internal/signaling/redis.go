package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatwave-callkit/internal/domain"
	apperrors "chatwave-callkit/pkg/errors"
	"chatwave-callkit/pkg/logger"
)

// RedisConfig holds Redis transport configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisTransport keeps call state in hashes and fans notifications out over
// Pub/Sub: call:{id}:events for record mutations, call:{id}:candidates for
// appended candidates, incoming:{participant} for new pending calls.
// Every Pub/Sub payload is a tagged domain.Signal, validated on both sides of
// the wire; the hash stays the source of truth and record subscribers refetch
// it on notification. Candidates are additionally kept in a list so
// subscribers established after the first candidates still receive the full
// append-ordered sequence.
type RedisTransport struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// candidateEvent pairs a candidate signal with its append sequence number so
// subscribers can merge the list replay with live Pub/Sub delivery without
// duplicates.
type candidateEvent struct {
	Seq    int64         `json:"seq"`
	Signal domain.Signal `json:"signal"`
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(ctx context.Context, cfg *RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return &RedisTransport{client: client}, nil
}

func callKey(callID string) string           { return "call:" + callID }
func callEventsChannel(callID string) string { return "call:" + callID + ":events" }
func candidatesChannel(callID string) string { return "call:" + callID + ":candidates" }
func candidatesListKey(callID string) string { return "call:" + callID + ":candidates:list" }
func incomingChannel(pid string) string      { return "incoming:" + pid }

// PublishCall writes the call record hash and announces an offer signal on
// the recipient's incoming channel and the call's event channel.
func (t *RedisTransport) PublishCall(ctx context.Context, record *domain.CallRecord) error {
	payload, err := encodeSignal(offerSignal(record))
	if err != nil {
		return apperrors.SignalingError("refused to publish invalid call record", err)
	}
	if err := t.client.HSet(ctx, callKey(record.CallID), recordToFields(record)).Err(); err != nil {
		return apperrors.SignalingError("failed to publish call record", err)
	}
	if err := t.client.Publish(ctx, callEventsChannel(record.CallID), payload).Err(); err != nil {
		return apperrors.SignalingError("failed to announce call record", err)
	}
	if record.Status == domain.CallStatusPending {
		if err := t.client.Publish(ctx, incomingChannel(record.RecipientID), payload).Err(); err != nil {
			return apperrors.SignalingError("failed to announce incoming call", err)
		}
	}
	return nil
}

// GetCall fetches the call record hash.
func (t *RedisTransport) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	fields, err := t.client.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return nil, apperrors.SignalingError("failed to fetch call record", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.CallNotFoundError()
	}
	return fieldsToRecord(callID, fields)
}

// UpdateCall writes the non-nil fields of update and republishes the record.
func (t *RedisTransport) UpdateCall(ctx context.Context, callID string, update CallUpdate) error {
	if update.Empty() {
		return nil
	}
	existing, err := t.GetCall(ctx, callID)
	if err != nil {
		return err
	}

	writes := map[string]interface{}{}
	if update.Answer != nil {
		writes["answer"] = *update.Answer
		existing.Answer = *update.Answer
	}
	if update.Status != nil {
		writes["status"] = string(*update.Status)
		existing.Status = *update.Status
	}
	if update.EndTime != nil {
		writes["endTime"] = strconv.FormatInt(*update.EndTime, 10)
		existing.EndTime = *update.EndTime
	}
	if update.Duration != nil {
		writes["duration"] = strconv.Itoa(*update.Duration)
		existing.Duration = *update.Duration
	}
	payload, err := encodeSignal(updateSignal(existing, update))
	if err != nil {
		return apperrors.SignalingError("refused to publish invalid call update", err)
	}
	if err := t.client.HSet(ctx, callKey(callID), writes).Err(); err != nil {
		return apperrors.SignalingError("failed to update call record", err)
	}
	if err := t.client.Publish(ctx, callEventsChannel(callID), payload).Err(); err != nil {
		return apperrors.SignalingError("failed to announce call update", err)
	}
	return nil
}

// SubscribeToCall delivers the current record state, then every published
// mutation, until unsubscribed.
func (t *RedisTransport) SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := t.client.Subscribe(subCtx, callEventsChannel(callID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, apperrors.SignalingError("failed to subscribe to call events", err)
	}

	go func() {
		defer pubsub.Close()

		// Initial state, matching document-snapshot semantics.
		if record, err := t.GetCall(subCtx, callID); err == nil {
			onChange(record)
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sig, err := decodeSignal([]byte(msg.Payload))
				if err != nil {
					logger.Warn("Dropping invalid call event",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				if sig.CallID != callID || sig.Kind == domain.SignalCandidate {
					continue
				}
				// The signal only says the record changed; the hash is
				// the source of truth.
				record, err := t.GetCall(subCtx, callID)
				if err != nil {
					logger.Warn("Failed to fetch announced call record",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				onChange(record)
			}
		}
	}()

	return func() { cancel() }, nil
}

// PublishCandidate appends the candidate to the call's candidate list and
// announces it with its sequence number.
func (t *RedisTransport) PublishCandidate(ctx context.Context, cand *domain.CandidateRecord) error {
	sig := candidateSignal(cand)
	if err := sig.Validate(); err != nil {
		return apperrors.SignalingError("refused to publish invalid candidate", err)
	}
	payload, err := json.Marshal(cand)
	if err != nil {
		return apperrors.SignalingError("failed to encode candidate", err)
	}
	seq, err := t.client.RPush(ctx, candidatesListKey(cand.CallID), payload).Result()
	if err != nil {
		return apperrors.SignalingError("failed to append candidate", err)
	}
	event, err := json.Marshal(candidateEvent{Seq: seq, Signal: *sig})
	if err != nil {
		return apperrors.SignalingError("failed to encode candidate event", err)
	}
	if err := t.client.Publish(ctx, candidatesChannel(cand.CallID), event).Err(); err != nil {
		return apperrors.SignalingError("failed to announce candidate", err)
	}
	return nil
}

// SubscribeToCandidates replays the stored candidate list, then delivers live
// events, skipping sequence numbers already covered by the replay.
func (t *RedisTransport) SubscribeToCandidates(ctx context.Context, callID, fromParticipantID string, onAdded func(*domain.CandidateRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := t.client.Subscribe(subCtx, candidatesChannel(callID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, apperrors.SignalingError("failed to subscribe to candidates", err)
	}

	go func() {
		defer pubsub.Close()

		deliver := func(cand *domain.CandidateRecord) {
			if cand.From != fromParticipantID {
				return
			}
			cand.CallID = callID
			onAdded(cand)
		}

		// Replay candidates appended before the subscription. The Pub/Sub
		// subscription is already established, so anything appended from here
		// on arrives as a live event; Seq decides which side delivers it.
		var replayed int64
		stored, err := t.client.LRange(subCtx, candidatesListKey(callID), 0, -1).Result()
		if err == nil {
			for _, raw := range stored {
				var cand domain.CandidateRecord
				if err := json.Unmarshal([]byte(raw), &cand); err != nil {
					logger.Warn("Failed to decode stored candidate",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				replayed++
				deliver(&cand)
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event candidateEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Failed to decode candidate event",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				if event.Signal.Kind != domain.SignalCandidate {
					continue
				}
				if err := event.Signal.Validate(); err != nil {
					logger.Warn("Dropping invalid candidate event",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				if event.Seq <= replayed {
					continue
				}
				deliver(event.Signal.Candidate)
			}
		}
	}()

	return func() { cancel() }, nil
}

// SubscribeIncoming delivers pending call records announced for participantID.
// Only validated offer signals surface; the announced record is fetched from
// the hash before delivery.
func (t *RedisTransport) SubscribeIncoming(ctx context.Context, participantID string, onIncoming func(*domain.CallRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := t.client.Subscribe(subCtx, incomingChannel(participantID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, apperrors.SignalingError("failed to subscribe to incoming calls", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sig, err := decodeSignal([]byte(msg.Payload))
				if err != nil {
					logger.Warn("Dropping invalid incoming-call signal",
						zap.String("participant_id", participantID), zap.Error(err))
					continue
				}
				if sig.Kind != domain.SignalOffer {
					continue
				}
				record, err := t.GetCall(subCtx, sig.CallID)
				if err != nil {
					logger.Warn("Failed to fetch announced incoming call",
						zap.String("call_id", sig.CallID), zap.Error(err))
					continue
				}
				onIncoming(record)
			}
		}
	}()

	return func() { cancel() }, nil
}

// Close releases the Redis client.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// offerSignal announces a freshly published call record.
func offerSignal(record *domain.CallRecord) *domain.Signal {
	return &domain.Signal{
		Kind:      domain.SignalOffer,
		CallID:    record.CallID,
		From:      record.InitiatorID,
		SDP:       record.Offer,
		Timestamp: time.Now(),
	}
}

// updateSignal announces a record mutation: an answer when one was written,
// otherwise a status change. record carries the post-update state.
func updateSignal(record *domain.CallRecord, update CallUpdate) *domain.Signal {
	if update.Answer != nil {
		return &domain.Signal{
			Kind:      domain.SignalAnswer,
			CallID:    record.CallID,
			From:      record.RecipientID,
			SDP:       record.Answer,
			Timestamp: time.Now(),
		}
	}
	return &domain.Signal{
		Kind:      domain.SignalStatusChange,
		CallID:    record.CallID,
		Status:    record.Status,
		Timestamp: time.Now(),
	}
}

func candidateSignal(cand *domain.CandidateRecord) *domain.Signal {
	return &domain.Signal{
		Kind:      domain.SignalCandidate,
		CallID:    cand.CallID,
		From:      cand.From,
		Candidate: cand,
		Timestamp: time.Now(),
	}
}

// encodeSignal validates and marshals one Pub/Sub payload. Invalid signals
// never reach the wire.
func encodeSignal(sig *domain.Signal) ([]byte, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(sig)
}

// decodeSignal parses and validates one Pub/Sub payload. Messages that fail
// validation are dropped at this boundary.
func decodeSignal(payload []byte) (*domain.Signal, error) {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, fmt.Errorf("malformed signal payload: %w", err)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return &sig, nil
}

func recordToFields(record *domain.CallRecord) map[string]interface{} {
	fields := map[string]interface{}{
		"initiatorId": record.InitiatorID,
		"recipientId": record.RecipientID,
		"type":        string(record.Type),
		"status":      string(record.Status),
		"offer":       record.Offer,
		"startTime":   strconv.FormatInt(record.StartTime, 10),
	}
	if record.Answer != "" {
		fields["answer"] = record.Answer
	}
	if record.EndTime != 0 {
		fields["endTime"] = strconv.FormatInt(record.EndTime, 10)
	}
	if record.Duration != 0 {
		fields["duration"] = strconv.Itoa(record.Duration)
	}
	return fields
}

func fieldsToRecord(callID string, fields map[string]string) (*domain.CallRecord, error) {
	startTime, err := strconv.ParseInt(fields["startTime"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed call record %q: bad startTime: %w", callID, err)
	}
	record := &domain.CallRecord{
		CallID:      callID,
		InitiatorID: fields["initiatorId"],
		RecipientID: fields["recipientId"],
		Type:        domain.CallType(fields["type"]),
		Status:      domain.CallStatus(fields["status"]),
		Offer:       fields["offer"],
		Answer:      fields["answer"],
		StartTime:   startTime,
	}
	if v := fields["endTime"]; v != "" {
		record.EndTime, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := fields["duration"]; v != "" {
		record.Duration, _ = strconv.Atoi(v)
	}
	return record, nil
}
