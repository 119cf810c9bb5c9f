package signaling

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatwave-callkit/internal/domain"
	apperrors "chatwave-callkit/pkg/errors"
	"chatwave-callkit/pkg/logger"
)

const (
	callsCollection      = "calls"
	candidatesCollection = "iceCandidates"
)

// FirestoreConfig holds Firestore transport configuration
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string
}

// FirestoreTransport is the production signaling transport. Call records live
// at calls/{callId}, candidates in the iceCandidates sub-collection beneath
// them. Both participants subscribe to document snapshots for delivery.
type FirestoreTransport struct {
	client *firestore.Client

	mu     sync.Mutex
	closed bool
}

// NewFirestoreTransport initializes the Firebase app and Firestore client.
func NewFirestoreTransport(ctx context.Context, cfg *FirestoreConfig) (*FirestoreTransport, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreTransport{client: client}, nil
}

func (t *FirestoreTransport) callDoc(callID string) *firestore.DocumentRef {
	return t.client.Collection(callsCollection).Doc(callID)
}

// PublishCall creates the call record at calls/{callId}.
func (t *FirestoreTransport) PublishCall(ctx context.Context, record *domain.CallRecord) error {
	if _, err := t.callDoc(record.CallID).Set(ctx, record); err != nil {
		return apperrors.SignalingError("failed to publish call record", err)
	}
	return nil
}

// GetCall fetches the call record.
func (t *FirestoreTransport) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	snap, err := t.callDoc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, apperrors.CallNotFoundError()
	}
	if err != nil {
		return nil, apperrors.SignalingError("failed to fetch call record", err)
	}
	return decodeCallSnapshot(snap)
}

// UpdateCall applies the non-nil fields of update to calls/{callId}.
func (t *FirestoreTransport) UpdateCall(ctx context.Context, callID string, update CallUpdate) error {
	if update.Empty() {
		return nil
	}
	var writes []firestore.Update
	if update.Answer != nil {
		writes = append(writes, firestore.Update{Path: "answer", Value: *update.Answer})
	}
	if update.Status != nil {
		writes = append(writes, firestore.Update{Path: "status", Value: string(*update.Status)})
	}
	if update.EndTime != nil {
		writes = append(writes, firestore.Update{Path: "endTime", Value: *update.EndTime})
	}
	if update.Duration != nil {
		writes = append(writes, firestore.Update{Path: "duration", Value: *update.Duration})
	}

	_, err := t.callDoc(callID).Update(ctx, writes)
	if status.Code(err) == codes.NotFound {
		return apperrors.CallNotFoundError()
	}
	if err != nil {
		return apperrors.SignalingError("failed to update call record", err)
	}
	return nil
}

// SubscribeToCall streams document snapshots of calls/{callId} to onChange.
func (t *FirestoreTransport) SubscribeToCall(ctx context.Context, callID string, onChange func(*domain.CallRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		iter := t.callDoc(callID).Snapshots(subCtx)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("Call snapshot stream ended",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			record, err := decodeCallSnapshot(snap)
			if err != nil {
				logger.Warn("Failed to decode call snapshot",
					zap.String("call_id", callID), zap.Error(err))
				continue
			}
			onChange(record)
		}
	}()

	return func() { cancel() }, nil
}

// PublishCandidate appends the candidate to calls/{callId}/iceCandidates
// under an auto-generated document id.
func (t *FirestoreTransport) PublishCandidate(ctx context.Context, cand *domain.CandidateRecord) error {
	candidates := t.callDoc(cand.CallID).Collection(candidatesCollection)
	if _, _, err := candidates.Add(ctx, cand); err != nil {
		return apperrors.SignalingError("failed to publish candidate", err)
	}
	return nil
}

// SubscribeToCandidates streams added documents of the candidate
// sub-collection filtered by author. The first query snapshot reports
// already-present candidates as additions, so earlier candidates are
// replayed exactly once.
func (t *FirestoreTransport) SubscribeToCandidates(ctx context.Context, callID, fromParticipantID string, onAdded func(*domain.CandidateRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	query := t.callDoc(callID).Collection(candidatesCollection).
		Where("from", "==", fromParticipantID)

	go func() {
		iter := query.Snapshots(subCtx)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("Candidate snapshot stream ended",
						zap.String("call_id", callID), zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				var cand domain.CandidateRecord
				if err := change.Doc.DataTo(&cand); err != nil {
					logger.Warn("Failed to decode candidate",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				cand.CallID = callID
				onAdded(&cand)
			}
		}
	}()

	return func() { cancel() }, nil
}

// SubscribeIncoming streams pending call records addressed to participantID.
func (t *FirestoreTransport) SubscribeIncoming(ctx context.Context, participantID string, onIncoming func(*domain.CallRecord)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	query := t.client.Collection(callsCollection).
		Where("recipientId", "==", participantID).
		Where("status", "==", string(domain.CallStatusPending))

	go func() {
		iter := query.Snapshots(subCtx)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("Incoming-call snapshot stream ended",
						zap.String("participant_id", participantID), zap.Error(err))
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				record, err := decodeCallSnapshot(change.Doc)
				if err != nil {
					logger.Warn("Failed to decode incoming call",
						zap.String("participant_id", participantID), zap.Error(err))
					continue
				}
				onIncoming(record)
			}
		}
	}()

	return func() { cancel() }, nil
}

// Close releases the Firestore client.
func (t *FirestoreTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

func decodeCallSnapshot(snap *firestore.DocumentSnapshot) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("failed to decode call record: %w", err)
	}
	record.CallID = snap.Ref.ID
	return &record, nil
}
