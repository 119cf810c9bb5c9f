package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatwave-callkit/internal/domain"
	"chatwave-callkit/internal/signaling"
	apperrors "chatwave-callkit/pkg/errors"
	"chatwave-callkit/pkg/logger"
	"chatwave-callkit/pkg/metrics"
)

// EventType tags events emitted by the manager.
type EventType string

const (
	EventIncoming EventType = "incoming"
	EventState    EventType = "state"
)

// Event is one call lifecycle notification fanned out to event subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	CallID    string          `json:"call_id"`
	From      string          `json:"from,omitempty"`
	CallType  domain.CallType `json:"call_type,omitempty"`
	State     State           `json:"state,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ManagerConfig configures the call manager.
type ManagerConfig struct {
	ParticipantID string
	STUNServers   []string
}

// Manager owns the local participant's calls: at most one coordinator at a
// time, discovery of incoming pending calls, and event fan-out to control
// surface clients. A second incoming call while one is in progress is
// rejected with a busy status.
type Manager struct {
	engine    Engine
	transport signaling.Transport
	cfg       ManagerConfig
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current *Coordinator
	started time.Time
	unsub   signaling.Unsubscribe

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	done chan struct{}
}

// NewManager creates a manager for one local participant. Metrics may be nil.
func NewManager(engine Engine, transport signaling.Transport, cfg ManagerConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		engine:    engine,
		transport: transport,
		cfg:       cfg,
		metrics:   m,
		subs:      make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
}

// Watch subscribes to incoming pending calls addressed to the local
// participant and fans them out as events.
func (m *Manager) Watch(ctx context.Context) error {
	unsub, err := m.transport.SubscribeIncoming(ctx, m.cfg.ParticipantID, m.handleIncoming)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleIncoming(record *domain.CallRecord) {
	m.mu.Lock()
	busy := m.busyLocked() && (m.current == nil || m.current.CallID() != record.CallID)
	m.mu.Unlock()

	if busy {
		logger.Info("Incoming call while busy, rejecting",
			zap.String("call_id", record.CallID),
			zap.String("from", record.InitiatorID))
		rejector := NewCoordinator(m.engine, m.transport, m.coordinatorOptions(record.InitiatorID, record.Type))
		if err := rejector.RejectCall(context.Background(), record.CallID); err != nil {
			logger.Warn("Busy-reject failed", zap.String("call_id", record.CallID), zap.Error(err))
		}
		return
	}

	m.broadcast(Event{
		Type:      EventIncoming,
		CallID:    record.CallID,
		From:      record.InitiatorID,
		CallType:  record.Type,
		Timestamp: time.Now(),
	})
}

// Initiate starts an outbound call to remoteID.
func (m *Manager) Initiate(ctx context.Context, remoteID string, callType domain.CallType) (string, error) {
	coord, err := m.install(remoteID, callType)
	if err != nil {
		return "", err
	}

	callID, err := coord.InitiateCall(ctx)
	if err != nil {
		m.release(coord)
		m.recordSetupFailure("initiate", err)
		return "", err
	}
	if m.metrics != nil {
		m.metrics.RecordCallStarted(string(RoleInitiator), string(callType))
	}
	return callID, nil
}

// Accept answers an incoming pending call.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	initiatorID, _, err := splitCallID(callID)
	if err != nil {
		return err
	}
	coord, err := m.install(initiatorID, "")
	if err != nil {
		return err
	}

	if err := coord.AcceptCall(ctx, callID); err != nil {
		m.release(coord)
		m.recordSetupFailure("accept", err)
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordCallStarted(string(RoleAcceptor), string(coord.Type()))
	}
	return nil
}

// Reject declines a pending call without creating a session.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	initiatorID, _, err := splitCallID(callID)
	if err != nil {
		return err
	}
	rejector := NewCoordinator(m.engine, m.transport, m.coordinatorOptions(initiatorID, ""))
	return rejector.RejectCall(ctx, callID)
}

// End terminates the current call, if any. Idempotent.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	coord := m.current
	m.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.EndCall(ctx)
}

// ToggleAudio flips local audio on the current call.
func (m *Manager) ToggleAudio(enabled bool) {
	if coord := m.coordinator(); coord != nil {
		coord.ToggleAudio(enabled)
	}
}

// ToggleVideo flips local video on the current call.
func (m *Manager) ToggleVideo(enabled bool) {
	if coord := m.coordinator(); coord != nil {
		coord.ToggleVideo(enabled)
	}
}

// Status describes the manager's current call.
type Status struct {
	State    State           `json:"state"`
	CallID   string          `json:"call_id,omitempty"`
	Role     Role            `json:"role,omitempty"`
	CallType domain.CallType `json:"call_type,omitempty"`
	RemoteID string          `json:"remote_id,omitempty"`
}

// Status returns a snapshot of the current call, or an idle status.
func (m *Manager) Status() Status {
	coord := m.coordinator()
	if coord == nil {
		return Status{State: StateIdle}
	}
	return Status{
		State:    coord.State(),
		CallID:   coord.CallID(),
		Role:     coord.Role(),
		CallType: coord.Type(),
		RemoteID: coord.RemoteID(),
	}
}

// Subscribe registers an event channel. Events are dropped, not blocked on,
// when a subscriber falls behind.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

// Close stops watching for incoming calls and ends any active call.
func (m *Manager) Close() {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	close(m.done)
	unsub := m.unsub
	m.unsub = nil
	coord := m.current
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if coord != nil {
		_ = coord.EndCall(context.Background())
	}

	m.subMu.Lock()
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
	m.subMu.Unlock()
}

// busyLocked reports whether a call is in progress. Caller holds mu.
func (m *Manager) busyLocked() bool {
	if m.current == nil {
		return false
	}
	state := m.current.State()
	return state != StateIdle && state != StateEnded
}

func (m *Manager) coordinator() *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// install creates a coordinator and makes it current, failing with a busy
// error if another call is in progress.
func (m *Manager) install(remoteID string, callType domain.CallType) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busyLocked() {
		return nil, apperrors.CallBusyError()
	}
	coord := NewCoordinator(m.engine, m.transport, m.coordinatorOptions(remoteID, callType))
	m.current = coord
	m.started = time.Now()
	return coord, nil
}

func (m *Manager) coordinatorOptions(remoteID string, callType domain.CallType) Options {
	return Options{
		LocalID:       m.cfg.ParticipantID,
		RemoteID:      remoteID,
		Type:          callType,
		STUNServers:   m.cfg.STUNServers,
		Metrics:       m.metrics,
		OnStateChange: m.handleStateChange,
	}
}

func (m *Manager) handleStateChange(state State) {
	m.mu.Lock()
	coord := m.current
	started := m.started
	if state == StateEnded {
		m.current = nil
	}
	m.mu.Unlock()

	var event Event
	event.Type = EventState
	event.State = state
	event.Timestamp = time.Now()
	if coord != nil {
		event.CallID = coord.CallID()
		event.CallType = coord.Type()
	}
	m.broadcast(event)

	if state == StateEnded && m.metrics != nil && coord != nil {
		m.metrics.RecordCallEnded(string(coord.Type()), time.Since(started))
	}
	if state == StateFailed && m.metrics != nil {
		m.metrics.RecordRecovery()
	}
}

func (m *Manager) release(coord *Coordinator) {
	m.mu.Lock()
	if m.current == coord {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Manager) broadcast(event Event) {
	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- event:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) recordSetupFailure(operation string, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordCallSetupFailure(operation, string(apperrors.GetAppError(err).Code))
}

func splitCallID(callID string) (initiatorID, recipientID string, err error) {
	initiatorID, recipientID, _, parseErr := domain.ParseCallID(callID)
	if parseErr != nil {
		return "", "", apperrors.InvalidInputError(parseErr.Error())
	}
	return initiatorID, recipientID, nil
}
