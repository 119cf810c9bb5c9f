package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatwave-callkit/internal/domain"
	"chatwave-callkit/internal/signaling"
	"chatwave-callkit/pkg/constants"
	apperrors "chatwave-callkit/pkg/errors"
	"chatwave-callkit/pkg/logger"
	"chatwave-callkit/pkg/metrics"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateOffering   State = "offering"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateFailed     State = "failed"
	StateEnded      State = "ended"
)

// Role distinguishes which side of the call this coordinator is.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// Options configure one coordinator instance.
type Options struct {
	LocalID  string
	RemoteID string
	Type     domain.CallType

	// STUNServers are the connectivity-assist servers passed to every
	// connection handle this coordinator creates.
	STUNServers []string

	// OnStateChange, if set, is invoked after every state transition.
	OnStateChange func(State)
	// OnRemoteTrack, if set, is invoked for every remote track received.
	OnRemoteTrack func(MediaTrack)

	// Metrics, if set, counts published signals and transport errors.
	Metrics *metrics.Metrics
}

// Coordinator owns one peer connection's lifecycle for one local participant.
// A coordinator is single-use: once ended it cannot start another call.
//
// Transport subscriptions deliver on their own goroutines, so all session
// state is serialized behind one mutex; the mutex is never held across media,
// negotiation or transport calls.
type Coordinator struct {
	engine    Engine
	transport signaling.Transport
	opts      Options
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	role          Role
	callID        string
	startMillis   int64
	localStream   MediaStream
	remoteStream  *RemoteStream
	pc            PeerConnection
	unsubs        []signaling.Unsubscribe
	answerApplied bool
	recovered     bool
}

// NewCoordinator creates an idle coordinator for one call between
// opts.LocalID and opts.RemoteID.
func NewCoordinator(engine Engine, transport signaling.Transport, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		engine:       engine,
		transport:    transport,
		opts:         opts,
		log:          logger.With(zap.String("local_id", opts.LocalID), zap.String("remote_id", opts.RemoteID)),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		remoteStream: NewRemoteStream(),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallID returns the id of the call this coordinator drives, or "" before
// initiate/accept.
func (c *Coordinator) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Role returns which side of the call this coordinator is.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Type returns the call's media profile. The acceptor learns it from the
// fetched record during AcceptCall.
func (c *Coordinator) Type() domain.CallType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Type
}

// RemoteID returns the other participant's id.
func (c *Coordinator) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.RemoteID
}

// LocalStream returns the local media handle, or nil before acquisition.
func (c *Coordinator) LocalStream() MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localStream
}

// RemoteStream returns the aggregate of remote tracks received so far.
func (c *Coordinator) RemoteStream() *RemoteStream {
	return c.remoteStream
}

// InitiateCall acquires local media, generates an offer, publishes the
// pending call record and subscribes for the answer. Returns the call id.
func (c *Coordinator) InitiateCall(ctx context.Context) (string, error) {
	if !c.opts.Type.Valid() {
		return "", apperrors.InvalidInputError("unknown call type " + string(c.opts.Type))
	}
	if err := c.enterInitiating(RoleInitiator); err != nil {
		return "", err
	}

	stream, err := c.engine.CaptureMedia(true, c.opts.Type == domain.CallTypeVideo)
	if err != nil {
		c.backToIdle()
		return "", apperrors.MediaAccessError(err)
	}

	now := time.Now()
	callID := domain.ComposeCallID(c.opts.LocalID, c.opts.RemoteID, now)

	c.mu.Lock()
	c.localStream = stream
	c.callID = callID
	c.startMillis = now.UnixMilli()
	c.mu.Unlock()
	c.log = c.log.With(zap.String("call_id", callID))

	pc, err := c.engine.NewPeerConnection(c.peerConfig(), c.peerCallbacks())
	if err != nil {
		c.cleanupSetup()
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "failed to create connection handle", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if err := pc.AddStream(stream); err != nil {
		c.cleanupSetup()
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "failed to attach local media", err)
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		c.cleanupSetup()
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "failed to create offer", err)
	}

	record := &domain.CallRecord{
		CallID:      callID,
		InitiatorID: c.opts.LocalID,
		RecipientID: c.opts.RemoteID,
		Type:        c.opts.Type,
		Status:      domain.CallStatusPending,
		Offer:       offer,
		StartTime:   now.UnixMilli(),
	}
	if err := c.transport.PublishCall(ctx, record); err != nil {
		c.recordSignalError("publish_call")
		c.cleanupSetup()
		return "", err
	}
	c.recordSignal(domain.SignalOffer)

	// Answer-arrival protocol: watch our own record for the answer and for a
	// peer-side ended status.
	unsub, err := c.transport.SubscribeToCall(c.ctx, callID, c.handleCallChange)
	if err != nil {
		c.cleanupSetup()
		return "", err
	}
	c.addUnsub(unsub)

	c.setState(StateOffering)
	c.log.Info("Call initiated", zap.String("type", string(c.opts.Type)))
	return callID, nil
}

// AcceptCall fetches the pending call record, answers it symmetrically and
// begins candidate exchange with the initiator.
func (c *Coordinator) AcceptCall(ctx context.Context, callID string) error {
	if err := c.enterInitiating(RoleAcceptor); err != nil {
		return err
	}

	record, err := c.transport.GetCall(ctx, callID)
	if err != nil {
		c.backToIdle()
		return err
	}
	if record.Status != domain.CallStatusPending {
		// Already answered, rejected or cancelled. Deterministically the same
		// error as a missing record: the pending call no longer exists.
		c.backToIdle()
		return apperrors.CallNotFoundError()
	}
	if record.RecipientID != c.opts.LocalID {
		c.backToIdle()
		return apperrors.InvalidInputError("call is not addressed to this participant")
	}

	stream, err := c.engine.CaptureMedia(true, record.Type == domain.CallTypeVideo)
	if err != nil {
		c.backToIdle()
		return apperrors.MediaAccessError(err)
	}

	c.mu.Lock()
	c.localStream = stream
	c.callID = callID
	c.startMillis = record.StartTime
	c.opts.Type = record.Type
	c.mu.Unlock()
	c.log = c.log.With(zap.String("call_id", callID))

	pc, err := c.engine.NewPeerConnection(c.peerConfig(), c.peerCallbacks())
	if err != nil {
		c.cleanupSetup()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to create connection handle", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if err := pc.AddStream(stream); err != nil {
		c.cleanupSetup()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to attach local media", err)
	}
	if err := pc.SetRemoteDescription(SDPOffer, record.Offer); err != nil {
		c.cleanupSetup()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to apply offer", err)
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		c.cleanupSetup()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to create answer", err)
	}

	active := domain.CallStatusActive
	if err := c.transport.UpdateCall(ctx, callID, signaling.CallUpdate{
		Answer: &answer,
		Status: &active,
	}); err != nil {
		c.recordSignalError("update_call")
		c.cleanupSetup()
		return err
	}
	c.recordSignal(domain.SignalAnswer)

	c.mu.Lock()
	c.answerApplied = true
	c.mu.Unlock()

	if err := c.startCandidateExchange(record.InitiatorID); err != nil {
		c.cleanupSetup()
		return err
	}

	// Watch the record so a peer-side hangup tears this side down too.
	unsub, err := c.transport.SubscribeToCall(c.ctx, callID, c.handleCallChange)
	if err != nil {
		c.cleanupSetup()
		return err
	}
	c.addUnsub(unsub)

	c.setState(StateConnecting)
	c.log.Info("Call accepted", zap.String("type", string(record.Type)))
	return nil
}

// RejectCall marks a pending call ended without creating media or a
// connection handle. Rejecting an already-ended call is a no-op.
func (c *Coordinator) RejectCall(ctx context.Context, callID string) error {
	record, err := c.transport.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if record.Status == domain.CallStatusEnded {
		c.log.Debug("Reject on already-ended call ignored", zap.String("call_id", callID))
		return nil
	}

	ended := domain.CallStatusEnded
	endTime := time.Now().UnixMilli()
	if err := c.transport.UpdateCall(ctx, callID, signaling.CallUpdate{
		Status:  &ended,
		EndTime: &endTime,
	}); err != nil {
		c.recordSignalError("update_call")
		return err
	}
	c.recordSignal(domain.SignalStatusChange)
	c.log.Info("Call rejected", zap.String("call_id", callID))
	return nil
}

// EndCall marks the record ended (best-effort), releases media and the
// connection handle and disposes the coordinator. Idempotent: ending twice,
// or ending a coordinator that never completed setup, never fails.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.teardown(ctx, true)
	return nil
}

// ToggleAudio enables or disables all local audio tracks. No signaling,
// no-op without local media.
func (c *Coordinator) ToggleAudio(enabled bool) {
	c.toggleTracks(TrackKindAudio, enabled)
}

// ToggleVideo enables or disables all local video tracks.
func (c *Coordinator) ToggleVideo(enabled bool) {
	c.toggleTracks(TrackKindVideo, enabled)
}

func (c *Coordinator) toggleTracks(kind TrackKind, enabled bool) {
	c.mu.Lock()
	stream := c.localStream
	c.mu.Unlock()
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (c *Coordinator) enterInitiating(role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return apperrors.CallStateError("coordinator is not idle")
	}
	c.state = StateInitiating
	c.role = role
	return nil
}

func (c *Coordinator) backToIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.role = ""
	c.mu.Unlock()
}

// cleanupSetup tears down a partially-initialized session after a setup
// failure and returns the coordinator to idle. Each step is independently
// idempotent.
func (c *Coordinator) cleanupSetup() {
	c.mu.Lock()
	stream := c.localStream
	pc := c.pc
	unsubs := c.unsubs
	c.localStream = nil
	c.pc = nil
	c.unsubs = nil
	c.callID = ""
	c.answerApplied = false
	c.state = StateIdle
	c.role = ""
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if stream != nil {
		stopTracks(stream)
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (c *Coordinator) peerConfig() PeerConfig {
	return PeerConfig{STUNServers: c.opts.STUNServers}
}

func (c *Coordinator) peerCallbacks() PeerCallbacks {
	return PeerCallbacks{
		OnICECandidate:          c.publishLocalCandidate,
		OnTrack:                 c.handleRemoteTrack,
		OnConnectionStateChange: c.handleConnectionState,
	}
}

// publishLocalCandidate sends one locally generated candidate, tagged with
// our participant id, through the transport. Failures are logged and
// swallowed: losing a single candidate degrades but does not abort
// negotiation.
func (c *Coordinator) publishLocalCandidate(ic ICECandidate) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}
	cand := &domain.CandidateRecord{
		CallID:        callID,
		Candidate:     ic.Candidate,
		SDPMLineIndex: ic.SDPMLineIndex,
		SDPMid:        ic.SDPMid,
		From:          c.opts.LocalID,
	}
	ctx, cancel := context.WithTimeout(c.ctx, constants.SignalPublishTimeout)
	defer cancel()
	if err := c.transport.PublishCandidate(ctx, cand); err != nil {
		c.recordSignalError("publish_candidate")
		c.log.Warn("Failed to publish candidate", zap.Error(err))
		return
	}
	c.recordSignal(domain.SignalCandidate)
}

func (c *Coordinator) handleRemoteTrack(t MediaTrack) {
	c.log.Debug("Remote track received", zap.String("kind", string(t.Kind())))
	c.remoteStream.AddTrack(t)
	if c.opts.OnRemoteTrack != nil {
		c.opts.OnRemoteTrack(t)
	}
}

// startCandidateExchange subscribes to candidates authored by the other
// participant and applies each one to the connection handle exactly once.
func (c *Coordinator) startCandidateExchange(fromParticipantID string) error {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()

	unsub, err := c.transport.SubscribeToCandidates(c.ctx, callID, fromParticipantID, c.applyRemoteCandidate)
	if err != nil {
		return err
	}
	c.addUnsub(unsub)
	return nil
}

func (c *Coordinator) applyRemoteCandidate(cand *domain.CandidateRecord) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	err := pc.AddICECandidate(ICECandidate{
		Candidate:     cand.Candidate,
		SDPMLineIndex: cand.SDPMLineIndex,
		SDPMid:        cand.SDPMid,
	})
	if err != nil {
		c.log.Warn("Failed to apply remote candidate", zap.Error(err))
	}
}

// handleCallChange reacts to record snapshots: applies a newly arrived answer
// (initiator side) and tears down on a peer-side ended status.
func (c *Coordinator) handleCallChange(record *domain.CallRecord) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	applyAnswer := record.Answer != "" && !c.answerApplied && pc != nil
	if applyAnswer {
		c.answerApplied = true
	}
	initiatorSide := c.role == RoleInitiator
	c.mu.Unlock()

	if applyAnswer && initiatorSide {
		if err := pc.SetRemoteDescription(SDPAnswer, record.Answer); err != nil {
			c.log.Error("Failed to apply answer", zap.Error(err))
			return
		}
		if err := c.startCandidateExchange(c.opts.RemoteID); err != nil {
			c.log.Error("Failed to start candidate exchange", zap.Error(err))
			return
		}
		c.setState(StateConnecting)
		c.log.Info("Answer applied, exchanging candidates")
	}

	if record.Status == domain.CallStatusEnded {
		c.log.Info("Peer ended the call")
		// Cleanup path only: the peer already wrote the ended status.
		c.teardown(c.ctx, false)
	}
}

func (c *Coordinator) handleConnectionState(state ConnectionState) {
	c.log.Debug("Connection state changed", zap.String("state", string(state)))
	switch state {
	case ConnStateConnected:
		c.mu.Lock()
		transition := c.state == StateOffering || c.state == StateConnecting
		c.mu.Unlock()
		if transition {
			c.setState(StateActive)
		}
	case ConnStateFailed:
		c.attemptRecovery()
	}
}

// attemptRecovery performs the one automatic recovery: close and recreate the
// connection handle with the same callbacks, re-attach the existing local
// tracks, and rely on renewed candidate exchange. No new offer or answer is
// published, and the attempt's outcome is not tracked.
func (c *Coordinator) attemptRecovery() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	alreadyRecovered := c.recovered
	c.recovered = true
	old := c.pc
	c.pc = nil
	stream := c.localStream
	c.mu.Unlock()

	c.setState(StateFailed)
	if alreadyRecovered {
		c.log.Warn("Connection failed after recovery attempt; waiting for user to end the call")
		c.mu.Lock()
		c.pc = old
		c.mu.Unlock()
		return
	}
	c.log.Warn("Connection failed, attempting recovery")

	if old != nil {
		_ = old.Close()
	}

	pc, err := c.engine.NewPeerConnection(c.peerConfig(), c.peerCallbacks())
	if err != nil {
		c.log.Error("Recovery failed to recreate connection handle", zap.Error(err))
		return
	}
	if stream != nil {
		if err := pc.AddStream(stream); err != nil {
			c.log.Error("Recovery failed to re-attach local media", zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		_ = pc.Close()
		return
	}
	c.pc = pc
	c.mu.Unlock()
	c.setState(StateConnecting)
	c.log.Info("Recovery attempt initiated")
}

// teardown is the single cleanup path. When publish is true the record is
// marked ended best-effort; signaling failure during teardown is non-fatal.
func (c *Coordinator) teardown(ctx context.Context, publish bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	callID := c.callID
	startMillis := c.startMillis
	stream := c.localStream
	pc := c.pc
	unsubs := c.unsubs
	c.localStream = nil
	c.pc = nil
	c.unsubs = nil
	c.mu.Unlock()

	if publish && callID != "" {
		ended := domain.CallStatusEnded
		endTime := time.Now().UnixMilli()
		duration := 0
		if startMillis > 0 && endTime > startMillis {
			duration = int((endTime - startMillis) / 1000)
		}
		err := c.transport.UpdateCall(ctx, callID, signaling.CallUpdate{
			Status:   &ended,
			EndTime:  &endTime,
			Duration: &duration,
		})
		if err != nil {
			c.recordSignalError("update_call")
			c.log.Warn("Failed to mark call ended; continuing teardown", zap.Error(err))
		} else {
			c.recordSignal(domain.SignalStatusChange)
		}
	}

	for _, unsub := range unsubs {
		unsub()
	}
	if stream != nil {
		stopTracks(stream)
	}
	if pc != nil {
		_ = pc.Close()
	}
	c.cancel()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateEnded)
	}
	c.log.Info("Call ended")
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

func (c *Coordinator) addUnsub(unsub signaling.Unsubscribe) {
	c.mu.Lock()
	ended := c.state == StateEnded
	if !ended {
		c.unsubs = append(c.unsubs, unsub)
	}
	c.mu.Unlock()
	if ended {
		unsub()
	}
}

func (c *Coordinator) recordSignal(kind domain.SignalKind) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordSignalPublished(string(kind))
	}
}

func (c *Coordinator) recordSignalError(operation string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordSignalError(operation)
	}
}

func stopTracks(stream MediaStream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}
