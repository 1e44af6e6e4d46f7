package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/caravelhq/caravel-sync/internal/agent"
)

// MessageConn is the transport a sync session runs over. Implementations
// wrap a websocket or an in-memory pipe in tests.
type MessageConn interface {
	Send(ctx context.Context, envelope Envelope) error
	Receive(ctx context.Context) (Envelope, error)
}

// StartSync drives a full bidirectional sync with a paired device as the
// initiator: push local deltas in batches, then apply the batches the peer
// streams back. History is recorded on both success and failure.
func (p *Protocol) StartSync(ctx context.Context, conn MessageConn, deviceID string, spaceID agent.SpaceID, categories []Category) error {
	secret, err := p.SharedSecretFor(deviceID)
	if err != nil {
		return err
	}
	if err := p.beginSession(deviceID); err != nil {
		return err
	}

	started := p.clock()
	progress := Progress{DeviceID: deviceID, State: SessionConnecting}
	p.publishProgress(progress)

	runErr := p.runInitiator(ctx, conn, deviceID, spaceID, categories, secret, &progress)

	entry := agent.SyncHistoryEntry{
		DeviceID:         deviceID,
		SpaceID:          spaceID.String(),
		EntitiesSent:     progress.EntitiesSent,
		EntitiesReceived: progress.EntitiesReceived,
		Conflicts:        progress.Conflicts,
		Success:          runErr == nil,
		DurationMillis:   p.clock().Sub(started).Milliseconds(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
		progress.State = SessionError
		progress.Error = runErr.Error()
		p.setSession(deviceID, SessionError)
	} else {
		progress.State = SessionComplete
		p.setSession(deviceID, SessionComplete)
	}
	p.publishProgress(progress)

	if err := p.agent.RecordHistory(ctx, entry); err != nil {
		p.logger.Warn("sync history record failed", zap.Error(err))
	}
	return runErr
}

func (p *Protocol) runInitiator(ctx context.Context, conn MessageConn, deviceID string, spaceID agent.SpaceID, categories []Category, secret []byte, progress *Progress) error {
	local := p.agent.LocalDeviceInfo()
	if err := p.send(ctx, conn, MessageHandshake, Handshake{
		DeviceID:        local.ID,
		DeviceName:      local.Name,
		DeviceType:      local.DeviceType,
		PublicKey:       p.localKeyFor(deviceID),
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return err
	}

	var handshakeReply HandshakeResponse
	if err := p.receiveAs(ctx, conn, MessageHandshakeResponse, &handshakeReply); err != nil {
		return err
	}
	if !handshakeReply.Accepted {
		return fmt.Errorf("protocol: handshake refused: %s", handshakeReply.Reason)
	}

	since, err := p.agent.LastSyncTime(ctx, spaceID)
	if err != nil {
		return err
	}
	if err := p.send(ctx, conn, MessageSyncRequest, SyncRequest{
		SpaceID:    spaceID.String(),
		Since:      since,
		Categories: categories,
	}); err != nil {
		return err
	}

	p.setSession(deviceID, SessionSyncing)
	progress.State = SessionSyncing

	deltas, err := p.agent.DeltasSince(ctx, spaceID, since, EntityTypes(categories), secret)
	if err != nil {
		return err
	}
	batches := p.batcher.CreateBatches(deltas)
	progress.BatchesTotal = len(batches)
	p.publishProgress(*progress)

	for index, deltaBatch := range batches {
		if err := p.send(ctx, conn, MessageDeltaBatch, DeltaBatch{
			BatchIndex: index,
			BatchCount: len(batches),
			Deltas:     deltaBatch,
		}); err != nil {
			return err
		}
		var ack BatchAck
		if err := p.receiveAs(ctx, conn, MessageBatchAck, &ack); err != nil {
			return err
		}
		progress.BatchesSent++
		progress.EntitiesSent += len(deltaBatch)
		progress.Conflicts += ack.Conflicts
		p.publishProgress(*progress)
	}

	if err := p.send(ctx, conn, MessageSyncComplete, SyncComplete{EntitiesSent: len(deltas)}); err != nil {
		return err
	}

	// The peer now streams its side of the delta exchange.
	for {
		envelope, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		switch envelope.Type {
		case MessageDeltaBatch:
			var incoming DeltaBatch
			if err := envelope.Decode(&incoming); err != nil {
				return err
			}
			conflicts, err := p.agent.ApplyDeltas(ctx, incoming.Deltas, deviceID, secret)
			if err != nil {
				return err
			}
			progress.EntitiesReceived += len(incoming.Deltas)
			progress.Conflicts += len(conflicts)
			p.publishProgress(*progress)
			if err := p.send(ctx, conn, MessageBatchAck, BatchAck{
				BatchIndex: incoming.BatchIndex,
				Applied:    len(incoming.Deltas) - len(conflicts),
				Conflicts:  len(conflicts),
			}); err != nil {
				return err
			}
		case MessageSyncComplete:
			return nil
		case MessageError:
			var remoteErr ErrorMessage
			if err := envelope.Decode(&remoteErr); err != nil {
				return err
			}
			return fmt.Errorf("protocol: peer error %s: %s", remoteErr.Code, remoteErr.Message)
		default:
			return fmt.Errorf("protocol: unexpected %s during delta exchange", envelope.Type)
		}
	}
}

// HandleConnection drives one inbound connection as the responder: answer
// the handshake, apply the peer's batches, then stream ours back. Pairing
// requests are also answered here for unpaired callers.
func (p *Protocol) HandleConnection(ctx context.Context, conn MessageConn) error {
	var (
		peerID     string
		secret     []byte
		request    SyncRequest
		outbound   []agent.SyncDelta
		received   int
		conflicted int
	)

	for {
		envelope, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch envelope.Type {
		case MessageHandshake:
			var handshake Handshake
			if err := envelope.Decode(&handshake); err != nil {
				return err
			}
			peerID = handshake.DeviceID
			local := p.agent.LocalDeviceInfo()

			if handshake.ProtocolVersion != ProtocolVersion {
				reply := HandshakeResponse{DeviceID: local.ID, Accepted: false, Reason: "protocol version mismatch"}
				if err := p.send(ctx, conn, MessageHandshakeResponse, reply); err != nil {
					return err
				}
				return ErrVersionMismatch
			}

			peerSecret, err := p.SharedSecretFor(peerID)
			if err != nil {
				// Unpaired peers may still send a pairing request next.
				if err := p.send(ctx, conn, MessageHandshakeResponse, HandshakeResponse{
					DeviceID: local.ID,
					Accepted: errors.Is(err, ErrNotPaired),
					Reason:   "not paired",
				}); err != nil {
					return err
				}
				if !errors.Is(err, ErrNotPaired) {
					return err
				}
				continue
			}
			trust, err := p.agent.VerifyPeerKey(ctx, peerID, handshake.PublicKey)
			if err != nil {
				return err
			}
			if !trust.AllowsSync() {
				reply := HandshakeResponse{DeviceID: local.ID, Accepted: false, Reason: "device key not trusted, re-pair required"}
				if err := p.send(ctx, conn, MessageHandshakeResponse, reply); err != nil {
					return err
				}
				return ErrUntrustedDevice
			}

			secret = peerSecret
			if err := p.send(ctx, conn, MessageHandshakeResponse, HandshakeResponse{DeviceID: local.ID, Accepted: true}); err != nil {
				return err
			}

		case MessagePairingRequest:
			var pairingRequest PairingRequest
			if err := envelope.Decode(&pairingRequest); err != nil {
				return err
			}
			response, pairErr := p.handleWirePairing(ctx, pairingRequest)
			if err := p.send(ctx, conn, MessagePairingResponse, response); err != nil {
				return err
			}
			if pairErr != nil {
				return pairErr
			}
			peerID = pairingRequest.DeviceID
			secret, _ = p.SharedSecretFor(peerID)

		case MessageSyncRequest:
			if secret == nil {
				return p.sendError(ctx, conn, "not_paired", ErrNotPaired.Error())
			}
			if err := envelope.Decode(&request); err != nil {
				return err
			}
			// Gather our side now, before the peer's batches land, so
			// records applied during this session are not echoed back.
			spaceID, err := agent.NewSpaceID(request.SpaceID)
			if err != nil {
				return p.sendError(ctx, conn, "invalid_space", err.Error())
			}
			outbound, err = p.agent.DeltasSince(ctx, spaceID, request.Since, EntityTypes(request.Categories), secret)
			if err != nil {
				return p.sendError(ctx, conn, "gather_failed", err.Error())
			}
			p.setSession(peerID, SessionSyncing)

		case MessageDeltaBatch:
			if secret == nil {
				return p.sendError(ctx, conn, "not_paired", ErrNotPaired.Error())
			}
			var incoming DeltaBatch
			if err := envelope.Decode(&incoming); err != nil {
				return err
			}
			conflicts, err := p.agent.ApplyDeltas(ctx, incoming.Deltas, peerID, secret)
			if err != nil {
				return p.sendError(ctx, conn, "apply_failed", err.Error())
			}
			received += len(incoming.Deltas)
			conflicted += len(conflicts)
			if err := p.send(ctx, conn, MessageBatchAck, BatchAck{
				BatchIndex: incoming.BatchIndex,
				Applied:    len(incoming.Deltas) - len(conflicts),
				Conflicts:  len(conflicts),
			}); err != nil {
				return err
			}

		case MessageSyncComplete:
			if secret == nil {
				return p.sendError(ctx, conn, "not_paired", ErrNotPaired.Error())
			}
			if err := p.streamResponderDeltas(ctx, conn, peerID, request, outbound, received, conflicted); err != nil {
				return err
			}
			p.setSession(peerID, SessionComplete)
			return nil

		case MessageError:
			var remoteErr ErrorMessage
			if err := envelope.Decode(&remoteErr); err != nil {
				return err
			}
			p.logger.Warn("peer reported error",
				zap.String("device_id", peerID),
				zap.String("code", remoteErr.Code),
				zap.String("message", remoteErr.Message))
			return nil

		default:
			return p.sendError(ctx, conn, "unexpected_message", string(envelope.Type))
		}
	}
}

func (p *Protocol) streamResponderDeltas(ctx context.Context, conn MessageConn, peerID string, request SyncRequest, deltas []agent.SyncDelta, received, conflicted int) error {
	batches := p.batcher.CreateBatches(deltas)
	for index, deltaBatch := range batches {
		if err := p.send(ctx, conn, MessageDeltaBatch, DeltaBatch{
			BatchIndex: index,
			BatchCount: len(batches),
			Deltas:     deltaBatch,
		}); err != nil {
			return err
		}
		var ack BatchAck
		if err := p.receiveAs(ctx, conn, MessageBatchAck, &ack); err != nil {
			return err
		}
	}

	if err := p.send(ctx, conn, MessageSyncComplete, SyncComplete{
		EntitiesSent:     len(deltas),
		EntitiesReceived: received,
		Conflicts:        conflicted,
	}); err != nil {
		return err
	}

	entry := agent.SyncHistoryEntry{
		DeviceID:         peerID,
		SpaceID:          request.SpaceID,
		EntitiesSent:     len(deltas),
		EntitiesReceived: received,
		Conflicts:        conflicted,
		Success:          true,
	}
	if err := p.agent.RecordHistory(ctx, entry); err != nil {
		p.logger.Warn("sync history record failed", zap.Error(err))
	}
	return nil
}

func (p *Protocol) send(ctx context.Context, conn MessageConn, messageType MessageType, payload any) error {
	envelope, err := NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	return conn.Send(ctx, envelope)
}

func (p *Protocol) receiveAs(ctx context.Context, conn MessageConn, expected MessageType, target any) error {
	envelope, err := conn.Receive(ctx)
	if err != nil {
		return err
	}
	if envelope.Type == MessageError {
		var remoteErr ErrorMessage
		if err := envelope.Decode(&remoteErr); err != nil {
			return err
		}
		return fmt.Errorf("protocol: peer error %s: %s", remoteErr.Code, remoteErr.Message)
	}
	if envelope.Type != expected {
		return fmt.Errorf("protocol: expected %s, got %s", expected, envelope.Type)
	}
	return envelope.Decode(target)
}

func (p *Protocol) sendError(ctx context.Context, conn MessageConn, code, message string) error {
	if err := p.send(ctx, conn, MessageError, ErrorMessage{Code: code, Message: message}); err != nil {
		return err
	}
	return fmt.Errorf("protocol: %s: %s", code, message)
}
