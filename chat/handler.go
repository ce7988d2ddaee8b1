package chat

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/archivist-app/chatcore/transport"
	"github.com/archivist-app/chatcore/wire"
)

// handler adapts the service to the transport's inbound interface.
type handler struct {
	svc *Service
}

// Handler returns the transport-facing view of the service.
func (s *Service) Handler() transport.Handler {
	return &handler{svc: s}
}

// HandleBundleExchange answers a peer's bundle offer with our own. The
// exchange is symmetric: we pin the initiator's certificate
// fingerprint, record their identity key, and open our own outbound
// session toward them, so either side can send first.
func (h *handler) HandleBundleExchange(req wire.BundleRequest) (wire.BundleResponse, error) {
	s := h.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	peerID := req.SenderID
	if peerID == "" {
		peerID = req.Bundle.PeerID
	}
	if peerID == "" {
		return wire.BundleResponse{}, fmt.Errorf("%w: bundle request missing peer id", ErrChat)
	}
	if err := s.checkTrustLocked(peerID, req.CertFingerprint); err != nil {
		return wire.BundleResponse{}, err
	}
	s.peerKeys[peerID] = req.Bundle.IdentityKey

	ours := s.identity.ExportPreKeyBundle()
	if !s.sessions.HasSession(peerID) {
		if err := s.sessions.CreateOutboundSession(peerID, req.Bundle); err != nil {
			return wire.BundleResponse{}, err
		}
	}
	s.identity.MarkKeysAsPublished()
	if err := s.identity.GenerateOneTimeKeysIfNeeded(s.keyStore); err != nil {
		return wire.BundleResponse{}, err
	}
	if _, err := s.store.GetOrCreateDirect(peerID); err != nil {
		return wire.BundleResponse{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleBundleExchange",
		"peer_id":  peerID,
	}).Info("Served pre-key bundle")
	return wire.BundleResponse{
		SenderID:        s.identity.PeerID(),
		Bundle:          ours,
		CertFingerprint: s.certFingerprint,
	}, nil
}

func (h *handler) HandleMessage(payload wire.MessagePayload) error {
	return h.svc.ReceiveMessage(payload)
}

func (h *handler) HandleGroupInvite(payload wire.GroupInvitePayload) error {
	return h.svc.HandleGroupInvite(payload)
}

func (h *handler) HandleGroupMessage(payload wire.GroupMessagePayload) error {
	return h.svc.HandleGroupMessage(payload)
}

func (h *handler) HandleGroupRekey(payload wire.GroupRekeyPayload) error {
	return h.svc.HandleGroupRekey(payload)
}

func (h *handler) HandleAck(payload wire.AckPayload) error {
	return h.svc.ReceiveAck(payload)
}

func (h *handler) Health() wire.HealthResponse {
	return wire.HealthResponse{Status: "ok", PeerID: h.svc.Identity().PeerID}
}

func marshalContent(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func unmarshalContent(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
