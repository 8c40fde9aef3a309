package relay

import (
	"errors"
	"strings"
	"time"

	"nostr-relay-engine/internal/nostr"
	"nostr-relay-engine/internal/store"
)

const (
	noticeRateLimited     = "rate limited"
	noticeTooManyREQs     = "ERROR: too many concurrent REQs"
	noticeBadRequestToken = "bad req:"
)

// OnConnected implements SocketHandler
func (s *Service) OnConnected(sock Socket) {
	if !s.coord.OnConnected(sock) {
		return
	}
	s.logger.Info("relay connected", "relay", sock.Address())
	s.trigger()
}

// OnDisconnected implements SocketHandler
func (s *Service) OnDisconnected(sock Socket, err error) {
	dropped := s.coord.OnDisconnected(sock, err)
	if err != nil {
		s.metrics.ConnectionFailed(sock.Address())
	}
	if dropped > 0 {
		s.logger.Info("relay disconnected", "relay", sock.Address(), "dropped_subscriptions", dropped)
	}
}

// OnText implements SocketHandler
func (s *Service) OnText(sock Socket, frame []byte) {
	s.handleFrame(sock.Address(), frame)
}

// handleFrame dispatches one relay frame. Malformed frames are dropped.
func (s *Service) handleFrame(relay string, raw []byte) {
	msgType, args, err := decodeFrame(raw)
	if err != nil {
		s.logger.Debug("dropping frame", "relay", relay, "error", err)
		return
	}

	switch msgType {
	case msgEvent:
		err = s.handleEvent(relay, args)
	case msgEOSE:
		err = s.handleEOSE(relay, args)
	case msgOK:
		err = s.handleOK(relay, args)
	case msgNotice:
		err = s.handleNotice(relay, args)
	case msgClosed:
		err = s.handleClosed(relay, args)
	case msgAuth:
		err = s.handleAuth(relay, args)
	default:
		s.logger.Debug("unknown frame type", "relay", relay, "type", msgType)
		return
	}
	if err != nil {
		s.logger.Debug("dropping frame", "relay", relay, "type", msgType, "error", err)
	}
}

func (s *Service) handleEvent(relay string, args []interface{}) error {
	if len(args) < 2 {
		return errMalformedFrame
	}
	subID, ok := args[0].(string)
	if !ok {
		return errMalformedFrame
	}
	obj, ok := args[1].(map[string]interface{})
	if !ok {
		return errMalformedFrame
	}
	createdAt, ok := obj["created_at"].(float64)
	if !ok {
		return nostr.ErrBadTimestamp
	}

	s.parser.Enqueue(obj, relay)
	if s.coord.OnEventReceived(subID, time.Unix(int64(createdAt), 0)) {
		s.logger.Debug("one-time subscription fulfilled", "relay", relay, "subscription", nostr.ShortID(subID))
	}
	return nil
}

func (s *Service) handleEOSE(relay string, args []interface{}) error {
	subID, ok := stringArg(args, 0)
	if !ok {
		return errMalformedFrame
	}
	if s.coord.OnEOSE(subID) {
		s.logger.Debug("EOSE closed one-time subscription", "relay", relay, "subscription", nostr.ShortID(subID))
	}
	return nil
}

// publishAccepted reports whether an OK means the relay holds the event.
// Duplicates and replaced events count as delivered.
func publishAccepted(res okResult) bool {
	return res.Success ||
		strings.Contains(res.Message, "duplicate:") ||
		strings.Contains(res.Message, "replaced:")
}

func (s *Service) handleOK(relay string, args []interface{}) error {
	res, err := parseOK(args)
	if err != nil {
		return err
	}

	s.mu.Lock()
	authRelay, isAuth := s.authIDs[res.EventID]
	if isAuth {
		delete(s.authIDs, res.EventID)
	}
	s.mu.Unlock()
	if isAuth {
		s.handleAuthResult(authRelay, res)
		return nil
	}

	ctx := s.baseCtx
	if _, err := s.store.Find(ctx, res.EventID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to look up acknowledged event", "relay", relay, "event", nostr.ShortID(res.EventID), "error", err)
		}
		return nil
	}

	if !publishAccepted(res) {
		s.metrics.PublishRejected(relay)
		s.logger.Warn("relay rejected event", "relay", relay, "event", nostr.ShortID(res.EventID), "message", res.Message)
		return nil
	}
	if err := s.store.MarkPublished(ctx, res.EventID, relay); err != nil {
		s.logger.Error("failed to mark event published", "relay", relay, "event", nostr.ShortID(res.EventID), "error", err)
	}
	return nil
}

func (s *Service) handleNotice(relay string, args []interface{}) error {
	notice, ok := stringArg(args, 0)
	if !ok {
		return errMalformedFrame
	}
	switch {
	case notice == noticeRateLimited || notice == noticeTooManyREQs:
		s.reporter.ReportRateLimited(relay, notice)
	case strings.Contains(notice, noticeBadRequestToken):
		s.reporter.ReportBadRequest(relay, notice)
	}
	s.logger.Info("relay notice", "relay", relay, "notice", notice)
	return nil
}

func (s *Service) handleClosed(relay string, args []interface{}) error {
	subID, ok := stringArg(args, 0)
	if !ok {
		return errMalformedFrame
	}
	message, _ := stringArg(args, 1)
	s.coord.OnClosed(subID, message)
	s.logger.Debug("relay closed subscription", "relay", relay, "subscription", nostr.ShortID(subID), "message", message)
	return nil
}

// handleAuth answers a NIP-42 challenge with a signed kind 22242 event
func (s *Service) handleAuth(relay string, args []interface{}) error {
	challenge, ok := stringArg(args, 0)
	if !ok {
		return errMalformedFrame
	}
	if !s.key.Valid() {
		s.logger.Debug("ignoring auth challenge, no identity", "relay", relay)
		return nil
	}

	signed, err := s.signer.Sign(nostr.AuthEvent(relay, challenge, s.now().Unix()), s.key)
	if err != nil {
		return err
	}
	frame, err := authFrame(signed)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.authIDs[signed.ID] = relay
	s.mu.Unlock()

	if !s.coord.SendIfConnected(relay, frame) {
		s.mu.Lock()
		delete(s.authIDs, signed.ID)
		s.mu.Unlock()
		return nil
	}
	s.logger.Debug("sent auth", "relay", relay, "event", nostr.ShortID(signed.ID))
	return nil
}

func (s *Service) handleAuthResult(relay string, res okResult) {
	if !res.Success {
		s.logger.Warn("relay refused authentication", "relay", relay, "message", res.Message)
		return
	}
	s.logger.Info("authenticated to relay", "relay", relay)
	s.trigger()
}
