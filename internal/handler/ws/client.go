package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/service/session"
	"trainhub-realtime/pkg/constants"
	apperrors "trainhub-realtime/pkg/errors"
	"trainhub-realtime/pkg/logger"
)

// sdpAnswerer is implemented by transports negotiated with the browser
type sdpAnswerer interface {
	HandleAnswer(sdp string) error
}

const (
	dirtyContacts uint8 = 1 << iota
	dirtyMessages
	dirtyCall
	dirtyMedia

	dirtyAll = dirtyContacts | dirtyMessages | dirtyCall | dirtyMedia
)

// Client is one WebSocket connection and the session it hosts
type Client struct {
	hub      *SessionHub
	conn     *websocket.Conn
	send     chan []byte
	user     domain.Participant
	session  *session.Session
	answerer sdpAnswerer

	ctx    context.Context
	cancel context.CancelFunc

	// dirty wakes pushLoop; pending says what to rebuild.
	dirty   chan struct{}
	mu      sync.Mutex
	pending uint8

	closeOnce sync.Once
}

// SendOffer relays a renegotiation offer of the media transport to the browser
func (c *Client) SendOffer(room, sdp string) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.enqueue(sdpOfferPush{Type: PushSDPOffer, Room: room, SDP: sdp})
	return nil
}

// watch registers the session observers. They run on store and transport
// goroutines, so they only flag what changed.
func (c *Client) watch() {
	s := c.session
	s.Directory.OnChange(func() { c.mark(dirtyContacts) })
	s.Chat.OnChange(func(string, []domain.Message) { c.mark(dirtyMessages) })
	s.Calls.OnChange(func() { c.mark(dirtyCall | dirtyMedia) })
	s.Media.OnChange(func() { c.mark(dirtyMedia) })
	c.mark(dirtyAll)
}

func (c *Client) mark(flags uint8) {
	c.mu.Lock()
	c.pending |= flags
	c.mu.Unlock()

	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) takePending() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := c.pending
	c.pending = 0
	return flags
}

// pushLoop turns state changes into pushes, coalescing bursts
func (c *Client) pushLoop() {
	lastOffer := ""
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.dirty:
		}

		flags := c.takePending()
		if flags&dirtyContacts != 0 {
			c.enqueue(contactsPush{
				Type:     PushContacts,
				Contacts: c.session.Directory.Contacts(),
				Groups:   c.session.Directory.Groups(),
			})
		}
		if flags&dirtyMessages != 0 {
			messages := c.session.Chat.Messages()
			if messages == nil {
				messages = []domain.Message{}
			}
			c.enqueue(messagesPush{
				Type:            PushMessages,
				ConversationKey: c.session.Chat.Key(),
				Messages:        messages,
			})
		}
		if flags&dirtyCall != 0 {
			state := c.session.Calls.State()
			c.enqueue(callStatePush{
				Type:    PushCallState,
				Phase:   state.Phase,
				Session: state.Session,
				Outcome: state.Outcome,
			})

			offer := ""
			if state.IncomingOffer != nil {
				offer = state.IncomingOffer.ID
			}
			if offer != lastOffer {
				lastOffer = offer
				c.enqueue(incomingOfferPush{Type: PushIncomingOffer, Session: state.IncomingOffer})
			}
		}
		if flags&dirtyMedia != 0 {
			local := c.session.Media.State()
			remote := c.session.Media.RemoteTracks()
			if remote == nil {
				remote = []domain.RemoteTrack{}
			}
			c.enqueue(mediaStatePush{
				Type:          PushMediaState,
				MicMuted:      local.MicMuted,
				CameraOn:      local.CameraOn,
				ScreenSharing: local.ScreenSharing,
				RemoteTracks:  remote,
			})
		}
	}
}

// enqueue queues a push. A client that cannot keep up is disconnected.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode push", zap.String("user_id", c.user.ID), zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		logger.Warn("Send buffer full, disconnecting client", zap.String("user_id", c.user.ID))
		c.cancel()
	}
}

// readPump reads commands until the connection fails, then tears the session down
func (c *Client) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read failed", zap.String("user_id", c.user.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reportError(apperrors.ValidationError("Invalid command format"))
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(cmd.Type, "in")

		ctx, cancel := context.WithTimeout(c.ctx, constants.CommandTimeout)
		err = c.dispatch(ctx, cmd)
		cancel()
		if err != nil {
			c.reportError(err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, cmd Command) error {
	s := c.session
	switch cmd.Type {
	case CommandOpenConversation:
		// conversations are only reachable through the directory
		var err error
		switch {
		case cmd.ContactID != "":
			_, err = s.OpenConversation(ctx, cmd.ContactID)
		case cmd.GroupID != "":
			_, err = s.OpenGroupConversation(ctx, cmd.GroupID)
		default:
			return apperrors.ValidationError("contact_id or group_id is required")
		}
		if err != nil {
			return err
		}
		// an empty log emits no change, the client still needs the new key
		c.mark(dirtyMessages)
		return nil
	case CommandCloseConversation:
		s.Chat.Close()
		c.mark(dirtyMessages)
		return nil
	case CommandSend:
		_, err := s.Chat.Send(ctx, cmd.Text)
		return err
	case CommandEdit:
		return s.Chat.Edit(ctx, cmd.MessageID, cmd.Text)
	case CommandDelete:
		return s.Chat.Delete(ctx, cmd.MessageID)
	case CommandStartCall:
		kind := domain.CallKind(cmd.Kind)
		if !kind.Valid() {
			return apperrors.ValidationError("kind must be voice or video")
		}
		_, err := s.StartCall(ctx, cmd.ContactID, kind)
		return err
	case CommandAcceptCall:
		return s.Calls.AcceptCall(ctx)
	case CommandRejectCall:
		return s.Calls.RejectCall(ctx)
	case CommandEndCall:
		return s.Calls.EndCall(ctx)
	case CommandToggleMic:
		s.Media.ToggleMic()
		return nil
	case CommandToggleCamera:
		s.Media.ToggleCamera()
		return nil
	case CommandToggleScreen:
		_, err := s.Media.ToggleScreenShare(ctx)
		return err
	case CommandSDPAnswer:
		if c.answerer == nil {
			return apperrors.ValidationError("transport does not negotiate with the client")
		}
		if err := c.answerer.HandleAnswer(cmd.SDP); err != nil {
			return apperrors.TransportError("SDP answer", err)
		}
		return nil
	default:
		return apperrors.ValidationError("unknown command type")
	}
}

// reportError sends a transient error push; the connection stays open
func (c *Client) reportError(err error) {
	code := string(apperrors.ErrCodeInternal)
	message := "Internal error"
	if appErr := apperrors.GetAppError(err); appErr != nil {
		code = string(appErr.Code)
		message = appErr.Message
	} else {
		logger.Error("Command failed", zap.String("user_id", c.user.ID), zap.Error(err))
	}

	c.hub.metrics.RecordWebSocketError(code)
	c.enqueue(errorPush{Type: PushError, Code: code, Message: message})
}

// writePump is the only writer of the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
			c.hub.metrics.RecordWebSocketMessage(pushType(message), "out")

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// cleanup ends the session once the read side is gone
func (c *Client) cleanup() {
	c.closeOnce.Do(func() {
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), constants.SessionCloseTimeout)
		defer cancel()
		c.session.Close(ctx)

		c.hub.unregister(c)
		_ = c.conn.Close()

		logger.Info("Realtime session closed", zap.String("user_id", c.user.ID))
	})
}

func pushType(message []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return "unknown"
	}
	return head.Type
}
