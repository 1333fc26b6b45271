package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/presence"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/metrics"
)

const outboundBuffer = 256

type inbound struct {
	frame Inbound
	err   error
}

type session struct {
	id       string
	userID   string
	platform string
	gw       *Gateway
	conn     Conn
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	in  chan inbound
	out chan Outbound

	// subs is owned by the loop goroutine.
	subs       map[string]*bus.Subscription
	forwarders sync.WaitGroup
	io         sync.WaitGroup
}

func newSession(g *Gateway, conn Conn, userID, platform string) *session {
	ctx, cancel := context.WithCancel(g.ctx)
	id := uuid.NewString()
	return &session{
		id:       id,
		userID:   userID,
		platform: platform,
		gw:       g,
		conn:     conn,
		logger:   g.logger.WithSession(id, userID),
		ctx:      ctx,
		cancel:   cancel,
		in:       make(chan inbound),
		out:      make(chan Outbound, outboundBuffer),
		subs:     make(map[string]*bus.Subscription),
	}
}

func (s *session) run() {
	metrics.IncrementSessions()
	defer metrics.DecrementSessions()
	defer s.close()

	s.touchPresence()
	s.logger.Info("session opened", zap.String("platform", s.platform))

	s.io.Add(2)
	go s.readLoop()
	go s.writeLoop()
	s.loop()
}

// loop handles frames one at a time and drives the heartbeat. Any inbound
// frame counts as liveness.
func (s *session) loop() {
	cfg := s.gw.cfg
	timer := time.NewTimer(cfg.PingInterval)
	defer timer.Stop()
	awaitingPong := false

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.in:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(cfg.PingInterval)
			awaitingPong = false

			if item.err != nil {
				metrics.GatewayFramesTotal.WithLabelValues("invalid", "error").Inc()
				s.send(errorFrame("", item.err))
				continue
			}
			s.handle(item.frame)
		case <-timer.C:
			if awaitingPong {
				s.logger.Info("heartbeat timed out")
				return
			}
			awaitingPong = true
			s.send(Outbound{Type: OutPing})
			timer.Reset(cfg.PongTimeout)
		}
	}
}

func (s *session) readLoop() {
	defer s.io.Done()
	defer s.cancel()
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			if s.ctx.Err() == nil && !isClosed(err) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var item inbound
		if err := json.Unmarshal(data, &item.frame); err != nil {
			item.err = fmt.Errorf("%w: frame is not a JSON object", model.ErrInvalidPayload)
		} else if !item.frame.Type.Valid() {
			item.err = fmt.Errorf("%w: unknown frame type %q", model.ErrInvalidPayload, item.frame.Type)
		}

		select {
		case s.in <- item:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeLoop() {
	defer s.io.Done()
	defer s.cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error("failed to encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
				continue
			}
			if err := s.conn.WriteFrame(data); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

// send queues a frame for the writer. It gives up once the session ends.
func (s *session) send(frame Outbound) {
	select {
	case s.out <- frame:
	case <-s.ctx.Done():
	}
}

// close releases everything the session holds. It runs on every exit path.
func (s *session) close() {
	s.cancel()
	for topic, sub := range s.subs {
		s.gw.svc.Bus.Unsubscribe(sub)
		delete(s.subs, topic)
	}
	s.forwarders.Wait()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close failed", zap.Error(err))
	}
	s.io.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.gw.svc.Presence.Remove(ctx, s.userID, s.gw.cfg.InstanceID); err != nil {
		s.logger.Warn("failed to remove presence", zap.Error(err))
	}
	s.logger.Info("session closed")
}

func (s *session) touchPresence() {
	err := s.gw.svc.Presence.Set(s.ctx, s.userID, presence.Info{
		InstanceID: s.gw.cfg.InstanceID,
		Platform:   s.platform,
		LastPingTS: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Warn("failed to set presence", zap.Error(err))
	}
}

func (s *session) handle(f Inbound) {
	err := s.dispatch(f)
	result := "ok"
	if err != nil {
		result = "error"
		s.send(errorFrame(f.Ref, err))
		if model.ErrorCode(err) == "internal" {
			s.logger.Error("frame failed", zap.String("type", string(f.Type)), zap.Error(err))
		}
	}
	metrics.GatewayFramesTotal.WithLabelValues(string(f.Type), result).Inc()
}

func (s *session) dispatch(f Inbound) error {
	switch f.Type {
	case FrameSubscribe:
		return s.subscribe(f)
	case FrameUnsubscribe:
		return s.unsubscribe(f)
	case FramePing:
		s.send(Outbound{Type: OutPong, Ref: f.Ref})
		return nil
	case FramePong:
		s.touchPresence()
		return nil
	case FrameSendMsg:
		return s.sendMessage(f)
	case FrameStreamChunk:
		return s.streamChunk(f)
	case FrameDelivered:
		return s.delivered(f)
	case FrameRead:
		return s.read(f)
	case FrameTyping:
		return s.typing(f)
	case FrameCallInitiate:
		return s.callInitiate(f)
	case FrameCallRinging:
		return s.callStatus(f, model.CallRinging)
	case FrameCallAccept:
		return s.callAccept(f)
	case FrameCallReject:
		return s.callStatus(f, model.CallRejected)
	case FrameCallHangup:
		return s.callHangup(f)
	case FrameCallSignal:
		return s.callSignal(f)
	}
	return fmt.Errorf("%w: unknown frame type %q", model.ErrInvalidPayload, f.Type)
}

func required(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", model.ErrInvalidPayload, name)
	}
	return nil
}

func (s *session) subscribe(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	ok, err := s.gw.svc.Conversations.IsMember(s.ctx, f.ConversationID, s.userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s: %w", f.ConversationID, model.ErrForbidden)
	}

	topic := event.Topic(f.ConversationID)
	if _, held := s.subs[topic]; !held {
		sub, err := s.gw.svc.Bus.Subscribe(s.ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.subs[topic] = sub
		s.forwarders.Add(1)
		go s.forward(sub)
	}
	s.send(Outbound{Type: OutSubscribed, Ref: f.Ref, ConversationID: f.ConversationID})
	return nil
}

// forward relays a subscription's events until it is removed.
func (s *session) forward(sub *bus.Subscription) {
	defer s.forwarders.Done()
	for env := range sub.C() {
		if env.DeliverableTo(s.userID) {
			s.send(eventFrame(env))
		}
	}
}

func (s *session) unsubscribe(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	topic := event.Topic(f.ConversationID)
	if sub, held := s.subs[topic]; held {
		s.gw.svc.Bus.Unsubscribe(sub)
		delete(s.subs, topic)
	}
	s.send(Outbound{Type: OutUnsubscribed, Ref: f.Ref, ConversationID: f.ConversationID})
	return nil
}

func (s *session) sendMessage(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	msgType := f.MsgType
	if msgType == "" {
		msgType = model.MessageText
	}
	msg, err := s.gw.svc.Messages.CreateMessage(s.ctx, service.CreateMessageInput{
		ConversationID: f.ConversationID,
		SenderID:       s.userID,
		Type:           msgType,
		Content:        f.Content,
		ReplyTo:        f.ReplyTo,
		ClientMsgID:    f.ClientMsgID,
	})
	if err != nil {
		return err
	}
	s.send(Outbound{
		Type:           OutAck,
		Ref:            f.Ref,
		Event:          AckMessageSent,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
	})
	return nil
}

func (s *session) streamChunk(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	msg, err := s.gw.svc.Messages.CreateStreamChunk(s.ctx, service.StreamChunkInput{
		ConversationID: f.ConversationID,
		SenderID:       s.userID,
		Chunk:          f.Chunk,
		StreamID:       f.StreamID,
		ChunkIndex:     f.ChunkIndex,
		End:            f.StreamEnd,
		ClientMsgID:    f.ClientMsgID,
	})
	if err != nil {
		return err
	}
	ack := Outbound{
		Type:           OutAck,
		Ref:            f.Ref,
		Event:          AckStreamSent,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
	}
	if msg.StreamID != nil {
		ack.StreamID = *msg.StreamID
	}
	s.send(ack)
	return nil
}

func (s *session) delivered(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	if err := required("message_id", f.MessageID); err != nil {
		return err
	}
	if _, err := s.gw.svc.Receipts.MarkDelivered(s.ctx, f.ConversationID, f.MessageID, s.userID); err != nil {
		return err
	}
	s.send(Outbound{Type: OutAck, Ref: f.Ref, Event: AckDelivered, ConversationID: f.ConversationID, MessageID: f.MessageID})
	return nil
}

func (s *session) read(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	if err := required("last_read_message_id", f.LastReadMessageID); err != nil {
		return err
	}
	cur, err := s.gw.svc.Receipts.MarkRead(s.ctx, f.ConversationID, s.userID, f.LastReadMessageID)
	if err != nil {
		return err
	}
	ack := Outbound{Type: OutAck, Ref: f.Ref, Event: AckRead, ConversationID: f.ConversationID, Seq: &cur.LastReadSeq}
	if cur.LastReadMessageID != nil {
		ack.MessageID = *cur.LastReadMessageID
	}
	s.send(ack)
	return nil
}

// typing is only accepted on conversations the session subscribed to.
func (s *session) typing(f Inbound) error {
	if _, held := s.subs[event.Topic(f.ConversationID)]; !held {
		return fmt.Errorf("typing in %q without subscription: %w", f.ConversationID, model.ErrForbidden)
	}
	typing := true
	if f.Typing != nil {
		typing = *f.Typing
	}
	s.gw.svc.Notifier.Notify(s.ctx, f.ConversationID, event.TypingPayload{UserID: s.userID, Typing: typing})
	return nil
}

func (s *session) callInitiate(f Inbound) error {
	if err := required("conversation_id", f.ConversationID); err != nil {
		return err
	}
	call, err := s.gw.svc.Calls.CreateCall(s.ctx, f.ConversationID, s.userID)
	if err != nil {
		return err
	}
	ice := s.gw.svc.Calls.ICEConfiguration(s.userID)
	s.send(Outbound{
		Type:             OutCallInitiated,
		Ref:              f.Ref,
		ConversationID:   call.ConversationID,
		CallID:           call.ID,
		Status:           call.Status,
		ICEConfiguration: &ice,
	})
	return nil
}

func (s *session) callAccept(f Inbound) error {
	if err := required("call_id", f.CallID); err != nil {
		return err
	}
	joined, err := s.gw.svc.Calls.JoinCall(s.ctx, f.CallID, s.userID)
	if err != nil {
		return err
	}
	if !joined {
		return fmt.Errorf("call %s has ended: %w", f.CallID, model.ErrConflict)
	}
	ice := s.gw.svc.Calls.ICEConfiguration(s.userID)
	s.send(Outbound{Type: OutICEConfiguration, Ref: f.Ref, CallID: f.CallID, ICEConfiguration: &ice})
	return nil
}

func (s *session) callStatus(f Inbound, status model.CallStatus) error {
	if err := required("call_id", f.CallID); err != nil {
		return err
	}
	call, err := s.gw.svc.Calls.UpdateCallStatus(s.ctx, f.CallID, status, s.userID)
	if err != nil {
		return err
	}
	s.send(Outbound{Type: OutAck, Ref: f.Ref, Event: AckCallUpdated, ConversationID: call.ConversationID, CallID: call.ID, Status: call.Status})
	return nil
}

func (s *session) callHangup(f Inbound) error {
	if err := required("call_id", f.CallID); err != nil {
		return err
	}
	left, err := s.gw.svc.Calls.LeaveCall(s.ctx, f.CallID, s.userID)
	if err != nil {
		return err
	}
	if !left {
		return fmt.Errorf("not in call %s: %w", f.CallID, model.ErrConflict)
	}
	s.send(Outbound{Type: OutAck, Ref: f.Ref, Event: AckCallUpdated, CallID: f.CallID})
	return nil
}

func (s *session) callSignal(f Inbound) error {
	if err := required("call_id", f.CallID); err != nil {
		return err
	}
	if err := s.gw.svc.Calls.Relay(s.ctx, f.CallID, s.userID, f.ToUserID, f.Payload); err != nil {
		return err
	}
	s.send(Outbound{Type: OutAck, Ref: f.Ref, Event: AckSignalRelayed, CallID: f.CallID})
	return nil
}
