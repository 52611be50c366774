package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paper-trading-go/auth"
	"paper-trading-go/metrics"
	"paper-trading-go/pubsub"
)

// Session 单个 WebSocket 连接的状态机：未鉴权 -> 已鉴权 -> 关闭。
type Session struct {
	srv  *Server
	conn *websocket.Conn
	send chan ServerMessage

	authCtx *auth.Context
	limiter RateLimiter

	subMu sync.Mutex
	subs  map[string]*pubsub.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	return &Session{
		srv:     srv,
		conn:    conn,
		send:    make(chan ServerMessage, 64),
		limiter: NewTokenBucketLimiter(srv.cfg.MessageRate, srv.cfg.MessageBurst),
		subs:    make(map[string]*pubsub.Subscription),
		done:    make(chan struct{}),
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.subMu.Lock()
		for _, sub := range s.subs {
			sub.Close()
		}
		s.subs = nil
		s.subMu.Unlock()
		s.conn.Close()
		s.srv.dropSession(s)
		metrics.WSConnections.Dec()
	})
}

// enqueue 出站排队。会话关闭或积压时丢弃。
func (s *Session) enqueue(msg ServerMessage) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
	}
}

func (s *Session) readPump() {
	defer s.close()

	metrics.WSConnections.Inc()
	s.conn.SetReadLimit(s.srv.cfg.MaxMessageSize)

	// 第一帧必须在期限内完成鉴权
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout))
	if !s.authenticate() {
		return
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.enqueue(errorMsg("", CodeValidationError, "malformed message"))
			continue
		}
		if !s.limiter.Allow() {
			metrics.WSRateLimited.Inc()
			s.enqueue(errorMsg(msg.ReqID, CodeRateLimited, "slow down"))
			continue
		}
		metrics.WSMessagesIn.WithLabelValues(msg.Type).Inc()
		s.dispatch(msg)
	}
}

func (s *Session) writePump() {
	pingInterval := s.srv.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// authenticate 读取并验证首帧。失败发一条错误后关闭连接。
func (s *Session) authenticate() bool {
	var msg ClientMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != "auth" {
		s.writeDirect(errorMsg(msg.ReqID, CodeUnauthenticated, "first message must be auth"))
		return false
	}
	ac, err := s.srv.authn.Authenticate(msg.Token)
	if err != nil {
		s.writeDirect(errorMsg(msg.ReqID, CodeUnauthenticated, "invalid token"))
		return false
	}
	s.authCtx = ac
	s.enqueue(ServerMessage{
		Type:    "auth_ok",
		ReqID:   msg.ReqID,
		Account: ac.AccountID,
		Role:    string(ac.Role),
		Ts:      time.Now().UTC(),
	})
	s.srv.logger.Info("session authenticated",
		zap.String("account", ac.AccountID), zap.String("role", string(ac.Role)))
	return true
}

// writeDirect 绕过队列直接写，仅用于鉴权失败即关的路径。
func (s *Session) writeDirect(msg ServerMessage) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteWait))
	_ = s.conn.WriteJSON(msg)
}

func (s *Session) dispatch(msg ClientMessage) {
	ctx := context.Background()

	switch msg.Type {
	case "submit_order":
		if msg.Order == nil {
			s.enqueue(errorMsg(msg.ReqID, CodeValidationError, "order payload required"))
			return
		}
		o, err := s.srv.engine.SubmitOrder(ctx, s.authCtx, msg.Order.ToSubmitRequest())
		if err != nil {
			// 市价单无行情时带上被拒订单
			reply := errorMsg(msg.ReqID, errorCode(err), err.Error())
			reply.Order = o
			s.enqueue(reply)
			return
		}
		s.enqueue(resultMsg(msg.ReqID, o))

	case "cancel_order":
		o, err := s.srv.engine.CancelOrder(ctx, s.authCtx, msg.OrderID)
		if err != nil {
			reply := errorMsg(msg.ReqID, errorCode(err), err.Error())
			reply.Order = o
			s.enqueue(reply)
			return
		}
		s.enqueue(resultMsg(msg.ReqID, o))

	case "get_order":
		o, err := s.srv.engine.GetOrder(ctx, s.authCtx, msg.OrderID)
		if err != nil {
			s.enqueue(errorMsg(msg.ReqID, errorCode(err), err.Error()))
			return
		}
		s.enqueue(resultMsg(msg.ReqID, o))

	case "list_orders":
		orders, err := s.srv.engine.ListOrders(ctx, s.authCtx, msg.Account)
		if err != nil {
			s.enqueue(errorMsg(msg.ReqID, errorCode(err), err.Error()))
			return
		}
		s.enqueue(ServerMessage{Type: "orders", ReqID: msg.ReqID, Orders: orders, Ts: time.Now().UTC()})

	case "list_positions":
		positions, err := s.srv.engine.ListPositions(ctx, s.authCtx, msg.Account)
		if err != nil {
			s.enqueue(errorMsg(msg.ReqID, errorCode(err), err.Error()))
			return
		}
		s.enqueue(ServerMessage{Type: "positions", ReqID: msg.ReqID, Positions: positions, Ts: time.Now().UTC()})

	case "subscribe":
		s.subscribe(msg)

	case "unsubscribe":
		s.unsubscribe(msg)

	default:
		s.enqueue(errorMsg(msg.ReqID, CodeValidationError, "unknown action "+msg.Type))
	}
}

func (s *Session) subscribe(msg ClientMessage) {
	s.subMu.Lock()
	if _, dup := s.subs[msg.Channel]; dup {
		s.subMu.Unlock()
		s.enqueue(ServerMessage{Type: "subscribed", ReqID: msg.ReqID, Channel: msg.Channel, Ts: time.Now().UTC()})
		return
	}
	s.subMu.Unlock()

	sub, err := s.srv.engine.Subscribe(s.authCtx, msg.Channel)
	if err != nil {
		s.enqueue(errorMsg(msg.ReqID, errorCode(err), err.Error()))
		return
	}

	s.subMu.Lock()
	if s.subs == nil {
		// 会话已经关闭
		s.subMu.Unlock()
		sub.Close()
		return
	}
	s.subs[msg.Channel] = sub
	s.subMu.Unlock()

	go s.forward(sub)
	s.enqueue(ServerMessage{Type: "subscribed", ReqID: msg.ReqID, Channel: msg.Channel, Ts: time.Now().UTC()})
}

func (s *Session) unsubscribe(msg ClientMessage) {
	s.subMu.Lock()
	sub, ok := s.subs[msg.Channel]
	if ok {
		delete(s.subs, msg.Channel)
	}
	s.subMu.Unlock()

	if ok {
		sub.Close()
	}
	s.enqueue(ServerMessage{Type: "unsubscribed", ReqID: msg.ReqID, Channel: msg.Channel, Ts: time.Now().UTC()})
}

// forward 把频道事件搬运到出站队列，订阅取消后自然退出。
func (s *Session) forward(sub *pubsub.Subscription) {
	for ev := range sub.C() {
		e := ev
		s.enqueue(ServerMessage{
			Type:    "event",
			Channel: ev.Channel,
			Event:   &e,
			Ts:      time.Now().UTC(),
		})
	}
}
