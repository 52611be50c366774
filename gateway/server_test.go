package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"paper-trading-go/auth"
	"paper-trading-go/exec"
	"paper-trading-go/feed"
	"paper-trading-go/infrastructure/logger"
	"paper-trading-go/internal/engine"
	"paper-trading-go/order"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

type wsEnv struct {
	srv  *Server
	http *httptest.Server
	fd   *feed.Feed
}

func newWSEnv(t *testing.T, cfg Config) *wsEnv {
	t.Helper()

	st := store.NewMemoryStore()
	acct := position.NewAccountant(st)
	bus := pubsub.NewBus()
	fd := feed.New([]feed.SymbolSpec{{
		Symbol:       "BTCUSDT",
		InitialPrice: 50000,
		Volatility:   0.0001,
		SpreadBps:    2,
		TickSize:     0.1,
	}}, 100*time.Millisecond, 1, nil)

	simCfg := exec.DefaultConfig()
	simCfg.SlippageBps = 0
	sim := exec.New(st, acct, bus, simCfg, exec.NowUTC, 1, nil)

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	eng, err := engine.New(engine.Config{}, engine.Components{
		Store: st, Accountant: acct, Simulator: sim, Feed: fd, Bus: bus, Logger: log,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	authn := auth.NewStaticAuthenticator([]auth.Account{
		{Token: "t-trader", AccountID: "acc1", Role: auth.RoleTrader},
		{Token: "t-viewer", AccountID: "acc2", Role: auth.RoleViewer},
		{Token: "t-admin", AccountID: "admin", Role: auth.RoleAdmin},
	})

	srv := NewServer(cfg, eng, authn, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		eng.Stop()
		bus.Close()
		st.Close()
	})
	return &wsEnv{srv: srv, http: ts, fd: fd}
}

func dialWS(t *testing.T, env *wsEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authAs(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	if err := conn.WriteJSON(ClientMessage{Type: "auth", Token: token}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var reply ServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if reply.Type != "auth_ok" {
		t.Fatalf("auth failed: %+v", reply)
	}
}

func readReply(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)

	if err := conn.WriteJSON(ClientMessage{Type: "submit_order", ReqID: "1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Type != "error" || reply.Code != CodeUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %+v", reply)
	}
	// 之后连接应当关闭
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after failed auth")
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)

	if err := conn.WriteJSON(ClientMessage{Type: "auth", Token: "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Code != CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", reply)
	}
}

func TestSubmitCancelRoundtrip(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	price := decimal.NewFromInt(40000)
	if err := conn.WriteJSON(ClientMessage{
		Type:  "submit_order",
		ReqID: "1",
		Order: &OrderRequest{
			ClientOrderID: "c1",
			Symbol:        "BTCUSDT",
			Side:          "buy",
			Type:          "limit",
			Quantity:      decimal.NewFromInt(5),
			Price:         &price,
		},
	}); err != nil {
		t.Fatalf("write submit: %v", err)
	}

	reply := readReply(t, conn)
	if reply.Type != "result" || reply.ReqID != "1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Order.Status != order.StatusAccepted {
		t.Fatalf("status got %s", reply.Order.Status)
	}
	if reply.Order.AccountID != "acc1" {
		t.Fatalf("account must come from the session: %s", reply.Order.AccountID)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "cancel_order", ReqID: "2", OrderID: reply.Order.ID}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	reply = readReply(t, conn)
	if reply.Type != "result" || reply.Order.Status != order.StatusCancelled {
		t.Fatalf("cancel reply %+v", reply)
	}

	// 重复撤单拿到 already_terminal
	if err := conn.WriteJSON(ClientMessage{Type: "cancel_order", ReqID: "3", OrderID: reply.Order.ID}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	reply = readReply(t, conn)
	if reply.Type != "error" || reply.Code != CodeAlreadyTerminal {
		t.Fatalf("expected already_terminal, got %+v", reply)
	}
}

func TestMarketOrderWithoutTickCarriesRejectedOrder(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	// 行情尚未产生，市价单被拒，错误帧必须带上被拒订单
	if err := conn.WriteJSON(ClientMessage{
		Type:  "submit_order",
		ReqID: "1",
		Order: &OrderRequest{
			ClientOrderID: "nm1", Symbol: "BTCUSDT", Side: "buy", Type: "market",
			Quantity: decimal.NewFromInt(1),
		},
	}); err != nil {
		t.Fatalf("write submit: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Type != "error" || reply.Code != CodeNoMarketData {
		t.Fatalf("expected no_market_data, got %+v", reply)
	}
	if reply.Order == nil || reply.Order.Status != order.StatusRejected {
		t.Fatalf("error frame should carry the rejected order, got %+v", reply.Order)
	}
}

func TestViewerCannotSubmit(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)
	authAs(t, conn, "t-viewer")

	price := decimal.NewFromInt(40000)
	if err := conn.WriteJSON(ClientMessage{
		Type:  "submit_order",
		ReqID: "1",
		Order: &OrderRequest{
			ClientOrderID: "c1", Symbol: "BTCUSDT", Side: "buy", Type: "limit",
			Quantity: decimal.NewFromInt(1), Price: &price,
		},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Code != CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", reply)
	}
}

func TestSubscribeDeliversLifecycleEvents(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", ReqID: "1", Channel: "orders:acc1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if reply := readReply(t, conn); reply.Type != "subscribed" {
		t.Fatalf("subscribe reply %+v", reply)
	}

	price := decimal.NewFromInt(40000)
	if err := conn.WriteJSON(ClientMessage{
		Type:  "submit_order",
		ReqID: "2",
		Order: &OrderRequest{
			ClientOrderID: "c1", Symbol: "BTCUSDT", Side: "buy", Type: "limit",
			Quantity: decimal.NewFromInt(5), Price: &price,
		},
	}); err != nil {
		t.Fatalf("write submit: %v", err)
	}

	// result + pending/accepted 事件（顺序上 result 和事件可能交错）
	var sawResult, sawPending, sawAccepted bool
	for i := 0; i < 3; i++ {
		msg := readReply(t, conn)
		switch msg.Type {
		case "result":
			sawResult = true
		case "event":
			if msg.Event == nil || msg.Event.Order == nil {
				t.Fatalf("event without order: %+v", msg)
			}
			switch msg.Event.Order.Status {
			case order.StatusPending:
				sawPending = true
			case order.StatusAccepted:
				sawAccepted = true
			}
		}
	}
	if !sawResult || !sawPending || !sawAccepted {
		t.Fatalf("missing frames: result=%v pending=%v accepted=%v", sawResult, sawPending, sawAccepted)
	}
}

func TestForeignChannelDenied(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", ReqID: "1", Channel: "orders:acc2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Code != CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", reply)
	}
}

func TestRateLimiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageRate = 0.001
	cfg.MessageBurst = 1
	env := newWSEnv(t, cfg)
	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(ClientMessage{Type: "list_orders", ReqID: "r"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	first := readReply(t, conn)
	if first.Type != "orders" {
		t.Fatalf("first message should pass: %+v", first)
	}
	second := readReply(t, conn)
	if second.Type != "error" || second.Code != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", second)
	}
}

func TestListPositionsAfterMarketFill(t *testing.T) {
	env := newWSEnv(t, DefaultConfig())
	env.fd.Step(time.Now().UTC())

	conn := dialWS(t, env)
	authAs(t, conn, "t-trader")

	if err := conn.WriteJSON(ClientMessage{
		Type:  "submit_order",
		ReqID: "1",
		Order: &OrderRequest{
			ClientOrderID: "m1", Symbol: "BTCUSDT", Side: "buy", Type: "market",
			Quantity: decimal.NewFromInt(2),
		},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, conn)
	if reply.Type != "result" || reply.Order.Status != order.StatusFilled {
		t.Fatalf("market order reply %+v", reply)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "list_positions", ReqID: "2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply = readReply(t, conn)
	if reply.Type != "positions" || len(reply.Positions) != 1 {
		t.Fatalf("positions reply %+v", reply)
	}
	if !reply.Positions[0].NetQuantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("net got %s", reply.Positions[0].NetQuantity)
	}
}
