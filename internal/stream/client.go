package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"raze-trader/internal/config"
	"raze-trader/internal/metrics"
)

// Phase 为连接状态机的当前阶段。
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config 控制连接与重连行为。
type Config struct {
	TokenMint            string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns the stock reconnect policy.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		ReconnectDelay:       3 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         30 * time.Second,
		ReadTimeout:          90 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// ConfigFromSettings 将配置文件中的 stream 段转换为客户端配置。
func ConfigFromSettings(cfg config.StreamConfig) Config {
	return Config{
		TokenMint:            cfg.TokenMint,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		PingInterval:         cfg.PingInterval,
		ReadTimeout:          cfg.ReadTimeout,
		WriteTimeout:         cfg.WriteTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Params 为一次 Connect 会话的回调与地址。
type Params struct {
	FeedAddress    string
	OnEvent        func(TradeEvent)
	OnError        func(error)
	OnConnected    func()
	OnDisconnected func()
	// QuotePrice returns the current quote asset price in USD.
	QuotePrice func() float64
	// Supply returns the total supply of a token mint.
	Supply func(mint string) float64
}

type subscribeMessage struct {
	Action        string   `json:"action"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	TokenMint     string   `json:"tokenMint,omitempty"`
	Wallets       []string `json:"wallets,omitempty"`
}

// Client 维护一条到成交推送服务的长连接，负责订阅、归一化与有限次重连。
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	phase     Phase
	params    Params
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *websocket.Conn
	connDone  chan struct{}
	gen       uint64
	attempts  int
	timer     *time.Timer
	exhausted bool

	tokenMint string
	wallets   []string

	// writeMu serializes socket writes together with the last-sent bookkeeping.
	writeMu         sync.Mutex
	lastTokenMint   string
	lastWalletsJSON string

	wg sync.WaitGroup
}

// NewClient 创建客户端，调用 Connect 前不会发起任何网络请求。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		logger:    logger.Named("stream"),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		tokenMint: cfg.TokenMint,
	}
}

// Connect 校验参数并在后台建立连接。首次拨号失败同样进入重连流程。
func (c *Client) Connect(params Params) error {
	switch {
	case strings.TrimSpace(params.FeedAddress) == "":
		return &ValidationError{Field: "feed address"}
	case params.OnEvent == nil:
		return &ValidationError{Field: "OnEvent callback"}
	case params.OnError == nil:
		return &ValidationError{Field: "OnError callback"}
	}

	c.mu.Lock()
	if c.phase != PhaseDisconnected && c.phase != PhaseFailed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.params = params
	c.phase = PhaseConnecting
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dial()
	}()
	return nil
}

// Disconnect 关闭连接并取消待执行的重连，之后不会再自动重连。
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		if c.timer.Stop() {
			c.wg.Done()
		}
		c.timer = nil
	}
	conn := c.conn
	c.closeConnLocked()
	c.gen++
	wasActive := c.phase != PhaseDisconnected
	c.phase = PhaseDisconnected
	onDisconnected := c.params.OnDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasActive && conn != nil && onDisconnected != nil {
		onDisconnected()
	}
	c.logger.Info("推送连接已关闭")
}

// Wait blocks until background goroutines of past sessions have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseConnected
}

// Phase returns the current lifecycle phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// TokenMint returns the token currently subscribed.
func (c *Client) TokenMint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenMint
}

// UpdateSubscription 切换订阅的代币。未连接时仅记录，连接建立后发送。
func (c *Client) UpdateSubscription(tokenMint string) error {
	tokenMint = strings.TrimSpace(tokenMint)

	c.mu.Lock()
	c.tokenMint = tokenMint
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendTokenSubscription(conn)
}

// UpdateWalletSubscription 订阅指定钱包的成交。
func (c *Client) UpdateWalletSubscription(wallets []string) error {
	cp := append([]string(nil), wallets...)

	c.mu.Lock()
	c.wallets = cp
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendWalletSubscription(conn)
}

// sendTokenSubscription reads the wanted mint under writeMu so concurrent
// updates converge on the latest value.
func (c *Client) sendTokenSubscription(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.syncTokenLocked(conn)
}

func (c *Client) syncTokenLocked(conn *websocket.Conn) error {
	c.mu.Lock()
	mint := c.tokenMint
	c.mu.Unlock()

	if mint == c.lastTokenMint {
		return nil
	}
	if old := c.lastTokenMint; old != "" {
		if err := c.writeLocked(conn, subscribeMessage{Action: "unsubscribe", TokenMint: old}); err != nil {
			return err
		}
		c.lastTokenMint = ""
	}
	if mint == "" {
		return nil
	}
	if err := c.writeLocked(conn, subscribeMessage{Action: "subscribe", TokenMint: mint}); err != nil {
		return err
	}
	c.lastTokenMint = mint
	c.logger.Info("已订阅代币成交", zap.String("token", mint))
	return nil
}

func (c *Client) sendWalletSubscription(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.syncWalletsLocked(conn)
}

func (c *Client) syncWalletsLocked(conn *websocket.Conn) error {
	c.mu.Lock()
	wallets := append([]string(nil), c.wallets...)
	c.mu.Unlock()

	if len(wallets) == 0 {
		return nil
	}
	encoded, err := json.Marshal(wallets)
	if err != nil {
		return fmt.Errorf("stream: encode wallets: %w", err)
	}
	if string(encoded) == c.lastWalletsJSON {
		return nil
	}
	if err := c.writeLocked(conn, subscribeMessage{Action: "subscribe", Wallets: wallets}); err != nil {
		return err
	}
	c.lastWalletsJSON = string(encoded)
	return nil
}

func (c *Client) writeLocked(conn *websocket.Conn, msg subscribeMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return &NetworkError{Op: "write " + msg.Action, Err: err}
	}
	return nil
}

func (c *Client) dial() {
	c.mu.Lock()
	if c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.gen++
	gen := c.gen
	addr := c.params.FeedAddress
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, addr, nil)
	cancel()
	if err != nil {
		c.logger.Warn("推送连接失败", zap.String("url", addr), zap.Error(err))
		c.scheduleReconnect(gen)
		return
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if ctx.Err() != nil || gen != c.gen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connDone = make(chan struct{})
	done := c.connDone
	c.phase = PhaseConnected
	c.attempts = 0
	tokenMint := c.tokenMint
	onConnected := c.params.OnConnected
	c.mu.Unlock()

	// last-sent state belongs to the previous socket
	c.lastTokenMint = ""
	c.lastWalletsJSON = ""
	err = c.writeLocked(conn, subscribeMessage{Action: "subscribe", Subscriptions: []string{"trade"}})
	if err == nil {
		err = c.syncTokenLocked(conn)
	}
	if err == nil {
		err = c.syncWalletsLocked(conn)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("发送订阅失败", zap.Error(err))
	}

	c.logger.Info("推送连接已建立", zap.String("url", addr), zap.String("token", tokenMint))
	if onConnected != nil {
		onConnected()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(conn, done)
	}()
	c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("发送 ping 失败", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	f, err := parseFrame(raw)
	if err != nil {
		metrics.IncStreamMessage("error")
		c.logger.Warn("无法解析推送消息", zap.Error(err))
		c.emitError(err)
		return
	}

	switch f.kind {
	case frameControl:
		metrics.IncStreamMessage("ignored")
		c.logger.Info("推送控制消息", zap.String("type", f.typ), zap.String("message", f.message))
	case frameError:
		metrics.IncStreamMessage("error")
		c.emitError(&ProtocolError{Msg: f.message})
	case frameTrade:
		c.deliver(f.trade)
	default:
		metrics.IncStreamMessage("ignored")
		c.logger.Debug("忽略未知推送消息", zap.String("type", f.typ))
	}
}

func (c *Client) deliver(ev TradeEvent) {
	c.mu.Lock()
	subscribed := c.tokenMint
	params := c.params
	c.mu.Unlock()

	if subscribed == "" || ev.TokenMint != subscribed {
		metrics.IncStreamMessage("dropped")
		return
	}

	var quote, supply float64
	if params.QuotePrice != nil {
		quote = params.QuotePrice()
	}
	if params.Supply != nil {
		supply = params.Supply(ev.TokenMint)
	}
	ev.DerivedMarketCap = derivedMarketCap(ev.AvgPrice, quote, supply)

	metrics.IncStreamMessage("delivered")
	params.OnEvent(ev)
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	onError := c.params.OnError
	c.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (c *Client) handleDrop(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.phase = PhaseReconnecting
	onDisconnected := c.params.OnDisconnected
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("推送连接断开", zap.Error(cause))
	if onDisconnected != nil {
		onDisconnected()
	}
	c.scheduleReconnect(gen)
}

// scheduleReconnect arms the next attempt or moves to Failed once the budget is spent.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.phase = PhaseFailed
		c.timer = nil
		report := !c.exhausted
		c.exhausted = true
		onError := c.params.OnError
		c.mu.Unlock()

		if report {
			c.logger.Error("推送重连次数已用尽", zap.Int("attempts", c.cfg.MaxReconnectAttempts))
			if onError != nil {
				onError(ErrMaxReconnect)
			}
		}
		return
	}
	c.attempts++
	attempt := c.attempts
	c.phase = PhaseReconnecting
	c.wg.Add(1)
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		defer c.wg.Done()
		c.dial()
	})
	c.mu.Unlock()

	metrics.StreamReconnects.Inc()
	c.logger.Info("推送将重连",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
		zap.Duration("delay", c.cfg.ReconnectDelay),
	)
}

func (c *Client) closeConnLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.conn = nil
}
