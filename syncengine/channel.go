package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type ChannelState int

const (
	ChannelStateClosed ChannelState = iota
	ChannelStateConnecting
	ChannelStateOpen
	ChannelStateClosing
)

func (self ChannelState) String() string {
	switch self {
	case ChannelStateClosed:
		return "closed"
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var ErrChannelClosed = errors.New("channel closed")

type MessageFunction func(message any)
type ChannelStateFunction func(state ChannelState)

type ChannelSettings struct {
	// reconnects scheduled after an unexpected drop before giving up.
	// a successful open resets the budget, as does an offline->online
	// transition of the connectivity monitor
	ReconnectAttempts int
	// fixed delay between reconnects
	ReconnectInterval time.Duration
	// 0 disables the heartbeat
	HeartbeatInterval time.Duration
	HeartbeatMessage  string
	DialTimeout       time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		ReconnectAttempts: 5,
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMessage:  `{"type":"ping"}`,
		DialTimeout:       10 * time.Second,
	}
}

// Channel manages one logical duplex connection over a `ChannelTransport`:
//
//	closed --Connect--> connecting --dial ok--> open --drop--> closed
//	closed --reconnect timer/online--> connecting ...
//
// messages sent while not open are queued fifo and flushed on the next open.
// an explicit `Close` abandons the queue. inbound text is tentatively
// json-decoded, falling back to the raw text, and delivered to message
// callbacks.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport    ChannelTransport
	url          string
	connectivity *ConnectivityMonitor
	settings     *ChannelSettings

	instanceId Id

	stateLock        sync.Mutex
	state            ChannelState
	reconnectAttempt int
	outboundQueue    []string
	conn             TransportConn
	connected        bool

	connectTrigger chan struct{}

	messageCallbacks *CallbackList[MessageFunction]
	stateCallbacks   *CallbackList[ChannelStateFunction]

	unsubConnectivity func()
}

func NewChannelWithDefaults(
	ctx context.Context,
	transport ChannelTransport,
	url string,
) *Channel {
	return NewChannel(ctx, transport, url, nil, DefaultChannelSettings())
}

func NewChannel(
	ctx context.Context,
	transport ChannelTransport,
	url string,
	connectivity *ConnectivityMonitor,
	settings *ChannelSettings,
) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:              cancelCtx,
		cancel:           cancel,
		transport:        transport,
		url:              url,
		connectivity:     connectivity,
		settings:         settings,
		instanceId:       NewId(),
		state:            ChannelStateClosed,
		connectTrigger:   make(chan struct{}, 1),
		messageCallbacks: NewCallbackList[MessageFunction](),
		stateCallbacks:   NewCallbackList[ChannelStateFunction](),
	}
}

// starts the connect/reconnect loop. safe to call once.
func (self *Channel) Connect() {
	self.stateLock.Lock()
	if self.connected {
		self.stateLock.Unlock()
		return
	}
	self.connected = true
	self.stateLock.Unlock()

	if self.connectivity != nil {
		self.unsubConnectivity = self.connectivity.AddConnectivityCallback(func(online bool) {
			if online {
				// fresh network. restart the attempt budget and dial now
				self.stateLock.Lock()
				self.reconnectAttempt = 0
				self.stateLock.Unlock()
				self.kick()
			}
		})
	}

	go self.run()
}

func (self *Channel) kick() {
	select {
	case self.connectTrigger <- struct{}{}:
	default:
	}
}

func (self *Channel) run() {
	for {
		if self.ctx.Err() != nil {
			return
		}

		// never dial while the host reports offline
		if self.connectivity != nil && !self.connectivity.IsOnline() {
			select {
			case <-self.ctx.Done():
				return
			case <-self.connectTrigger:
			}
			continue
		}

		self.setState(ChannelStateConnecting)

		dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.DialTimeout)
		conn, err := self.transport.Dial(dialCtx, self.url)
		dialCancel()
		if err != nil {
			glog.Infof("[ch]%s dial error = %s\n", self.instanceId, err)
			self.setState(ChannelStateClosed)
			if !self.awaitReconnect() {
				return
			}
			continue
		}

		if self.handleOpen(conn) {
			connCtx, connCancel := context.WithCancel(self.ctx)
			if 0 < self.settings.HeartbeatInterval {
				go self.heartbeat(connCtx, conn)
			}
			self.readLoop(conn)
			connCancel()
		}
		self.handleDrop(conn)

		if self.ctx.Err() != nil {
			return
		}
		if !self.awaitReconnect() {
			return
		}
	}
}

// transition to open: flush the outbound queue in fifo order, then accept
// direct sends. returns false if the flush dropped the connection, with the
// unsent tail back on the queue.
func (self *Channel) handleOpen(conn TransportConn) bool {
	for {
		self.stateLock.Lock()
		if len(self.outboundQueue) == 0 {
			self.conn = conn
			self.state = ChannelStateOpen
			self.reconnectAttempt = 0
			self.stateLock.Unlock()
			break
		}
		queued := self.outboundQueue
		self.outboundQueue = nil
		self.stateLock.Unlock()

		for i, text := range queued {
			if err := conn.Send(text); err != nil {
				glog.Infof("[ch]%s-> flush error = %s\n", self.instanceId, err)
				self.stateLock.Lock()
				self.outboundQueue = append(slices.Clone(queued[i:]), self.outboundQueue...)
				self.stateLock.Unlock()
				conn.Close()
				return false
			}
			glog.V(2).Infof("[ch]%s-> flush\n", self.instanceId)
		}
	}

	glog.V(1).Infof("[ch]%s open\n", self.instanceId)
	self.notifyState(ChannelStateOpen)
	return true
}

func (self *Channel) handleDrop(conn TransportConn) {
	conn.Close()

	self.stateLock.Lock()
	if self.conn == conn {
		self.conn = nil
	}
	changed := self.state != ChannelStateClosed
	self.state = ChannelStateClosed
	self.stateLock.Unlock()

	if changed {
		self.notifyState(ChannelStateClosed)
	}
}

// counts one reconnect against the budget and waits out the fixed interval.
// when the budget is exhausted, blocks until an online transition restarts
// it. returns false only when the channel is closed.
func (self *Channel) awaitReconnect() bool {
	exhausted := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.settings.ReconnectAttempts <= self.reconnectAttempt {
			return true
		}
		self.reconnectAttempt += 1
		return false
	}()

	if exhausted {
		glog.Infof("[ch]%s reconnect attempts exhausted\n", self.instanceId)
		select {
		case <-self.ctx.Done():
			return false
		case <-self.connectTrigger:
			return true
		}
	}

	reconnect := NewReconnect(self.settings.ReconnectInterval)
	select {
	case <-self.ctx.Done():
		return false
	case <-self.connectTrigger:
		return true
	case <-reconnect.After():
		return true
	}
}

func (self *Channel) heartbeat(connCtx context.Context, conn TransportConn) {
	for {
		select {
		case <-connCtx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
			if err := conn.Send(self.settings.HeartbeatMessage); err != nil {
				glog.V(1).Infof("[ch]%s heartbeat error = %s\n", self.instanceId, err)
				conn.Close()
				return
			}
			glog.V(2).Infof("[ch]%s heartbeat\n", self.instanceId)
		}
	}
}

func (self *Channel) readLoop(conn TransportConn) {
	for {
		text, err := conn.Receive()
		if err != nil {
			glog.V(1).Infof("[ch]%s<- error = %s\n", self.instanceId, err)
			return
		}
		if len(text) == 0 {
			// keepalive
			continue
		}

		var payload any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			// not json. deliver the raw text
			payload = text
		}
		for _, callback := range self.messageCallbacks.Get() {
			callback(payload)
		}
		glog.V(2).Infof("[ch]%s<-\n", self.instanceId)
	}
}

// transmits immediately when open, otherwise queues fifo for the next open.
// returns whether the message was transmitted now. a queued message is not
// a failure. a send that hits a dropping connection is re-queued, so
// messages sent while open are never silently lost.
func (self *Channel) Send(message any) (bool, error) {
	var text string
	switch v := message.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(message)
		if err != nil {
			return false, err
		}
		text = string(b)
	}

	if self.ctx.Err() != nil {
		return false, ErrChannelClosed
	}

	self.stateLock.Lock()
	conn := self.conn
	if self.state != ChannelStateOpen || conn == nil {
		self.outboundQueue = append(self.outboundQueue, text)
		self.stateLock.Unlock()
		glog.V(2).Infof("[ch]%s queue\n", self.instanceId)
		return false, nil
	}
	self.stateLock.Unlock()

	if err := conn.Send(text); err != nil {
		glog.Infof("[ch]%s-> error = %s\n", self.instanceId, err)
		self.stateLock.Lock()
		self.outboundQueue = append(self.outboundQueue, text)
		self.stateLock.Unlock()
		conn.Close()
		return false, nil
	}
	glog.V(2).Infof("[ch]%s->\n", self.instanceId)
	return true, nil
}

// immediate, unconditional teardown. cancels reconnect and heartbeat timers
// and abandons the outbound queue.
func (self *Channel) Close() {
	self.setState(ChannelStateClosing)
	self.cancel()

	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.outboundQueue = nil
	self.state = ChannelStateClosed
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
	if self.unsubConnectivity != nil {
		self.unsubConnectivity()
	}
	self.notifyState(ChannelStateClosed)
}

func (self *Channel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Channel) ReconnectAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempt
}

func (self *Channel) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.outboundQueue)
}

func (self *Channel) setState(state ChannelState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()
	self.notifyState(state)
}

func (self *Channel) notifyState(state ChannelState) {
	glog.V(1).Infof("[ch]%s state = %s\n", self.instanceId, state)
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// returns a function to remove the callback
func (self *Channel) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

// returns a function to remove the callback
func (self *Channel) AddStateCallback(callback ChannelStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}
