package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/peerparty/avalon/internal/relay"
	"github.com/peerparty/avalon/pkg/protocol"
)

const relayWriteTimeout = 5 * time.Second

// RelayTransport runs the Transport contract over a websocket to the relay
// broker. The broker assigns the peer id and stamps the sender id on every
// forwarded envelope, so SelfID and event peer ids are broker-attested.
type RelayTransport struct {
	conn   *websocket.Conn
	selfID string
	log    *zap.Logger

	events chan Event

	writeMu sync.Mutex

	mu      sync.Mutex
	links   map[string]bool
	pending map[string]chan error
	closed  bool

	cancel context.CancelFunc
}

// Dial connects to the broker's /ws endpoint and waits for the welcome
// envelope carrying this peer's assigned id.
func Dial(ctx context.Context, url string, log *zap.Logger) (*RelayTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no welcome")
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Kind != relay.KindWelcome || env.To == "" {
		conn.Close(websocket.StatusProtocolError, "bad welcome")
		return nil, fmt.Errorf("expected welcome envelope, got %q", env.Kind)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t := &RelayTransport{
		conn:    conn,
		selfID:  env.To,
		log:     log.With(zap.String("self", env.To)),
		events:  make(chan Event, 256),
		links:   make(map[string]bool),
		pending: make(map[string]chan error),
		cancel:  cancel,
	}
	go t.readLoop(readCtx)
	return t, nil
}

func (t *RelayTransport) SelfID() string { return t.selfID }

func (t *RelayTransport) Events() <-chan Event { return t.events }

// Connect asks the broker for a logical connection to remoteID and waits for
// the peer or error reply.
func (t *RelayTransport) Connect(ctx context.Context, remoteID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.links[remoteID] {
		t.mu.Unlock()
		return nil
	}
	wait := make(chan error, 1)
	t.pending[remoteID] = wait
	t.mu.Unlock()

	if err := t.write(relay.Envelope{Kind: relay.KindConnect, To: remoteID}); err != nil {
		t.mu.Lock()
		delete(t.pending, remoteID)
		t.mu.Unlock()
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, remoteID)
		t.mu.Unlock()
		return ctx.Err()
	}
}

func (t *RelayTransport) Send(peerID string, msg protocol.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.links[peerID] {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return t.write(relay.Envelope{Kind: relay.KindData, To: peerID, Msg: raw})
}

func (t *RelayTransport) ConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]string, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	return peers
}

func (t *RelayTransport) Disconnect(peerID string) {
	t.mu.Lock()
	if t.closed || !t.links[peerID] {
		t.mu.Unlock()
		return
	}
	delete(t.links, peerID)
	t.mu.Unlock()
	_ = t.write(relay.Envelope{Kind: relay.KindClose, To: peerID})
}

func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (t *RelayTransport) write(env relay.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *RelayTransport) readLoop(ctx context.Context) {
	defer t.teardown()

	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return
		}
		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("bad envelope from broker", zap.Error(err))
			continue
		}
		t.handle(env)
	}
}

func (t *RelayTransport) handle(env relay.Envelope) {
	switch env.Kind {
	case relay.KindPeer:
		t.mu.Lock()
		t.links[env.From] = true
		wait := t.pending[env.From]
		delete(t.pending, env.From)
		t.mu.Unlock()
		if wait != nil {
			wait <- nil
		}
		t.deliver(Event{Kind: KindOpened, PeerID: env.From})

	case relay.KindData:
		msg, err := protocol.Unmarshal(env.Msg)
		if err != nil {
			t.log.Warn("undecodable message", zap.String("peer", env.From), zap.Error(err))
			t.deliver(Event{Kind: KindError, PeerID: env.From, Err: err})
			return
		}
		t.deliver(Event{Kind: KindMessage, PeerID: env.From, Msg: msg})

	case relay.KindClose:
		t.mu.Lock()
		known := t.links[env.From]
		delete(t.links, env.From)
		t.mu.Unlock()
		if known {
			t.deliver(Event{Kind: KindClosed, PeerID: env.From})
		}

	case relay.KindError:
		t.mu.Lock()
		wait := t.pending[env.From]
		delete(t.pending, env.From)
		t.mu.Unlock()
		err := fmt.Errorf("broker: %s", env.Err)
		if wait != nil {
			wait <- err
			return
		}
		t.deliver(Event{Kind: KindError, PeerID: env.From, Err: err})
	}
}

// teardown runs when the broker connection dies. Every live link is reported
// closed so the host and client observe the same thing they would on a
// per-peer disconnect.
func (t *RelayTransport) teardown() {
	t.mu.Lock()
	t.closed = true
	links := make([]string, 0, len(t.links))
	for id := range t.links {
		links = append(links, id)
	}
	t.links = make(map[string]bool)
	pending := t.pending
	t.pending = make(map[string]chan error)
	t.mu.Unlock()

	for _, wait := range pending {
		wait <- ErrClosed
	}
	for _, id := range links {
		t.deliver(Event{Kind: KindClosed, PeerID: id})
	}
	close(t.events)
}

// deliver must not block the read loop; an overwhelmed consumer loses events
// and recovers from the next full snapshot.
func (t *RelayTransport) deliver(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}
