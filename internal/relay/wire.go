package relay

import "encoding/json"

// The broker never inspects game traffic; it moves opaque protocol messages
// between peers. These envelope kinds are the whole brokering vocabulary.
const (
	// KindWelcome, broker -> peer: carries the peer id just assigned.
	KindWelcome = "welcome"
	// KindConnect, peer -> broker: open a logical connection to To.
	KindConnect = "connect"
	// KindPeer, broker -> peer: a logical connection to From is now open.
	KindPeer = "peer"
	// KindData, both directions: one game message for To / from From.
	KindData = "data"
	// KindClose, both directions: the logical connection to To / from From
	// is gone.
	KindClose = "close"
	// KindError, broker -> peer: a request about From failed.
	KindError = "error"
)

// Envelope frames everything on a broker websocket. From is always stamped
// by the broker, never taken from the sending peer, so peers cannot spoof
// each other's transport identity.
type Envelope struct {
	Kind string          `json:"kind"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
	Err  string          `json:"error,omitempty"`
}
