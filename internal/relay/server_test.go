package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	conn *websocket.Conn
	id   string
}

func dialClient(t *testing.T, srvURL string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	welcome := readEnvelope(t, conn)
	require.Equal(t, KindWelcome, welcome.Kind)
	require.NotEmpty(t, welcome.To)
	return &wsClient{conn: conn, id: welcome.To}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJoinInfo(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/join/nonexistent")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	hostConn := dialClient(t, srv.URL)

	resp, err = http.Get(srv.URL + "/join/" + hostConn.id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		RoomID  string `json:"roomId"`
		JoinURL string `json:"joinUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, hostConn.id, out.RoomID)
	require.Equal(t, srv.URL+"/join/"+hostConn.id, out.JoinURL)
}

func TestJoinQR(t *testing.T) {
	_, srv := newTestServer(t)
	hostConn := dialClient(t, srv.URL)

	resp, err := http.Get(srv.URL + "/join/" + hostConn.id + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")), "body is not a PNG")
}

func TestEnvelopeRouting(t *testing.T) {
	_, srv := newTestServer(t)

	hostConn := dialClient(t, srv.URL)
	clientConn := dialClient(t, srv.URL)

	// client opens a logical connection to the host
	writeEnvelope(t, clientConn.conn, Envelope{Kind: KindConnect, To: hostConn.id})

	env := readEnvelope(t, clientConn.conn)
	require.Equal(t, KindPeer, env.Kind)
	require.Equal(t, hostConn.id, env.From)

	env = readEnvelope(t, hostConn.conn)
	require.Equal(t, KindPeer, env.Kind)
	require.Equal(t, clientConn.id, env.From)

	// data flows both ways, with From stamped by the broker
	payload := json.RawMessage(`{"type":"JOIN","payload":{"name":"Alice"}}`)
	writeEnvelope(t, clientConn.conn, Envelope{Kind: KindData, To: hostConn.id, Msg: payload})

	env = readEnvelope(t, hostConn.conn)
	require.Equal(t, KindData, env.Kind)
	require.Equal(t, clientConn.id, env.From)
	require.JSONEq(t, string(payload), string(env.Msg))

	writeEnvelope(t, hostConn.conn, Envelope{Kind: KindData, To: clientConn.id, Msg: json.RawMessage(`{"type":"SYNC_STATE"}`)})
	env = readEnvelope(t, clientConn.conn)
	require.Equal(t, KindData, env.Kind)
	require.Equal(t, hostConn.id, env.From)
}

func TestSpoofedFromIsOverwritten(t *testing.T) {
	_, srv := newTestServer(t)

	hostConn := dialClient(t, srv.URL)
	clientConn := dialClient(t, srv.URL)

	writeEnvelope(t, clientConn.conn, Envelope{Kind: KindConnect, To: hostConn.id})
	readEnvelope(t, clientConn.conn) // peer ack
	readEnvelope(t, hostConn.conn)   // peer ack

	// the client claims to be the host; the broker must stamp the truth
	writeEnvelope(t, clientConn.conn, Envelope{
		Kind: KindData,
		From: hostConn.id,
		To:   hostConn.id,
		Msg:  json.RawMessage(`{}`),
	})
	env := readEnvelope(t, hostConn.conn)
	require.Equal(t, clientConn.id, env.From)
}

func TestConnectToUnknownPeer(t *testing.T) {
	_, srv := newTestServer(t)
	c := dialClient(t, srv.URL)

	writeEnvelope(t, c.conn, Envelope{Kind: KindConnect, To: "nope"})
	env := readEnvelope(t, c.conn)
	require.Equal(t, KindError, env.Kind)
	require.Equal(t, "nope", env.From)
}

func TestDataWithoutLinkIsDropped(t *testing.T) {
	_, srv := newTestServer(t)

	a := dialClient(t, srv.URL)
	b := dialClient(t, srv.URL)

	// no connect first; nothing must reach b
	writeEnvelope(t, a.conn, Envelope{Kind: KindData, To: b.id, Msg: json.RawMessage(`{}`)})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := b.conn.Read(ctx)
	require.Error(t, err, "unlinked data must not be forwarded")
}

func TestDisconnectNotifiesCounterpart(t *testing.T) {
	s, srv := newTestServer(t)

	hostConn := dialClient(t, srv.URL)
	clientConn := dialClient(t, srv.URL)

	writeEnvelope(t, clientConn.conn, Envelope{Kind: KindConnect, To: hostConn.id})
	readEnvelope(t, clientConn.conn)
	readEnvelope(t, hostConn.conn)

	require.NoError(t, clientConn.conn.Close(websocket.StatusNormalClosure, "leaving"))

	env := readEnvelope(t, hostConn.conn)
	require.Equal(t, KindClose, env.Kind)
	require.Equal(t, clientConn.id, env.From)

	require.Eventually(t, func() bool { return s.connectedPeerCount() == 1 },
		time.Second, 10*time.Millisecond)
}
