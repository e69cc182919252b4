package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/metrics"
	"github.com/busybox42/aegis-routing/pkg/protocol"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// Transport exchanges signed protocol messages over TCP, one request per
// connection. It implements dht.Transport, dht.Pinger and dht.QuitNotifier.
type Transport struct {
	cfg    *Config
	dialer proxy.Dialer

	mu       sync.Mutex
	listener net.Listener
	self     types.PeerAddress
	conns    map[net.Conn]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ dht.Transport    = (*Transport)(nil)
	_ dht.Pinger       = (*Transport)(nil)
	_ dht.QuitNotifier = (*Transport)(nil)
)

func NewTransport(cfg *Config) *Transport {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: connTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen binds the listening socket and fixes the advertised address, so a
// Port of 0 resolves to the port actually bound.
func (t *Transport) Listen() error {
	if t.cfg.KeyPair == nil {
		return errors.New("network: key pair required")
	}
	host := t.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(t.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		listener.Close()
		return ErrClosed
	}
	t.listener = listener
	t.self = types.PeerAddressFromTCP(t.cfg.KeyPair.ID(), listener.Addr().(*net.TCPAddr)).WithFlags(t.cfg.Flags)

	log.WithField("address", listener.Addr().String()).Info("Transport listening")
	return nil
}

// Serve accepts inbound requests and answers them with handler.
func (t *Transport) Serve(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener == nil {
		return errors.New("network: Serve called before Listen")
	}

	t.wg.Add(1)
	go t.acceptLoop(t.listener, handler)
	return nil
}

// Self is the advertised address. It is only valid after Listen.
func (t *Transport) Self() types.PeerAddress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop(listener net.Listener, handler Handler) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Failed to accept connection")
			continue
		}

		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleConnection(conn, handler)
	}
}

func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

func (t *Transport) handleConnection(conn net.Conn, handler Handler) {
	defer t.wg.Done()
	defer t.untrack(conn)

	pc := &peerConn{conn: conn}
	defer pc.Close()

	logger := log.WithField("remote", conn.RemoteAddr().String())

	msg, err := pc.ReadMessage()
	if err != nil {
		logger.WithError(err).Debug("Failed to read request")
		return
	}
	metrics.MessagesTotal.WithLabelValues("inbound", msg.Type.String()).Inc()

	if !msg.Type.IsRequest() {
		logger.WithField("type", msg.Type.String()).Debug("Ignoring non-request message")
		return
	}
	if !msg.Verify() {
		t.replyError(pc, msg, "invalid signature")
		return
	}

	req, err := fromRequest(msg)
	if err != nil {
		t.replyError(pc, msg, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, readTimeout)
	defer cancel()

	resp, err := handler.HandleMessage(ctx, req)
	if err != nil {
		logger.WithError(err).WithField("type", msg.Type.String()).Debug("Handler failed")
		t.replyError(pc, msg, err.Error())
		return
	}

	out := protocol.NewResponse(msg, responseTypes[req.Type], t.cfg.KeyPair.PublicKey, toPeerInfo(t.Self()))
	fillResponse(out, resp)
	if err := t.send(pc, out); err != nil {
		logger.WithError(err).Debug("Failed to send response")
	}
}

func (t *Transport) replyError(pc *peerConn, req *protocol.Message, reason string) {
	out := protocol.NewResponse(req, protocol.ErrorResponse, t.cfg.KeyPair.PublicKey, toPeerInfo(t.Self()))
	out.Error = reason
	if err := t.send(pc, out); err != nil {
		log.WithError(err).Debug("Failed to send error response")
	}
}

func (t *Transport) send(pc *peerConn, msg *protocol.Message) error {
	if err := msg.Sign(t.cfg.KeyPair.PrivateKey); err != nil {
		return err
	}
	if err := pc.SendMessage(msg); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues("outbound", msg.Type.String()).Inc()
	return nil
}

func (t *Transport) newRequest(msgType dht.MessageType) *protocol.Message {
	return protocol.NewMessage(requestTypes[msgType], t.cfg.KeyPair.PublicKey, toPeerInfo(t.Self()))
}

func (t *Transport) FindNeighbors(ctx context.Context, peer types.PeerAddress, spec dht.SearchSpec, kind dht.QueryKind) (*dht.NeighborResponse, error) {
	req := t.newRequest(dht.FindNeighbors)
	req.Query = toQuery(spec, kind)

	resp, err := t.roundTrip(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.FindNeighborsResponse {
		return nil, fmt.Errorf("unexpected response type %s", resp.Type)
	}
	return neighborResponse(resp)
}

func (t *Transport) Ping(ctx context.Context, peer types.PeerAddress) error {
	return t.expect(ctx, peer, dht.Ping)
}

func (t *Transport) NotifyQuit(ctx context.Context, peer types.PeerAddress) error {
	return t.expect(ctx, peer, dht.Quit)
}

// expect sends a bodiless request and checks that peer itself answered.
func (t *Transport) expect(ctx context.Context, peer types.PeerAddress, msgType dht.MessageType) error {
	resp, err := t.roundTrip(ctx, peer, t.newRequest(msgType))
	if err != nil {
		return err
	}
	if resp.Type != responseTypes[msgType] {
		return fmt.Errorf("unexpected response type %s", resp.Type)
	}
	if resp.Sender.ID != peer.ID {
		return fmt.Errorf("%w: expected %s, got %s", dht.ErrResponderMismatch, peer.ID.Short(), resp.Sender.ID.Short())
	}
	return nil
}

func (t *Transport) roundTrip(ctx context.Context, peer types.PeerAddress, req *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	pc, err := dialPeer(ctx, t.dialer, peer.Addr.String())
	if err != nil {
		return nil, err
	}
	defer pc.Close()
	stop := pc.watch(ctx)
	defer stop()

	if err := t.send(pc, req); err != nil {
		return nil, t.wrap(ctx, err)
	}
	resp, err := pc.ReadMessage()
	if err != nil {
		return nil, t.wrap(ctx, err)
	}
	metrics.MessagesTotal.WithLabelValues("inbound", resp.Type.String()).Inc()

	if !resp.Verify() {
		return nil, errors.New("response signature invalid")
	}
	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("response for request %s, expected %s", resp.RequestID, req.RequestID)
	}
	if resp.Type == protocol.ErrorResponse {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp, nil
}

// wrap prefers the context error when the connection was torn down by it.
func (t *Transport) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
