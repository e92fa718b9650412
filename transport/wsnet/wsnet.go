// Package wsnet implements group.Channel over WebSocket
// connections between processes.
//
// Every pair of participants shares one connection.
// Participant i listens on its own address, dials every
// participant below it and accepts every participant
// above it.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/unixpickle/pairsum/group"
	"golang.org/x/sync/errgroup"
)

const (
	kindHello = "hello"
	kindData  = "data"
	kindAbort = "abort"
)

const (
	defaultDialTimeout = 10 * time.Second
	dialRetryInterval  = 50 * time.Millisecond
	handshakeTimeout   = 5 * time.Second
)

// frame is the JSON message exchanged between peers.
type frame struct {
	Kind  string `json:"kind"`
	Rank  int    `json:"rank,omitempty"`
	Size  int    `json:"size,omitempty"`
	Tag   int    `json:"tag,omitempty"`
	Value int64  `json:"value,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// Config describes one participant of a WebSocket group.
type Config struct {
	Rank int
	Size int

	// Addrs holds the host:port of every participant,
	// indexed by rank.
	Addrs []string

	// Listener, if set, is used instead of listening on
	// Addrs[Rank].
	Listener net.Listener

	// DialTimeout bounds how long Open waits for the
	// whole group to connect.
	// If it is 0, ten seconds is used.
	DialTimeout time.Duration

	// Log receives connection events.
	// If it is nil, nothing is logged.
	Log *slog.Logger

	// OnAbort is called once when the group is aborted,
	// either by this participant or by a peer.
	OnAbort func(code int)
}

type peer struct {
	rank int
	conn *websocket.Conn

	writeLock sync.Mutex
}

func (p *peer) write(f *frame) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return p.conn.WriteJSON(f)
}

type accepted struct {
	peer *peer
	err  error
}

// A Transport is a participant's set of connections to
// the rest of the group.
type Transport struct {
	rank    int
	size    int
	log     *slog.Logger
	onAbort func(code int)

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	peers    []*peer
	box      *mailbox
	accepts  chan accepted
	ready    atomic.Bool
	closing  atomic.Bool
	closeErr error
	closed   sync.Once
}

// Open connects a participant to every other participant
// and returns once the mesh is complete.
func Open(cfg Config) (*Transport, error) {
	comm := &group.Comm{Rank: cfg.Rank, Size: cfg.Size}
	if err := comm.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Addrs) != cfg.Size {
		return nil, &group.ConfigurationError{
			Rank:   cfg.Rank,
			Size:   cfg.Size,
			Reason: fmt.Sprintf("%d addresses given", len(cfg.Addrs)),
		}
	}

	t := &Transport{
		rank:     cfg.Rank,
		size:     cfg.Size,
		log:      cfg.Log,
		onAbort:  cfg.OnAbort,
		listener: cfg.Listener,
		peers:    make([]*peer, cfg.Size),
		box:      newMailbox(),
		accepts:  make(chan accepted, cfg.Size),
	}
	if t.log == nil {
		t.log = slog.New(slog.DiscardHandler)
	}
	t.log = t.log.With("rank", cfg.Rank)
	if t.listener == nil {
		listener, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Addrs[cfg.Rank], err)
		}
		t.listener = listener
	}
	t.upgrader = websocket.Upgrader{HandshakeTimeout: handshakeTimeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handle)
	t.server = &http.Server{Handler: mux}
	go t.server.Serve(t.listener)

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	if err := t.connect(cfg.Addrs, timeout); err != nil {
		t.Close()
		return nil, err
	}
	t.ready.Store(true)

	for _, p := range t.peers {
		if p != nil {
			go t.readLoop(p)
		}
	}
	t.log.Debug("group connected", "size", t.size)
	return t, nil
}

// Addr returns the address the participant listens on.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// Comm returns the participant's view of the group.
func (t *Transport) Comm() *group.Comm {
	return &group.Comm{Rank: t.rank, Size: t.size, Channel: t}
}

// Send writes a value to dest.
// It returns once the value is handed to the connection,
// not when it is received.
func (t *Transport) Send(dest, tag int, value int64) error {
	if err := t.box.abortErr(); err != nil {
		return err
	}
	p, err := t.peer(dest)
	if err == nil {
		err = p.write(&frame{Kind: kindData, Tag: tag, Value: value})
	}
	if err != nil {
		return &group.ChannelFailure{Op: "send", Rank: t.rank, Peer: dest, Tag: tag, Err: err}
	}
	return nil
}

// Recv waits for the next value sent by src on tag.
func (t *Transport) Recv(src, tag int) (int64, error) {
	if _, err := t.peer(src); err != nil {
		return 0, &group.ChannelFailure{Op: "recv", Rank: t.rank, Peer: src, Tag: tag, Err: err}
	}
	value, err := t.box.take(src, tag)
	if err != nil {
		var abortErr *group.AbortError
		if errors.As(err, &abortErr) {
			return 0, err
		}
		return 0, &group.ChannelFailure{Op: "recv", Rank: t.rank, Peer: src, Tag: tag, Err: err}
	}
	return value, nil
}

// Abort tells every peer that the group is finished and
// runs the OnAbort callback.
func (t *Transport) Abort(code int) {
	if !t.box.abort(code) {
		return
	}
	t.log.Warn("aborting group", "code", code)
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.write(&frame{Kind: kindAbort, Code: code}); err != nil {
			t.log.Debug("abort not delivered", "peer", p.rank, "error", err)
		}
	}
	if t.onAbort != nil {
		t.onAbort(code)
	}
}

// Close shuts down every connection and the listener.
func (t *Transport) Close() error {
	t.closed.Do(func() {
		t.closing.Store(true)
		for _, p := range t.peers {
			if p != nil {
				p.conn.Close()
			}
		}
		t.closeErr = t.server.Close()
	})
	return t.closeErr
}

func (t *Transport) peer(rank int) (*peer, error) {
	if rank < 0 || rank >= t.size {
		return nil, fmt.Errorf("rank %d outside group of size %d", rank, t.size)
	}
	if rank == t.rank {
		return nil, fmt.Errorf("rank %d cannot message itself", rank)
	}
	return t.peers[rank], nil
}

func (t *Transport) connect(addrs []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	peers := make([]*peer, t.size)
	for rank := 0; rank < t.rank; rank++ {
		g.Go(func() error {
			p, err := t.dial(ctx, rank, addrs[rank])
			peers[rank] = p
			return err
		})
	}
	g.Go(func() error {
		for remaining := t.size - t.rank - 1; remaining > 0; remaining-- {
			select {
			case a := <-t.accepts:
				if a.err != nil {
					return a.err
				}
				if peers[a.peer.rank] != nil {
					a.peer.conn.Close()
					return fmt.Errorf("rank %d connected twice", a.peer.rank)
				}
				peers[a.peer.rank] = a.peer
			case <-ctx.Done():
				return &group.ChannelFailure{
					Op:   "accept",
					Rank: t.rank,
					Peer: -1,
					Err:  fmt.Errorf("%d peers never connected: %w", remaining, ctx.Err()),
				}
			}
		}
		return nil
	})
	err := g.Wait()
	t.peers = peers
	return err
}

func (t *Transport) dial(ctx context.Context, rank int, addr string) (*peer, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	for {
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			t.log.Debug("dialed peer", "peer", rank, "addr", addr)
			p := &peer{rank: rank, conn: conn}
			if err := t.greet(p); err != nil {
				conn.Close()
				return nil, err
			}
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, &group.ChannelFailure{
				Op:   "dial",
				Rank: t.rank,
				Peer: rank,
				Err:  fmt.Errorf("dial %s: %w", u.String(), err),
			}
		case <-time.After(dialRetryInterval):
		}
	}
}

// greet introduces the dialing side and checks that the
// peer agrees on the group size.
func (t *Transport) greet(p *peer) error {
	if err := p.write(&frame{Kind: kindHello, Rank: t.rank, Size: t.size}); err != nil {
		return &group.ChannelFailure{Op: "dial", Rank: t.rank, Peer: p.rank, Err: err}
	}
	reply, err := readHello(p.conn)
	if err != nil {
		return &group.ChannelFailure{Op: "dial", Rank: t.rank, Peer: p.rank, Err: err}
	}
	if reply.Size != t.size {
		return &group.ConfigurationError{
			Rank:   t.rank,
			Size:   t.size,
			Reason: fmt.Sprintf("rank %d reports group size %d", reply.Rank, reply.Size),
		}
	}
	if reply.Rank != p.rank {
		return &group.ConfigurationError{
			Rank:   t.rank,
			Size:   t.size,
			Reason: fmt.Sprintf("address of rank %d is served by rank %d", p.rank, reply.Rank),
		}
	}
	return nil
}

func (t *Transport) handle(w http.ResponseWriter, r *http.Request) {
	if t.ready.Load() {
		http.Error(w, "group already formed", http.StatusConflict)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	hello, err := readHello(conn)
	if err != nil {
		t.log.Warn("bad handshake", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}

	// Always reply, so the dialer can check the group size
	// on its side too.
	p := &peer{rank: hello.Rank, conn: conn}
	if err := p.write(&frame{Kind: kindHello, Rank: t.rank, Size: t.size}); err != nil {
		conn.Close()
		return
	}

	var res accepted
	if hello.Size != t.size {
		res.err = &group.ConfigurationError{
			Rank:   t.rank,
			Size:   t.size,
			Reason: fmt.Sprintf("rank %d reports group size %d", hello.Rank, hello.Size),
		}
	} else if hello.Rank <= t.rank || hello.Rank >= t.size {
		res.err = &group.ConfigurationError{
			Rank:   t.rank,
			Size:   t.size,
			Reason: fmt.Sprintf("unexpected connection from rank %d", hello.Rank),
		}
	} else {
		t.log.Debug("accepted peer", "peer", hello.Rank)
		res.peer = p
	}
	if res.err != nil {
		conn.Close()
	}

	select {
	case t.accepts <- res:
	default:
		conn.Close()
	}
}

func readHello(conn *websocket.Conn) (*frame, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	if f.Kind != kindHello {
		return nil, fmt.Errorf("expected %s frame but got %q", kindHello, f.Kind)
	}
	return &f, nil
}

func (t *Transport) readLoop(p *peer) {
	for {
		var f frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if !t.closing.Load() {
				t.log.Warn("connection lost", "peer", p.rank, "error", err)
			}
			t.box.fail(p.rank, err)
			return
		}
		switch f.Kind {
		case kindData:
			t.box.put(p.rank, f.Tag, f.Value)
		case kindAbort:
			t.log.Warn("group aborted by peer", "peer", p.rank, "code", f.Code)
			if t.box.abort(f.Code) && t.onAbort != nil {
				t.onAbort(f.Code)
			}
		default:
			t.log.Warn("unknown frame", "peer", p.rank, "kind", f.Kind)
		}
	}
}
