package middletier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atem-voice/rtmt/internal/observability"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	apiVersion      = "2024-10-01-preview"
)

// Server holds the configuration shared by every session a proxy handles:
// the upstream endpoint, deployment, credentials, and enforced session
// settings. One Server typically backs the whole process.
type Server struct {
	Endpoint   string
	Deployment string
	Credential CredentialProvider
	Config     *SessionConfig
	Log        *slog.Logger
	Tracer     *observability.Tracer

	Dialer *websocket.Dialer
}

// NewServer returns a Server ready to accept sessions, defaulting the
// dialer and logger the way the rest of the ambient stack does. tracer may
// be nil, in which case dialUpstream and tool execution simply aren't
// traced: every observability.Tracer method accepts a nil receiver and then
// works on a non-recording span.
func NewServer(endpoint, deployment string, cred CredentialProvider, cfg *SessionConfig, log *slog.Logger, tracer *observability.Tracer) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Endpoint:   endpoint,
		Deployment: deployment,
		Credential: cred,
		Config:     cfg,
		Log:        log,
		Tracer:     tracer,
		Dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Session is one proxied connection: a client websocket paired with a
// freshly dialed upstream websocket, plus the processor that mediates
// between them. A Session is used exactly once, for the lifetime of one
// client connection.
type Session struct {
	srv         *Server
	client      *websocket.Conn
	upstream    *websocket.Conn
	isTelephony bool
	clientReqID string
	log         *slog.Logger

	proc *Processor

	clientSend   chan []byte
	upstreamSend chan []byte
}

// Run dials the upstream endpoint, then proxies client<->upstream traffic
// until either side closes or the context is canceled. It always closes
// both connections before returning.
func (s *Server) Run(ctx context.Context, clientConn *websocket.Conn, isTelephony bool, clientRequestID string) error {
	upstreamConn, err := s.dialUpstream(ctx, clientRequestID)
	if err != nil {
		_ = clientConn.Close()
		return fmt.Errorf("middletier: dialing upstream: %w", err)
	}

	sess := &Session{
		srv:          s,
		client:       clientConn,
		upstream:     upstreamConn,
		isTelephony:  isTelephony,
		clientReqID:  clientRequestID,
		log:          s.Log.With("client_request_id", clientRequestID, "telephony", isTelephony),
		proc:         NewProcessor(s.Config, s.Log, s.Tracer),
		clientSend:   make(chan []byte, 16),
		upstreamSend: make(chan []byte, 16),
	}
	defer sess.close()

	return sess.forward(ctx)
}

// writeLoop drains ch onto conn until ctx is canceled or the channel is
// closed, serializing writes the way the teacher's wsSession.writeLoop
// does — gorilla/websocket connections do not support concurrent writers,
// and in RMT both forwarder goroutines can produce messages bound for the
// upstream connection (client traffic, and tool-call outputs emitted while
// processing an upstream event). It also pings conn periodically so the
// peer's pongs keep extending the read deadline set by armHeartbeat.
func writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan []byte) {
	ping := time.NewTicker(pongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) dialUpstream(ctx context.Context, clientRequestID string) (*websocket.Conn, error) {
	ctx, span := s.Tracer.TraceUpstreamDial(ctx, s.Deployment)
	defer span.End()

	conn, err := s.dial(ctx, clientRequestID)
	if err != nil {
		s.Tracer.RecordError(span, err)
	}
	return conn, err
}

func (s *Server) dial(ctx context.Context, clientRequestID string) (*websocket.Conn, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("deployment", s.Deployment)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.Credential != nil {
		if err := s.Credential.Apply(ctx, &header); err != nil {
			return nil, fmt.Errorf("applying credential: %w", err)
		}
	}
	if clientRequestID != "" {
		header.Set("x-ms-client-request-id", clientRequestID)
	}

	conn, _, err := s.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) close() {
	_ = s.client.Close()
	_ = s.upstream.Close()
}

// forward spawns the two forwarder goroutines and waits for both to finish,
// returning the first error either one encountered. This replaces Python's
// asyncio.gather(from_client_to_server(), from_server_to_client()) with the
// goroutine-pair-plus-WaitGroup idiom the teacher uses for its session
// read/write loops.
func (s *Session) forward(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	armHeartbeat(s.client)
	armHeartbeat(s.upstream)

	go writeLoop(ctx, s.upstream, s.upstreamSend)
	go writeLoop(ctx, s.client, s.clientSend)
	defer close(s.upstreamSend)
	defer close(s.clientSend)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		errCh <- s.clientToUpstream(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errCh <- s.upstreamToClient(ctx)
	}()

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// armHeartbeat configures a connection's read limit and pong-driven read
// deadline, matching the teacher's wsSession.readLoop heartbeat setup so a
// silently dead peer is detected instead of hanging the forwarder forever.
func armHeartbeat(conn *websocket.Conn) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *Session) clientToUpstream(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			s.log.Warn("dropping malformed client event", "error", err)
			continue
		}

		if s.isTelephony {
			upstreamEvent, ok := ToUpstream(event, s.srv.Config)
			if !ok {
				continue
			}
			event = upstreamEvent
		}

		out, forward := s.proc.ProcessToUpstream(event)
		if !forward {
			continue
		}
		if err := s.sendUpstream(out); err != nil {
			return err
		}
	}
}

func (s *Session) upstreamToClient(ctx context.Context) error {
	sendUpstream := Sender(s.sendUpstream)
	sendClient := Sender(s.sendClient)

	for {
		if ctx.Err() != nil {
			return nil
		}
		messageType, data, err := s.upstream.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			s.log.Warn("dropping malformed upstream event", "error", err)
			continue
		}

		out, forward, err := s.proc.ProcessToClient(ctx, event, s.isTelephony, sendUpstream, sendClient)
		if err != nil {
			if errors.Is(err, ErrUnknownTool) {
				s.log.Error("unknown tool in response.output_item.done, ending session", "error", err)
				return err
			}
			s.log.Error("tool call execution failed", "error", err)
			continue
		}
		if !forward {
			continue
		}

		if s.isTelephony {
			telephonyEvent, ok := ToTelephony(out)
			if !ok {
				continue
			}
			out = telephonyEvent
		}

		if err := s.sendClient(out); err != nil {
			return err
		}
	}
}

func (s *Session) sendUpstream(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding upstream event: %w", err)
	}
	return enqueue(s.upstreamSend, data)
}

func (s *Session) sendClient(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding client event: %w", err)
	}
	return enqueue(s.clientSend, data)
}

// enqueue sends msg on ch without blocking forever on a stalled peer: if the
// buffer is full the session is unhealthy and forwarding should fail rather
// than deadlock the reader.
func enqueue(ch chan []byte, msg []byte) error {
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("middletier: send buffer full, peer not draining")
	}
}
