// ABOUTME: WebSocket server exposing a simulated device
// ABOUTME: Handles the hello handshake, per-probe writers and mDNS advertisement
package devicesim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/latencyprobe/latencyprobe-go/pkg/discovery"
	"github.com/latencyprobe/latencyprobe-go/pkg/protocol"
)

const (
	// DefaultPort is where devices listen unless configured otherwise
	DefaultPort = 8930

	helloTimeout  = 5 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	outboxSize    = 64
	shutdownGrace = 5 * time.Second
)

// ServerConfig configures a device server
type ServerConfig struct {
	Port       int
	Device     *Device
	EnableMDNS bool
	Logger     logr.Logger
}

// ProbeInfo describes one connected probe
type ProbeInfo struct {
	ID        string
	Name      string
	Requests  int64
	Connected time.Time
}

// probeConn is one attached probe and its outbound queue
type probeConn struct {
	info     ProbeInfo
	ws       *websocket.Conn
	outbox   chan protocol.Message
	requests *atomic.Int64
}

// Server serves one simulated device to probe clients
type Server struct {
	cfg    ServerConfig
	device *Device
	log    logr.Logger
	mux    *http.ServeMux

	upgrader websocket.Upgrader

	probesMu sync.Mutex
	probes   map[string]*probeConn

	closing *atomic.Bool
	writers sync.WaitGroup
}

// NewServer creates a device server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Device == nil {
		return nil, errors.New("devicesim: server needs a device")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	s := &Server{
		cfg:    cfg,
		device: cfg.Device,
		log:    cfg.Logger,
		mux:    http.NewServeMux(),
		// Bench devices sit on the local network, any origin may attach
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		probes:   make(map[string]*probeConn),
		closing:  atomic.NewBool(false),
	}
	s.mux.HandleFunc(protocol.DefaultPath, s.serveWS)
	return s, nil
}

// Handler exposes the device endpoint for embedding, e.g. in httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on the configured port until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	hello := s.device.Hello()
	s.log.Info("device server starting", "name", hello.Name, "id", hello.DeviceID, "channels", hello.Channels)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info("websocket server listening", "addr", ln.Addr().String(), "path", protocol.DefaultPath)

	if s.cfg.EnableMDNS {
		adv := discovery.NewManager(discovery.Config{
			ServiceName: hello.Name,
			Port:        s.cfg.Port,
			Path:        protocol.DefaultPath,
			Channels:    hello.Channels,
			Logger:      s.log,
		})
		if err := adv.Advertise(); err != nil {
			s.log.Error(err, "mDNS advertisement disabled")
		}
		defer adv.Stop()
	}

	httpSrv := &http.Server{Handler: s.mux}
	served := make(chan error, 1)
	go func() { served <- httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	s.log.Info("server shutting down")
	s.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Error(err, "http shutdown")
	}

	// Hijacked websockets outlive Shutdown, drop them explicitly
	s.probesMu.Lock()
	for _, p := range s.probes {
		p.ws.Close()
	}
	s.probesMu.Unlock()

	s.writers.Wait()
	s.log.Info("server stopped")
	return nil
}

// Probes returns a snapshot of the attached probes
func (s *Server) Probes() []ProbeInfo {
	s.probesMu.Lock()
	defer s.probesMu.Unlock()

	out := make([]ProbeInfo, 0, len(s.probes))
	for _, p := range s.probes {
		info := p.info
		info.Requests = p.requests.Load()
		out = append(out, info)
	}
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "websocket upgrade", "remote", r.RemoteAddr)
		return
	}
	defer ws.Close()

	if s.closing.Load() {
		s.log.V(1).Info("rejecting probe during shutdown", "remote", r.RemoteAddr)
		return
	}

	p, err := s.handshake(ws)
	if err != nil {
		s.log.V(1).Info("handshake failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	defer s.detach(p)

	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		s.writeLoop(p)
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.V(1).Info("probe read failed", "name", p.info.Name, "error", err.Error())
			}
			return
		}
		s.answer(ctx, p, data)
	}
}

// handshake reads client/hello, registers the probe and queues device/hello
func (s *Server) handshake(ws *websocket.Conn) (*probeConn, error) {
	ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	env, err := protocol.JSON.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeClientHello {
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeClientHello, env.Type)
	}

	var hello protocol.ClientHello
	if err := env.DecodePayload(&hello); err != nil {
		return nil, err
	}
	if hello.ClientID == "" || hello.Name == "" {
		return nil, errors.New("client hello missing id or name")
	}

	p := &probeConn{
		info:     ProbeInfo{ID: hello.ClientID, Name: hello.Name, Connected: time.Now()},
		ws:       ws,
		outbox:   make(chan protocol.Message, outboxSize),
		requests: atomic.NewInt64(0),
	}

	s.probesMu.Lock()
	if _, dup := s.probes[p.info.ID]; dup {
		s.probesMu.Unlock()
		return nil, fmt.Errorf("probe %s already attached", p.info.ID)
	}
	s.probes[p.info.ID] = p
	s.probesMu.Unlock()

	p.outbox <- protocol.Message{Type: protocol.TypeDeviceHello, Payload: s.device.Hello()}
	s.log.Info("probe connected", "name", p.info.Name, "id", p.info.ID)
	return p, nil
}

func (s *Server) detach(p *probeConn) {
	s.probesMu.Lock()
	if s.probes[p.info.ID] == p {
		delete(s.probes, p.info.ID)
		close(p.outbox)
	}
	s.probesMu.Unlock()
	s.log.Info("probe disconnected", "name", p.info.Name, "requests", p.requests.Load())
}

// writeLoop owns all writes to the connection
func (s *Server) writeLoop(p *probeConn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-p.outbox:
			if !ok {
				return
			}
			data, err := protocol.JSON.Encode(msg)
			if err != nil {
				s.log.Error(err, "encoding response", "type", msg.Type)
				continue
			}
			p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// answer handles one probe request
func (s *Server) answer(ctx context.Context, p *probeConn, data []byte) {
	env, err := protocol.JSON.Decode(data)
	if err != nil {
		s.log.V(1).Info("undecodable request", "error", err.Error())
		return
	}

	resp, ok := s.device.respond(ctx, env)
	if !ok {
		s.log.V(1).Info("unknown message type", "type", env.Type)
		return
	}
	p.requests.Inc()

	select {
	case p.outbox <- resp:
	default:
		s.log.V(1).Info("outbox full, dropping response", "probe", p.info.Name, "type", resp.Type)
	}
}
