// Package wsserver serves the framed, encrypted request protocol over
// websockets.
package wsserver

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/keys"
	"inferd/internal/manager"
	"inferd/internal/secure"
	"inferd/pkg/types"
)

// Control messages answered without the envelope.
const (
	CmdPing            = "ping"
	CmdClose           = "close"
	CmdGetPublicKey    = "get_public_key"
	CmdGetTOS          = "get_tos"
	CmdGetTransferRate = "get_transfer_rate"
)

const accessDenied = "Access denied."

// Service is the orchestrator surface used by the handler.
type Service interface {
	Infer(ctx context.Context, req manager.InferRequest, emit func(types.Response) error) error
	QueueStatus(model string) (types.QueueStatus, error)
	ModelInfo(model string) (map[string]any, error)
	ListModels() []types.ModelSummary
}

// KeyResolver turns a raw API key into a record for the remote address.
type KeyResolver interface {
	Resolve(ctx context.Context, key, ip string) (*keys.APIKey, error)
}

// Options configures a Server.
type Options struct {
	Logger  zerolog.Logger
	Service Service
	Keys    KeyResolver
	KeyPair *secure.KeyPair
	TOS     string
	// TransferRate is the frame size in bytes.
	TransferRate  int
	ClientVersion config.ClientVersion
	Encryption    config.Encryption
	Whitelist     config.IPList
	Blacklist     config.IPList
	// MaxMessageBytes bounds a reassembled request. Zero means 256 MiB.
	MaxMessageBytes int
	// BaseContext is cancelled on shutdown and closes every connection.
	BaseContext context.Context
}

// Server upgrades HTTP requests and runs one read loop per connection.
type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	threads  int
	active   atomic.Int64
}

func New(opts Options) *Server {
	if opts.TransferRate <= 0 {
		opts.TransferRate = config.MaxTransferRate * 1024
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 256 << 20
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	threads := opts.Encryption.DecryptionThreads
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	return &Server{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "wsserver").Logger(),
		threads: threads,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int { return int(s.active.Load()) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(int64(config.MaxTransferRate * 1024))
	c := newConn(ws, s.opts.TransferRate, s.opts.MaxMessageBytes)
	ip := remoteIP(r)
	log := s.log.With().Str("conn_id", ulid.Make().String()).Str("remote", ip).Logger()

	s.active.Add(1)
	wsConnections.Inc()
	defer func() {
		s.active.Add(-1)
		wsConnections.Dec()
	}()

	if !s.allowed(ip) {
		log.Info().Msg("connection rejected by ip list")
		_ = c.Send(accessDenied)
		c.Close()
		return
	}
	log.Info().Msg("connection open")

	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.opts.BaseContext, cancel)
	defer stop()
	closeOnDone := context.AfterFunc(ctx, c.Close)
	defer closeOnDone()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.Close()
		log.Info().Msg("connection closed")
	}()

	for {
		msg, err := c.Receive()
		if err != nil {
			return
		}
		switch msg {
		case CmdPing:
			messagesTotal.WithLabelValues("control").Inc()
			err = c.Send("pong")
		case CmdClose, "":
			return
		case CmdGetPublicKey:
			messagesTotal.WithLabelValues("control").Inc()
			err = c.Send(s.opts.KeyPair.PublicKeyBase64())
		case CmdGetTOS:
			messagesTotal.WithLabelValues("control").Inc()
			err = c.Send(s.opts.TOS)
		case CmdGetTransferRate:
			messagesTotal.WithLabelValues("control").Inc()
			err = c.Send(strconv.Itoa(s.opts.TransferRate))
		default:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, c, log, ip, msg)
			}()
		}
		if err != nil {
			log.Debug().Err(err).Msg("send failed")
			return
		}
	}
}

func (s *Server) allowed(ip string) bool {
	if s.opts.Whitelist.Enabled && !keys.MatchIP(s.opts.Whitelist.IPs, ip) {
		return false
	}
	if s.opts.Blacklist.Enabled && keys.MatchIP(s.opts.Blacklist.IPs, ip) {
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
