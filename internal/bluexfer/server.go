package bluexfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bluexfer/bluexfer/xfer"
)

// Network opens transports of the configured kind.
type Network interface {
	xfer.Dialer
	// Listen accepts connections on every one of channels.
	Listen(serviceName string, channels ...xfer.ServiceChannel) (xfer.Listener, error)
	Close() error
}

// serverChannels are the service channels a server answers on: uploads arrive on object push,
// browse on file access, and details and downloads on the generic channel.
var serverChannels = []xfer.ServiceChannel{xfer.ChannelObjectPush, xfer.ChannelFileAccess, xfer.ChannelGeneric}

// NewNetwork returns the BlueZ RFCOMM network, or a TCP network for bridged or simulated peers.
func NewNetwork(config *Config, logger xfer.Logger) (Network, error) {
	if config.Transport == "tcp" {
		return &tcpNetwork{addr: config.Listen}, nil
	}
	b, err := NewBlueZ(config.Adapter, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type tcpNetwork struct {
	dialer xfer.NetDialer
	addr   string
}

func (n *tcpNetwork) Dial(ctx context.Context, peer xfer.Peer, channel xfer.ServiceChannel) (xfer.Transport, error) {
	return n.dialer.Dial(ctx, peer, channel)
}

// Listen binds the configured address once; a socket carries every channel.
func (n *tcpNetwork) Listen(_ string, _ ...xfer.ServiceChannel) (xfer.Listener, error) {
	ln, err := net.Listen("tcp", n.addr)
	if err != nil {
		return nil, err
	}
	return xfer.NetListener{Listener: ln}, nil
}

func (n *tcpNetwork) Close() error { return nil }

// authorizerSwitch lets a reload replace the authorizer used by running handlers.
type authorizerSwitch struct {
	mu sync.RWMutex
	a  xfer.Authorizer
}

func (s *authorizerSwitch) Authorize(op xfer.CommandType) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.a.Authorize(op)
}

func (s *authorizerSwitch) set(a xfer.Authorizer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.a = a
}

// Server accepts peer connections: uploads are stored in the receive directory and browse,
// details and download commands are answered from the file root.
type Server struct {
	Config    *Config
	Logger    xfer.Logger
	Stats     *xfer.Stats
	Receiver  *xfer.Receiver
	Responder *xfer.Responder
	Events    *EventBus
	Metrics   *Metrics
	History   *History // nil when the config has no HistoryDB

	configPath string
	auth       *authorizerSwitch
}

func NewServer(config *Config, configPath string, logger xfer.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(discardHandler)
	}

	auth, err := config.Authorizer()
	if err != nil {
		return nil, err
	}

	responder, err := xfer.NewResponder(
		config.FileRoot,
		&xfer.OSFileStore{},
		xfer.ProtocolVersion(config.ProtocolVersion),
		config.opcodes(),
		config.MIMETable(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("new responder: %w", err)
	}

	srv := Server{
		Config:     config,
		Logger:     logger,
		Stats:      xfer.NewStats(),
		Responder:  responder,
		Receiver:   xfer.NewReceiver(config.ReceiverConfig(), &xfer.OSFileStore{}, logger),
		Events:     NewEventBus(),
		configPath: configPath,
		auth:       &authorizerSwitch{a: auth},
	}
	srv.Metrics = NewMetrics(srv.Stats)

	notifiers := xfer.Notifiers{srv.Events, srv.Metrics}
	if config.HistoryDB != "" {
		srv.History, err = OpenHistory(config.HistoryDB, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, srv.History)
	}

	srv.Responder.Stats = srv.Stats
	srv.Responder.Authorizer = srv.auth
	srv.Receiver.Stats = srv.Stats
	srv.Receiver.Authorizer = srv.auth
	srv.Receiver.Responder = srv.Responder
	srv.Receiver.Notifier = notifiers

	return &srv, nil
}

// ListenAndServe listens on the server channels of network and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, network Network) error {
	ln, err := network.Listen(s.Config.ServiceName, serverChannels...)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.Logger.Info("Receiver listening", "transport", s.Config.Transport, "service", s.Config.ServiceName, "dir", s.Config.ReceiveDir)

	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln xfer.Listener) error {
	return s.Receiver.Serve(ctx, ln)
}

// Reload re-reads the config file and applies the settings that can change at runtime. Everything
// else requires a restart.
func (s *Server) Reload() error {
	if s.configPath == "" {
		return errors.New("server has no config file")
	}

	config, err := LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	auth, err := config.Authorizer()
	if err != nil {
		return err
	}
	s.auth.set(auth)

	s.Logger.Info("Config reloaded", "allowedOperations", config.AllowedOperations)
	return nil
}

func (s *Server) CurrentStats() map[string]interface{} {
	stats := s.Stats.Values()
	stats["Receiving"] = s.Receiver.Running()
	stats["EventSubscribers"] = s.Events.Len()

	return stats
}

func (s *Server) Shutdown() error {
	err := s.Receiver.Stop()
	if s.History != nil {
		err = errors.Join(err, s.History.Close())
	}
	return err
}
