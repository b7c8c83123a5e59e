// Package mesh implements relay-free sync for households that stay on one
// network. The device that creates the household becomes the host: it runs
// an embedded relay bound to a LAN address and connects to it like any other
// member. Joining devices dial the host directly. When the host leaves, the
// room goes with it and members fall back to local-only operation.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/larder/internal/relay"
	"github.com/dukerupert/larder/internal/sync/transport"
)

const shutdownTimeout = 2 * time.Second

// Transport resolves rooms against the household host, hosting one itself
// when no host is reachable.
type Transport struct {
	listenAddr string
	hostURL    string
	logger     *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	selfURL string
}

// New builds a mesh transport. listenAddr is where this device binds when it
// becomes the host; hostURL is where an existing host is expected.
func New(listenAddr, hostURL string, logger *slog.Logger) *Transport {
	return &Transport{
		listenAddr: listenAddr,
		hostURL:    hostURL,
		logger:     logger.With("component", "mesh-transport"),
	}
}

// RoomExists reports whether the host is reachable and has the room. A mesh
// room only exists while its host is online, so an unreachable host means
// the room does not exist rather than a transport fault.
func (t *Transport) RoomExists(ctx context.Context, code string) (bool, error) {
	exists, err := transport.NewRelayTransport(t.hostURL, t.logger).RoomExists(ctx, code)
	if err != nil {
		t.logger.Debug("host unreachable", "url", t.hostURL, "error", err)
		return false, nil
	}
	return exists, nil
}

// CreateOrGetRoom joins the room on a reachable host, or starts hosting and
// joins its own embedded relay.
func (t *Transport) CreateOrGetRoom(ctx context.Context, code string) (transport.Room, error) {
	t.mu.Lock()
	hosting := t.server != nil
	selfURL := t.selfURL
	t.mu.Unlock()

	if hosting {
		return t.openHostedRoom(ctx, selfURL, code)
	}

	if exists, err := t.RoomExists(ctx, code); err == nil && exists {
		return transport.NewRelayTransport(t.hostURL, t.logger).CreateOrGetRoom(ctx, code)
	}

	selfURL, err := t.startHosting()
	if err != nil {
		return nil, err
	}
	room, err := t.openHostedRoom(ctx, selfURL, code)
	if err != nil {
		t.stopHosting()
		return nil, err
	}
	t.logger.Info("hosting household room", "code", code, "addr", selfURL)
	return room, nil
}

func (t *Transport) openHostedRoom(ctx context.Context, selfURL, code string) (transport.Room, error) {
	room, err := transport.NewRelayTransport(selfURL, t.logger).CreateOrGetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	return &hostRoom{Room: room, t: t}, nil
}

func (t *Transport) startHosting() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return t.selfURL, nil
	}

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return "", fmt.Errorf("%w: listen %s: %v", transport.ErrUnavailable, t.listenAddr, err)
	}

	srv := &http.Server{Handler: relay.NewServer(t.logger).Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("mesh host serve", "error", err)
		}
	}()

	t.server = srv
	t.selfURL = "http://" + ln.Addr().String()
	return t.selfURL, nil
}

func (t *Transport) stopHosting() {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.selfURL = ""
	t.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
}

// HostURL returns the address joiners should dial while this device hosts,
// or empty when it is not hosting.
func (t *Transport) HostURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfURL
}

// hostRoom is the host's own handle on its embedded relay. Closing it also
// shuts the relay down, which is what dissolves a mesh room when the host
// leaves.
type hostRoom struct {
	transport.Room
	t *Transport
}

func (r *hostRoom) Close() error {
	err := r.Room.Close()
	r.t.stopHosting()
	return err
}
