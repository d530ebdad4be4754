package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnelguard/internal/netutil"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 256
)

// Only same-origin or non-browser clients may open the stream.
var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, host, _ := strings.Cut(origin, "://")
		return netutil.NormalizeHost(host) == netutil.NormalizeHost(r.Host)
	},
}

// handleAuditStream pushes each new audit entry to the client as a JSON
// text frame until either side closes.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit_disabled", "audit log is not open")
		return
	}
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	entries, unsubscribe := s.audit.Subscribe(streamBuffer)
	defer unsubscribe()

	// The client never sends data; reading surfaces its close frame.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	s.log.Debug("audit stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.log.Debug("audit stream write failed", "err", err)
				}
				return
			}
		}
	}
}
