package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// feedShutdownGrace bounds how long the feed server waits for in-flight
// connections on shutdown.
const feedShutdownGrace = 2 * time.Second

// browserEvent is one message from the extension's event stream. Only
// the type matters to the debouncer; the rest is logged for diagnosis.
type browserEvent struct {
	Type     string `json:"type"` // tab_created, tab_removed, tab_updated, tab_activated, window_created, window_removed, group_changed
	WindowID int    `json:"windowId,omitempty"`
	TabID    int    `json:"tabId,omitempty"`
}

// EventFeed accepts a local websocket connection from the browser
// extension and funnels its tab/window/group events into the service's
// debounced capture.
type EventFeed struct {
	service *Service
	addr    string
	logger  *slog.Logger
}

// NewEventFeed creates a feed listening on addr (loopback only in any
// sane configuration).
func NewEventFeed(service *Service, addr string, logger *slog.Logger) *EventFeed {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventFeed{service: service, addr: addr, logger: logger}
}

// Run serves the feed until the context is canceled.
func (f *EventFeed) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("recovery: listening on %s: %w", f.addr, err)
	}

	server := &http.Server{
		Handler:           http.HandlerFunc(f.handle),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	f.logger.Info("browser event feed listening", slog.String("addr", listener.Addr().String()))

	done := make(chan struct{})

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), feedShutdownGrace)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
		close(done)
	}()

	err = server.Serve(listener)
	<-done

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("recovery: event feed: %w", err)
}

// handle upgrades one connection and reads events until it closes.
func (f *EventFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	f.logger.Info("browser extension connected", slog.String("remote", r.RemoteAddr))

	ctx := r.Context()

	for {
		var ev browserEvent

		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				f.logger.Debug("event feed closed", slog.String("error", err.Error()))
			}

			return
		}

		f.logger.Debug("browser event",
			slog.String("type", ev.Type),
			slog.Int("window_id", ev.WindowID),
			slog.Int("tab_id", ev.TabID),
		)

		f.service.OnBrowserEvent(ctx)
	}
}
