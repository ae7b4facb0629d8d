// Package api exposes a Machine over HTTP: connection control, channel
// read/write and WebSocket streams of notifications and machine events.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/codec"
)

// writeWait bounds a single WebSocket write so a slow client cannot stall
// its stream.
const writeWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the control API for one Machine.
type Server struct {
	machine *ble.Machine
	router  chi.Router
}

// New builds the router for m.
func New(m *ble.Machine) *Server {
	s := &Server{machine: m}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "blelink"})
	})
	r.Get("/state", s.getState)
	r.Post("/connect", s.connect)
	r.Post("/disconnect", s.disconnect)
	r.Get("/events", s.streamEvents)

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", s.listChannels)
		r.Get("/{id}", s.readChannel)
		r.Put("/{id}", s.writeChannel)
		r.Get("/{id}/stream", s.streamChannel)
		r.Delete("/{id}/subscription", s.unsubscribe)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

// errorStatus maps the driver's failure kinds to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ble.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ble.ErrPrecondition), errors.Is(err, ble.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, ble.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Address  string    `json:"address"`
	State    ble.State `json:"state"`
	Cleared  bool      `json:"cleared"`
	Channels int       `json:"channels"`
}

func (s *Server) stateResponse() StateResponse {
	return StateResponse{
		Address:  s.machine.Address(),
		State:    s.machine.State(),
		Cleared:  s.machine.Cleared(),
		Channels: s.machine.Registry().Len(),
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.stateResponse())
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Connect(r.Context()); err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, s.stateResponse())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Disconnect(r.Context()); err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, s.stateResponse())
}

// ChannelInfo describes one channel in GET /channels.
type ChannelInfo struct {
	ID           string   `json:"id"`
	Service      string   `json:"service"`
	Capabilities []string `json:"capabilities"`
	Subscribed   bool     `json:"subscribed"`
}

func channelInfo(ch *ble.Channel) ChannelInfo {
	caps := ch.Capabilities()
	info := ChannelInfo{
		ID:           ch.ID(),
		Service:      ch.Service(),
		Capabilities: []string{},
		Subscribed:   ch.Subscribed(),
	}
	for _, c := range []ble.Capability{ble.CapRead, ble.CapWrite, ble.CapNotify} {
		if caps.Has(c) {
			info.Capabilities = append(info.Capabilities, c.String())
		}
	}
	return info
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.machine.Channels()
	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelInfo(ch))
	}
	jsonResponse(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*ble.Channel, bool) {
	id := chi.URLParam(r, "id")
	ch, ok := s.machine.Channel(id)
	if !ok {
		errorResponse(w, http.StatusNotFound, "channel not found: "+id)
		return nil, false
	}
	return ch, true
}

// ReadResponse is the body of GET /channels/{id}.
type ReadResponse struct {
	Channel string       `json:"channel"`
	Value   codec.Number `json:"value"`
	Raw     string       `json:"raw"` // hex
}

func (s *Server) readChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw, err := ch.ReadRaw(r.Context())
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, ReadResponse{
		Channel: ch.ID(),
		Value:   codec.Decode(raw),
		Raw:     hex.EncodeToString(raw),
	})
}

// WriteRequest is the body of PUT /channels/{id}. Exactly one of Number,
// Text and Hex must be set; Wide selects the 8-byte encoding for Number and
// Text.
type WriteRequest struct {
	Number *uint64 `json:"number,omitempty"`
	Text   *string `json:"text,omitempty"`
	Hex    *string `json:"hex,omitempty"`
	Wide   bool    `json:"wide,omitempty"`
}

// Payload encodes the request into the bytes written to the channel.
func (req WriteRequest) Payload() ([]byte, error) {
	set := 0
	for _, present := range []bool{req.Number != nil, req.Text != nil, req.Hex != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of number, text or hex is required")
	}
	switch {
	case req.Number != nil:
		return codec.EncodeUint(*req.Number, req.Wide), nil
	case req.Text != nil:
		return codec.EncodeString(*req.Text, req.Wide), nil
	default:
		data, err := hex.DecodeString(*req.Hex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return data, nil
	}
}

func (s *Server) writeChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	data, err := req.Payload()
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ch.Write(r.Context(), data); err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"status": "ok",
		"bytes":  len(data),
	})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := ch.Unsubscribe(r.Context()); err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, channelInfo(ch))
}

// Notification is one frame of GET /channels/{id}/stream.
type Notification struct {
	Channel string       `json:"channel"`
	Value   codec.Number `json:"value"`
}

// closedByPeer runs a read loop so control frames are processed, and closes
// the returned channel once the client goes away.
func closedByPeer(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func (s *Server) streamChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	// Subscribe before upgrading so capability and transport failures are
	// reported with a proper status code.
	sub, err := ch.Subscribe(r.Context())
	if err != nil {
		errorResponse(w, errorStatus(err), err.Error())
		return
	}
	// The last client to leave releases the notification on the radio.
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), writeWait)
		defer cancel()
		if err := sub.Release(ctx); err != nil {
			slog.Warn("[API] release subscription failed", "channel", ch.ID(), "error", err)
		}
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	gone := closedByPeer(conn)

	for {
		select {
		case <-gone:
			return
		case v, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Notification{Channel: ch.ID(), Value: v}); err != nil {
				return
			}
		}
	}
}

// EventMessage is one frame of GET /events.
type EventMessage struct {
	Kind     ble.EventKind `json:"kind"`
	Time     time.Time     `json:"time"`
	State    *ble.State    `json:"state,omitempty"`
	Previous *ble.State    `json:"previous,omitempty"`
	Error    string        `json:"error,omitempty"`
	Advisory *ble.Advisory `json:"advisory,omitempty"`
}

// NewEventMessage flattens a machine event for JSON.
func NewEventMessage(ev ble.Event) EventMessage {
	msg := EventMessage{Kind: ev.Kind, Time: ev.Time, Advisory: ev.Advisory}
	if ev.Kind == ble.EventStateChanged {
		state, prev := ev.State, ev.Previous
		msg.State, msg.Previous = &state, &prev
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	// Listen before upgrading so no event after the handshake is missed.
	events, cancel := s.machine.Listen(64)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	gone := closedByPeer(conn)

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(NewEventMessage(ev)); err != nil {
				return
			}
		}
	}
}
