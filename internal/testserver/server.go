// Package testserver runs an in-process realtime server for integration
// tests: the token side channel plus the websocket endpoint, with scripted
// replies per message type.
package testserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	"fogsync/pkg/protocol"
)

// Handler answers one inbound call. Replies without a msgId get the
// call's id.
type Handler func(in *protocol.Inbound) []protocol.Message

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(ctx context.Context, msg protocol.Message) error {
	data, binary, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, typ, data)
}

// Server is a fake realtime server.
type Server struct {
	router *mux.Router
	http   *httptest.Server
	logger *logrus.Logger

	mu          sync.Mutex
	handlers    map[string]Handler
	conns       map[*conn]struct{}
	received    []*protocol.Inbound
	agentTokens map[string]string
	exchanges   int
	dials       int
	changed     chan struct{}
}

// New starts a server. Close must be called.
func New(logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		handlers:    make(map[string]Handler),
		conns:       make(map[*conn]struct{}),
		agentTokens: make(map[string]string),
		changed:     make(chan struct{}),
	}
	s.installDefaults()
	s.setupRoutes()
	s.http = httptest.NewServer(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc(constants.TokenPath, s.handleToken()).Methods(http.MethodPost)
	api.HandleFunc(constants.WebSocketPath, s.handleWebSocket()).Methods(http.MethodGet)
}

// APIURL is the REST base of the server.
func (s *Server) APIURL() string { return s.http.URL + "/api" }

// WebSocketURL is the realtime endpoint.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/api" + constants.WebSocketPath
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// Handle replaces the handler for msgType.
func (s *Server) Handle(msgType string, h Handler) {
	s.mu.Lock()
	s.handlers[msgType] = h
	s.mu.Unlock()
}

// AllowAgent makes the token side channel mint token for the pair.
func (s *Server) AllowAgent(agentID, vendorID, token string) {
	s.mu.Lock()
	s.agentTokens[agentID+"|"+vendorID] = token
	s.mu.Unlock()
}

// Push sends an unsolicited message to every connection.
func (s *Server) Push(msg protocol.Message) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.write(ctx, msg); err != nil {
			s.logger.WithError(err).Debug("Push failed")
		}
	}
}

// DropConnections closes every open websocket from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*conn]struct{})
	s.notifyLocked()
	s.mu.Unlock()
	for c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "dropped")
	}
}

// Connections returns the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Dials returns how many websockets were accepted in total.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Exchanges returns how many token requests were served.
func (s *Server) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

// Received returns the calls of msgType seen so far, or every call when
// msgType is empty.
func (s *Server) Received(msgType string) []*protocol.Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Inbound
	for _, in := range s.received {
		if msgType == "" || in.MsgType == msgType {
			out = append(out, in)
		}
	}
	return out
}

// WaitFor blocks until cond holds or the timeout passes.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		if cond() {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return cond()
		}
	}
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) handleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AgentID  string `json:"agentId"`
			VendorID string `json:"vendorId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.exchanges++
		token, ok := s.agentTokens[req.AgentID+"|"+req.VendorID]
		s.notifyLocked()
		s.mu.Unlock()

		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Error("Websocket accept failed")
			return
		}
		ws.SetReadLimit(constants.DefaultReadLimitBytes)
		c := &conn{ws: ws}

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.dials++
		s.notifyLocked()
		s.mu.Unlock()

		s.serve(r.Context(), c)

		s.mu.Lock()
		delete(s.conns, c)
		s.notifyLocked()
		s.mu.Unlock()
	}
}

func (s *Server) serve(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		in, err := protocol.DecodeFrame(data, typ == websocket.MessageBinary)
		if err != nil {
			s.logger.WithError(err).Error("Undecodable frame")
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, in)
		h := s.handlers[in.MsgType]
		s.notifyLocked()
		s.mu.Unlock()

		if h == nil {
			s.logger.WithField("msg_type", in.MsgType).Debug("No handler")
			continue
		}
		for _, reply := range h(in) {
			if reply.Head().MsgID == "" {
				reply.Head().MsgID = in.MsgID
			}
			if err := c.write(ctx, reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) installDefaults() {
	authOk := func(in *protocol.Inbound) []protocol.Message {
		ok := &protocol.AuthOk{
			Header:     protocol.Header{MsgType: protocol.TypeAuthOk},
			SessionID:  "session-" + in.MsgID,
			HelpdeskID: "h1",
		}
		switch in.MsgType {
		case protocol.TypeAuthAgent:
			if a, err := protocol.DecodeAs[protocol.AuthAgent](in); err == nil {
				ok.UserID = a.AgentID
			}
		case protocol.TypeAuthUser:
			ok.UserID = "u1"
		case protocol.TypeAuthVisitor:
			ok.UserID = "u-visitor"
			ok.VisitorToken = "visitor-credential"
		}
		return []protocol.Message{ok}
	}
	s.handlers[protocol.TypeAuthAgent] = authOk
	s.handlers[protocol.TypeAuthUser] = authOk
	s.handlers[protocol.TypeAuthVisitor] = authOk

	s.handlers[protocol.TypePing] = func(*protocol.Inbound) []protocol.Message {
		return []protocol.Message{&protocol.Header{MsgType: protocol.TypePong}}
	}
	s.handlers[protocol.TypeStreamSub] = func(in *protocol.Inbound) []protocol.Message {
		req, _ := protocol.DecodeAs[protocol.StreamSub](in)
		topic := ""
		if req != nil {
			topic = req.Topic
		}
		return []protocol.Message{&protocol.StreamSubOk{
			Header: protocol.Header{MsgType: protocol.TypeStreamSubOk},
			Topic:  topic,
		}}
	}
	s.handlers[protocol.TypeStreamUnSub] = func(*protocol.Inbound) []protocol.Message {
		return []protocol.Message{&protocol.Header{MsgType: protocol.TypeStreamUnSubOk}}
	}
	s.handlers[protocol.TypeStreamGet] = func(in *protocol.Inbound) []protocol.Message {
		req, _ := protocol.DecodeAs[protocol.StreamGet](in)
		topic := ""
		if req != nil {
			topic = req.Topic
		}
		return []protocol.Message{&protocol.StreamGetOk{
			Header: protocol.Header{MsgType: protocol.TypeStreamGetOk},
			Topic:  topic,
		}}
	}
	s.handlers[protocol.TypeRosterSub] = func(in *protocol.Inbound) []protocol.Message {
		req, _ := protocol.DecodeAs[protocol.RosterSub](in)
		topic := ""
		if req != nil {
			topic = req.Topic
		}
		return []protocol.Message{&protocol.RosterSubOk{
			Header: protocol.Header{MsgType: protocol.TypeRosterSubOk},
			Topic:  topic,
		}}
	}
	s.handlers[protocol.TypeRosterGetRooms] = func(in *protocol.Inbound) []protocol.Message {
		req, _ := protocol.DecodeAs[protocol.RosterGetRooms](in)
		topic := ""
		if req != nil {
			topic = req.Topic
		}
		return []protocol.Message{&protocol.RosterGetOk{
			Header: protocol.Header{MsgType: protocol.TypeRosterGetOk},
			Topic:  topic,
		}}
	}
	s.handlers[protocol.TypeVisitorVerifyCode] = func(*protocol.Inbound) []protocol.Message {
		return []protocol.Message{&protocol.Header{MsgType: protocol.TypeVisitorOk}}
	}
	roomOk := func(in *protocol.Inbound) []protocol.Message {
		var req struct {
			RoomID string `json:"roomId"`
		}
		_ = in.Decode(&req)
		return []protocol.Message{&protocol.RoomOk{
			Header: protocol.Header{MsgType: protocol.TypeRoomOk},
			RoomID: req.RoomID,
		}}
	}
	s.handlers[protocol.TypeRoomUpdate] = roomOk
	s.handlers[protocol.TypeRoomResolve] = roomOk
	s.handlers[protocol.TypeRoomUnresolve] = roomOk
	s.handlers[protocol.TypeFileUpload] = func(in *protocol.Inbound) []protocol.Message {
		return []protocol.Message{&protocol.FileOk{
			Header: protocol.Header{MsgType: protocol.TypeFileOk},
			FileID: "file-" + in.MsgID,
		}}
	}
}
