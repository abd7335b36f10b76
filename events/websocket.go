// Package events pushes session events to websocket clients and accepts
// session commands from them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	gws "github.com/gorilla/websocket"

	"github.com/tnt2402/jvm-explorer/api"
)

// Controller is the session surface clients drive. session.Manager
// satisfies it.
type Controller interface {
	Attach(target api.TargetProcess, done func(error))
	Detach()
	ListLoadedClasses(onProgress func(int), done func([]api.LoadedClass, error))
	FetchClassContent(className string, done func(*api.ClassContent, error))
	WriteField(className, fieldName, value string, done func(bool, error))
	Subscribe(fn func(api.Event)) func()
}

// TargetLister lists attachable processes. proctl.Registry satisfies it.
type TargetLister interface {
	ListTargets(ctx context.Context) ([]api.TargetProcess, error)
}

// ClientRecorder observes client connections. metrics.Metrics satisfies it.
type ClientRecorder interface {
	ClientConnected()
	ClientDisconnected()
}

const (
	sendQueue    = 64
	writeTimeout = 5 * time.Second
	listTimeout  = 10 * time.Second
)

type WebsocketServer struct {
	ListenAddr string
	Sessions   Controller
	Targets    TargetLister
	Metrics    ClientRecorder

	commandHandlers map[api.CommandName]commandHandler

	mu          sync.Mutex
	listener    net.Listener
	httpServer  *http.Server
	clients     map[*client]struct{}
	unsubscribe func()
}

type commandHandler func(c *client, cmd *api.Command) error

func NewWebsocketServer(listenAddr string, sessions Controller, targets TargetLister) *WebsocketServer {
	s := &WebsocketServer{
		ListenAddr: listenAddr,
		Sessions:   sessions,
		Targets:    targets,
		clients:    map[*client]struct{}{},
	}
	s.commandHandlers = map[api.CommandName]commandHandler{
		api.ListTargets:       s.handleListTargets,
		api.AttachTarget:      s.handleAttach,
		api.DetachTarget:      s.handleDetach,
		api.ListLoadedClasses: s.handleListClasses,
		api.FetchClassContent: s.handleClassContent,
		api.WriteField:        s.handleEditField,
	}
	return s
}

// Start listens and serves in the background.
func (s *WebsocketServer) Start() error {
	l, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("event server listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleSocket)

	s.mu.Lock()
	s.listener = l
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.unsubscribe = s.Sessions.Subscribe(s.broadcast)
	srv := s.httpServer
	s.mu.Unlock()

	glog.Infof("websocket server listening at %s", s.URL())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("websocket server: %v", err)
		}
	}()
	return nil
}

func (s *WebsocketServer) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s/events", s.listener.Addr())
}

// Close stops the listener and disconnects every client.
func (s *WebsocketServer) Close() error {
	s.mu.Lock()
	srv, unsubscribe := s.httpServer, s.unsubscribe
	s.httpServer, s.unsubscribe = nil, nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
	if srv == nil {
		return nil
	}
	glog.Info("websocket server stopping")
	return srv.Close()
}

type client struct {
	ws        *gws.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// queue hands data to the client's writer. A client that cannot keep up is
// disconnected.
func (c *client) queue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		glog.Warningf("dropping event client %s: send queue full", c.ws.RemoteAddr())
		c.close()
	}
}

func (s *WebsocketServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("error upgrading connection: %v", err)
		return
	}

	c := &client{ws: ws, send: make(chan []byte, sendQueue), done: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ClientConnected()
	}
	glog.V(1).Infof("event client connected from %s", ws.RemoteAddr())

	go s.writeEvents(c)
	s.readCommands(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	if s.Metrics != nil {
		s.Metrics.ClientDisconnected()
	}
	glog.V(1).Infof("event client %s disconnected", ws.RemoteAddr())
}

func (s *WebsocketServer) readCommands(c *client) {
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		if messageType != gws.TextMessage {
			s.reject(c, "", fmt.Errorf("invalid message type %d", messageType))
			continue
		}

		var command api.Command
		if err := json.Unmarshal(message, &command); err != nil {
			s.reject(c, "", fmt.Errorf("couldn't decode command: %w", err))
			continue
		}

		handler, hasHandler := s.commandHandlers[command.Name]
		if !hasHandler {
			s.reject(c, command.Name, fmt.Errorf("no handler for command %q", command.Name))
			continue
		}

		glog.V(1).Infof("handling command: %s", command.Name)
		if err := handler(c, &command); err != nil {
			s.reject(c, command.Name, err)
		}
	}
}

func (s *WebsocketServer) writeEvents(c *client) {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(gws.TextMessage, data); err != nil {
				glog.Errorf("error writing event: %v", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebsocketServer) broadcast(ev api.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		glog.Errorf("error marshalling event: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.queue(data)
	}
}

func (s *WebsocketServer) reply(c *client, ev api.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		glog.Errorf("error marshalling event: %v", err)
		return
	}
	c.queue(data)
}

func (s *WebsocketServer) reject(c *client, name api.CommandName, err error) {
	glog.V(1).Infof("command %s rejected: %v", name, err)
	s.reply(c, api.Event{
		Name:          api.CommandRejected,
		CommandFailed: &api.CommandFailedData{Command: name, Error: err.Error()},
	})
}

func (s *WebsocketServer) handleListTargets(c *client, cmd *api.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	targets, err := s.Targets.ListTargets(ctx)
	if err != nil {
		return err
	}
	if targets == nil {
		targets = []api.TargetProcess{}
	}
	s.reply(c, api.Event{Name: api.TargetsListed, Targets: &api.TargetsData{Targets: targets}})
	return nil
}

func (s *WebsocketServer) handleAttach(c *client, cmd *api.Command) error {
	if cmd.Attach == nil {
		return errors.New("attach command without arguments")
	}
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	targets, err := s.Targets.ListTargets(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.PID == cmd.Attach.PID {
			s.Sessions.Attach(t, func(err error) {
				if err != nil {
					s.reject(c, cmd.Name, err)
				}
			})
			return nil
		}
	}
	return fmt.Errorf("no attachable process with pid %d", cmd.Attach.PID)
}

func (s *WebsocketServer) handleDetach(c *client, cmd *api.Command) error {
	s.Sessions.Detach()
	return nil
}

func (s *WebsocketServer) handleListClasses(c *client, cmd *api.Command) error {
	s.Sessions.ListLoadedClasses(nil, func(classes []api.LoadedClass, err error) {
		if err != nil {
			s.reject(c, cmd.Name, err)
			return
		}
		s.reply(c, api.Event{Name: api.ClassesListed, Classes: &api.ClassesData{Classes: classes}})
	})
	return nil
}

func (s *WebsocketServer) handleClassContent(c *client, cmd *api.Command) error {
	if cmd.ClassContent == nil {
		return errors.New("class content command without arguments")
	}
	s.Sessions.FetchClassContent(cmd.ClassContent.ClassName, func(content *api.ClassContent, err error) {
		if err != nil {
			s.reject(c, cmd.Name, err)
			return
		}
		s.reply(c, api.Event{Name: api.ClassContentFetched, Content: &api.ContentData{Content: content}})
	})
	return nil
}

func (s *WebsocketServer) handleEditField(c *client, cmd *api.Command) error {
	args := cmd.EditField
	if args == nil {
		return errors.New("edit field command without arguments")
	}
	s.Sessions.WriteField(args.ClassName, args.FieldName, args.Value, func(ok bool, err error) {
		if err != nil {
			s.reject(c, cmd.Name, err)
			return
		}
		s.reply(c, api.Event{Name: api.FieldUpdated, FieldWritten: &api.FieldWrittenData{
			ClassName: args.ClassName,
			FieldName: args.FieldName,
			Value:     args.Value,
		}})
	})
	return nil
}
