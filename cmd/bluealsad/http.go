package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait   = time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 2 * pingPeriod
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type server struct {
	registry *transport.Registry
	bus      *eventbus.Bus
	log      bluealsa.Logger

	// websocket clients currently connected
	clients *xsync.Counter
}

func newServer(r *transport.Registry, b *eventbus.Bus) *server {
	return &server{
		registry: r,
		bus:      b,
		log:      bluealsa.GetLogger().ChildLogger(map[string]interface{}{"http": "api"}),
		clients:  xsync.NewCounter(),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/events", s.events)
	r.Get("/rfcomm/{device}", s.rfcomm)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"transports": len(s.registry.Transports()),
		"clients":    s.clients.Value(),
	})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	list := []bluealsa.TransportStatus{}
	for _, t := range s.registry.Transports() {
		list = append(list, t.Status())
	}
	writeJSON(w, http.StatusOK, list)
}

// events streams bus events to a websocket client until it goes away.
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	var kinds []eventbus.Kind
	if q := r.URL.Query().Get("kind"); q != "" {
		for _, name := range strings.Split(q, ",") {
			k, ok := eventbus.ParseKind(name)
			if !ok {
				http.Error(w, "unknown event kind "+name, http.StatusBadRequest)
				return
			}
			kinds = append(kinds, k)
		}
	}

	sub := s.bus.Subscribe(kinds...)
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	s.clients.Inc()
	defer s.clients.Dec()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debugf("event client gone: %v", err)
				return
			}
		}
	}
}

// rfcomm attaches a websocket client as the forwarder of the RFCOMM link of
// a device. Unknown AT traffic is relayed as text messages.
func (s *server) rfcomm(w http.ResponseWriter, r *http.Request) {
	dev := chi.URLParam(r, "device")
	addr, err := bluealsa.ParseAddr(strings.Replace(dev, "_", ":", -1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, ok := s.rfcommTransport(addr)
	if !ok {
		http.Error(w, "no RFCOMM link for "+addr.String(), http.StatusNotFound)
		return
	}
	defer t.Unref()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}

	s.clients.Inc()
	defer s.clients.Dec()

	st := newWSStream(conn)
	if err := t.RFCOMM().AttachForwarder(st); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		st.Close()
		return
	}
	s.log.Infof("RFCOMM forwarder attached to %s", t.Path())

	select {
	case <-st.Done():
	case <-t.RFCOMM().Done():
		st.Close()
	}
}

func (s *server) rfcommTransport(addr bluealsa.Addr) (*transport.Transport, bool) {
	d, ok := s.registry.Lookup(addr)
	if !ok {
		return nil, false
	}
	for _, t := range d.Transports() {
		if t.RFCOMM() == nil {
			continue
		}
		if t, ok := d.Lookup(t.Path()); ok {
			return t, true
		}
	}
	return nil, false
}
