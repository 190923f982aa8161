package main

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream exposes a websocket as a byte stream. Every Write is sent as one
// text message; reads consume messages in order.
type wsStream struct {
	conn *websocket.Conn

	rmu  sync.Mutex
	rbuf []byte

	wmu sync.Mutex

	once sync.Once
	done chan struct{}
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s := &wsStream{conn: conn, done: make(chan struct{})}
	go s.keepAlive()
	return s
}

func (s *wsStream) keepAlive() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for len(s.rbuf) == 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return 0, io.EOF
		}
		s.rbuf = msg
	}

	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the stream is closed by either side.
func (s *wsStream) Done() <-chan struct{} { return s.done }
