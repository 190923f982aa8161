package transport

import (
	"time"

	"github.com/rigado/bluealsa"
)

type managerCommand int

const (
	managerTerminate managerCommand = iota
	managerCancelThreads
	managerCancelIfIdle
)

const managerQueueSize = 16

// threadManager cancels PCM workers on behalf of whoever asked, so a worker
// may ask for its own cancellation.
type threadManager struct {
	t         *Transport
	keepAlive time.Duration
	log       bluealsa.Logger

	cmds chan managerCommand
	done chan struct{}
}

func newThreadManager(t *Transport, keepAlive time.Duration) *threadManager {
	m := &threadManager{
		t:         t,
		keepAlive: keepAlive,
		log:       t.log,
		cmds:      make(chan managerCommand, managerQueueSize),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *threadManager) run() {
	defer close(m.done)

	var timer *time.Timer
	var timeout <-chan time.Time
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timeout = nil, nil
	}
	defer disarm()

	for {
		select {
		case cmd := <-m.cmds:
			switch cmd {
			case managerTerminate:
				return
			case managerCancelThreads:
				m.t.cancelThreads()
				disarm()
			case managerCancelIfIdle:
				m.log.Debugf("PCM clients check keep-alive: %v", m.keepAlive)
				disarm()
				timer = time.NewTimer(m.keepAlive)
				timeout = timer.C
			}

		case <-timeout:
			timer, timeout = nil, nil
			m.t.cancelIfNoClients()
		}
	}
}

// send queues cmd. It reports false once the manager has terminated.
func (m *threadManager) send(cmd managerCommand) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.cmds <- cmd:
		return true
	case <-m.done:
		return false
	}
}

func (m *threadManager) terminate() {
	if m.send(managerTerminate) {
		<-m.done
	}
}
