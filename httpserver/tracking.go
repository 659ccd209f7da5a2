package httpserver

import (
	"context"
	"net"
	"sync"
)

// trackedListener counts the connections it accepts, and how many are still open.
type trackedListener struct {
	net.Listener

	name string

	mu       sync.Mutex
	accepted int
	active   int
}

func (l *trackedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return conn, err
	}

	l.mu.Lock()
	l.accepted++
	l.active++
	l.mu.Unlock()

	return &trackedConn{Conn: conn, l: l}, nil
}

// MetricName returns the name for the metrics the listener will produce. (satisfies MetricProducer)
func (l *trackedListener) MetricName() string {
	return l.name + "-listener"
}

// Gauges returns the connection counts. (satisfies MetricProducer)
func (l *trackedListener) Gauges(context.Context) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]float64{
		"total_connections":  float64(l.accepted),
		"active_connections": float64(l.active),
	}
}

func (l *trackedListener) closed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
}

type trackedConn struct {
	net.Conn
	l    *trackedListener
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(c.l.closed)
	return c.Conn.Close()
}
