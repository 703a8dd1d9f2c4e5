// Package natsbus carries lifecycle events over NATS: every committed order
// transition and breaker change is published, and venue execution events
// for live orders are consumed from a queue group.
package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect opens a named connection that keeps reconnecting.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus.Connect: %s: %w", url, err)
	}
	return conn, nil
}

// Close drains and closes conn.
func Close(conn *nats.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		slog.Warn("nats drain failed", "err", err)
	}
	conn.Close()
}
