package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes notifications as core NATS messages carrying a Nats-Msg-Id header, so a
// JetStream stream bound to the subjects deduplicates replays.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials url. appName identifies the connection on the server.
func ConnectNATS(url, prefix, appName string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

func (p *NATS) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, n))
	msg.Header.Set(nats.MsgIdHdr, n.ID)
	msg.Data = data
	return p.conn.PublishMsg(msg)
}

// Close flushes buffered messages and closes the connection.
func (p *NATS) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	return err
}
