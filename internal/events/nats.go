package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/linkguard/pkg/logger"
)

const flushTimeout = 2 * time.Second

// NATSPublisher 透過 Core NATS 發佈
//
// 過期事件是通知性質，下游漏收只影響統計，不需要 JetStream 的持久化。
// PublishExpired 會 Flush 到伺服器確認收到，確保錯誤能回報給清理器計數。
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect 連接 NATS 並建立 Publisher
func Connect(url, subject string, log *slog.Logger) (*NATSPublisher, error) {
	log = logger.OrDefault(log)

	conn, err := nats.Connect(
		url,
		nats.Name("linkguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return NewNATSPublisher(conn, subject, log), nil
}

// NewNATSPublisher 使用既有連線
func NewNATSPublisher(conn *nats.Conn, subject string, log *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.OrDefault(log).With("component", "events"),
	}
}

// Subject 發佈的主題
func (p *NATSPublisher) Subject() string { return p.subject }

// PublishExpired 序列化並發佈
func (p *NATSPublisher) PublishExpired(ctx context.Context, e Expired) error {
	if len(e.Links) == 0 {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal expired event: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	// FlushWithContext 要求 ctx 帶有 deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}

	p.logger.Debug("expired event published", "run_id", e.RunID, "links", len(e.Links))
	return nil
}

// Close 送完緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
