// Package trigger 透過 NATS request/reply 觸發讀模型重建
//
// 發送端：
//
//	nats request projection.rebuild ''
//
// 回覆內容與 HTTP 觸發端點相同（JSON），另外帶上 status 欄位。
// 多個實例以同一個 queue group 訂閱，一個請求只會由一個實例處理。
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-read-model-cache/internal/handler"
	"github.com/koopa0/system-design/14-read-model-cache/pkg/logger"
)

// QueueGroup 所有實例共用的 queue group 名稱
const QueueGroup = "projection-builders"

// Config NATS 觸發設定
type Config struct {
	URL     string
	Subject string
	// Timeout 單一請求的處理上限，應與重建逾時一致
	Timeout time.Duration
}

// Reply 回覆內容
type Reply struct {
	Status int `json:"status"`
	handler.RebuildResponse
}

// Listener NATS 重建觸發器
type Listener struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	builder handler.Rebuilder
	cfg     Config
	logger  *slog.Logger
}

// Listen 連接 NATS 並開始訂閱
func Listen(cfg Config, builder handler.Rebuilder, log *slog.Logger) (*Listener, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	l := &Listener{
		builder: builder,
		cfg:     cfg,
		logger:  log.With("component", "nats_trigger", "subject", cfg.Subject),
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("read-model-cache"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	l.conn = conn

	sub, err := conn.QueueSubscribe(cfg.Subject, QueueGroup, l.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}
	l.sub = sub

	l.logger.Info("listening for rebuild requests", "queue", QueueGroup)
	return l, nil
}

func (l *Listener) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	if id := msg.Header.Get("X-Request-ID"); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	data := Handle(ctx, l.builder)

	if msg.Reply == "" {
		// 單向發布：只重建，不回覆
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.ErrorContext(ctx, "failed to respond", "error", err)
	}
}

// Handle 執行一次重建並回傳 JSON 回覆
func Handle(ctx context.Context, builder handler.Rebuilder) []byte {
	status, body := handler.RebuildReply(ctx, builder)

	data, err := json.Marshal(Reply{Status: status, RebuildResponse: body})
	if err != nil {
		// Reply 只含基本型別，不會發生
		return []byte(`{"status":500,"success":false,"error":"projection failed"}`)
	}
	return data
}

// Close 取消訂閱並排空連線
func (l *Listener) Close() error {
	if l.sub != nil {
		_ = l.sub.Unsubscribe()
	}
	if l.conn != nil {
		return l.conn.Drain()
	}
	return nil
}
