package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xerrors "LX-Agent/internal/errors"
	"LX-Agent/pkg/logger"
)

// Event 是一条告警事件。
type Event struct {
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Severity  xerrors.Severity  `json:"severity"`
	Code      string            `json:"code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier 消费告警事件。实现不应阻塞太久，分发是同步扇出。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher 将告警事件扇出到所有注册的通知渠道。
// 单个渠道的失败只会被记录，不影响其余渠道。
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       *slog.Logger
}

// NewDispatcher 创建分发器。
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		log:       logger.Named("alerting"),
	}
}

// Register 追加一个通知渠道。
func (d *Dispatcher) Register(notifier Notifier) {
	d.mu.Lock()
	d.notifiers = append(d.notifiers, notifier)
	d.mu.Unlock()
}

// Dispatch 分发一条告警事件。
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	d.mu.RLock()
	notifiers := make([]Notifier, len(d.notifiers))
	copy(notifiers, d.notifiers)
	d.mu.RUnlock()

	for _, notifier := range notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			d.log.Error("告警通知失败",
				slog.String("notifier", notifier.Name()),
				slog.Any("error", err),
			)
		}
	}
}

// AlertError 从错误中提取告警事件并分发。不需要告警的错误被忽略。
func (d *Dispatcher) AlertError(ctx context.Context, source string, err error) {
	if err == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := Event{
		Source:   source,
		Message:  err.Error(),
		Severity: xerrors.SeverityOf(err),
		Code:     string(xerrors.CodeOf(err)),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	d.Dispatch(ctx, event)
}

// LogNotifier 把告警写进审计日志，是默认渠道。
type LogNotifier struct{}

// Name 实现 Notifier 接口。
func (LogNotifier) Name() string { return "log" }

// Notify 实现 Notifier 接口。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("告警",
		slog.String("source", event.Source),
		slog.String("severity", string(event.Severity)),
		slog.String("code", event.Code),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 把告警以 JSON POST 到外部 webhook。
type WebhookNotifier struct {
	url   string
	httpc *http.Client
}

// NewWebhookNotifier 创建 webhook 渠道。
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:   url,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name 实现 Notifier 接口。
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify 实现 Notifier 接口。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeUnknown, "webhook 返回状态 "+resp.Status)
	}
	return nil
}
