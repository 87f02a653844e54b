package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/notify"
	"PhoneAgent-Web/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// ParseChannel 校验渠道名称。
func ParseChannel(raw string) (Channel, error) {
	switch ch := Channel(raw); ch {
	case ChannelWebhook, ChannelDingTalk, ChannelSlack:
		return ch, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的告警渠道 %q", raw))
	}
}

// Event 描述一次需要告警的运行失败。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RunID      string            `json:"run_id"`
	Task       string            `json:"task"`
	DeviceID   string            `json:"device_id,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromRun 把运行结束通知转换为告警事件。
func FromRun(event notify.Event) Event {
	return Event{
		Code:       xerrors.CodeExecutorFailure,
		Message:    event.Error,
		Severity:   xerrors.SeverityWarning,
		RunID:      event.RunID,
		Task:       event.Task,
		DeviceID:   event.DeviceID,
		Duration:   event.Duration(),
		OccurredAt: event.FinishedAt,
		Metadata: map[string]string{
			"chunks":  fmt.Sprint(event.Chunks),
			"dropped": fmt.Sprint(event.Dropped),
		},
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Poster 以 JSON 形式向 URL 投递消息。
type Poster interface {
	Post(ctx context.Context, url string, payload any) error
}

// HTTPPoster 是基于 net/http 的 Poster。
type HTTPPoster struct {
	Client *http.Client
}

// Post 发送 JSON 请求，非 2xx 响应视为失败。
func (p HTTPPoster) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警投递失败: HTTP %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier 把告警事件原样以 JSON 投递。
type WebhookNotifier struct {
	Poster Poster
	URL    string
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	return n.Poster.Post(ctx, n.URL, event)
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Poster Poster
	URL    string
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉文本消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil || n.URL == "" {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	content := fmt.Sprintf("[%s] %s\n运行: %s\n任务: %s\n耗时: %s\n%s",
		event.Severity, event.Code, event.RunID, event.Task, event.Duration.Round(time.Second), event.Message)
	if len(event.Metadata) > 0 {
		content += "\n详情:"
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			content += fmt.Sprintf("\n- %s: %s", k, event.Metadata[k])
		}
	}
	return n.Poster.Post(ctx, n.URL, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	Poster Poster
	URL    string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Poster == nil || n.URL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("run_id", event.RunID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (run %s, task %q)", event.Severity, event.Code, event.Message, event.RunID, event.Task)
	return n.Poster.Post(ctx, n.URL, map[string]string{"text": content})
}

// New 根据渠道创建通知器。
func New(channel Channel, url string, poster Poster) (Notifier, error) {
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "告警地址不能为空")
	}
	switch channel {
	case ChannelWebhook:
		return &WebhookNotifier{Poster: poster, URL: url}, nil
	case ChannelDingTalk:
		return &DingTalkNotifier{Poster: poster, URL: url}, nil
	case ChannelSlack:
		return &SlackNotifier{Poster: poster, URL: url}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的告警渠道 %q", channel))
	}
}

// Publisher 只把失败的运行转发给告警渠道，实现 notify.Publisher。
type Publisher struct {
	dispatcher Dispatcher
}

// NewPublisher 包装告警分发器。
func NewPublisher(d Dispatcher) *Publisher {
	return &Publisher{dispatcher: d}
}

// Publish 实现 notify.Publisher。
func (p *Publisher) Publish(ctx context.Context, event notify.Event) error {
	if p == nil || p.dispatcher == nil || event.Status != "failed" {
		return nil
	}
	if err := p.dispatcher.Notify(ctx, FromRun(event)); err != nil {
		return xerrors.Wrap(xerrors.CodeNotifyFailure, err, "发送失败告警失败")
	}
	return nil
}

// Close 实现 notify.Publisher。
func (p *Publisher) Close() error { return nil }
