// Package chat 通过一次 OpenAI 兼容的 Chat Completions 调用完成任务，
// 用于在没有设备时验证模型服务与流式链路。
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/runconfig"
)

const defaultTimeout = 60 * time.Second

// Config 描述 HTTP 调用参数。模型地址、名称与密钥来自每次运行的参数快照。
type Config struct {
	Timeout     time.Duration
	Temperature float64
	HTTPClient  *http.Client
}

// Executor 调用模型服务并把回复作为运行结果。
type Executor struct {
	httpClient  *http.Client
	temperature float64
}

// New 创建执行器。
func New(cfg Config) *Executor {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	return &Executor{httpClient: client, temperature: temperature}
}

// Execute 发送任务描述并返回模型回复。
func (e *Executor) Execute(ctx context.Context, task string, params runconfig.Params) (string, error) {
	out := capture.Stdout(ctx)
	baseURL := strings.TrimRight(strings.TrimSpace(params.BaseURL), "/")
	if baseURL == "" {
		return "", xerrors.New(xerrors.CodeConfigInvalid, "未配置模型服务地址 base_url")
	}

	payload, err := e.buildPayload(task, params)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(out, "请求模型 %s @ %s\n", params.Model, baseURL)
	started := time.Now()

	endpoint := baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "构建模型请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(params.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求模型服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("模型服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析模型响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeExecutorFailure, "模型响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeExecutorFailure, "模型响应内容为空")
	}

	fmt.Fprintf(out, "模型已响应，耗时 %s，tokens=%d\n", time.Since(started).Round(time.Millisecond), decoded.Usage.TotalTokens)
	return content, nil
}

func (e *Executor) buildPayload(task string, params runconfig.Params) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": params.Model,
		"messages": []message{
			{Role: "system", Content: systemPrompt(params.Lang)},
			{Role: "user", Content: task},
		},
		"temperature": e.temperature,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "序列化模型请求失败")
	}
	return encoded, nil
}

func systemPrompt(lang string) string {
	if strings.EqualFold(lang, "en") {
		return "You are a phone operation assistant. Describe concisely how the task would be completed on the device."
	}
	return "你是手机操作助手。请用简洁的中文说明如何在设备上完成用户的任务。"
}
