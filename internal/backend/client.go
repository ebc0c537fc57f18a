package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"raze-trader/internal/config"
)

const maxBodyBytes = 8 << 20

// Backoff returns the retry sleep for the given attempt.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Client talks to the prep and submission services.
type Client struct {
	baseURL    string
	submitURL  string
	selfHosted bool
	retryMax   int
	http       *http.Client
	logger     *zap.Logger
}

// NewClient 根据配置创建后端客户端。httpClient 为空时使用带超时的默认客户端。
func NewClient(cfg config.BackendConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	submitURL := cfg.SubmitURL
	if submitURL == "" {
		submitURL = cfg.BaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		submitURL:  strings.TrimRight(submitURL, "/"),
		selfHosted: cfg.SelfHosted,
		retryMax:   cfg.RetryMax,
		http:       httpClient,
		logger:     logger.Named("backend"),
	}
}

// postJSON sends payload and returns the response body. Network errors and 5xx
// responses are retried up to retries times; 4xx responses are returned at once.
func (c *Client) postJSON(ctx context.Context, url string, payload interface{}, retries int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: 序列化请求失败: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(Backoff(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("backend: 构造请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.logger.Warn("请求失败", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			if !IsRetryable(err) {
				break
			}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 400 {
			statusErr := &StatusError{Status: resp.StatusCode, Body: truncate(respBody)}
			if IsRetryable(statusErr) {
				lastErr = statusErr
				c.logger.Warn("服务端错误",
					zap.String("url", url),
					zap.Int("status", resp.StatusCode),
					zap.Int("attempt", attempt),
					zap.Duration("latency", time.Since(start)),
				)
				continue
			}
			// 4xx 的响应体仍可能带有 success:false 与错误描述。
			return respBody, statusErr
		}

		c.logger.Debug("请求成功",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(start)),
		)
		return respBody, nil
	}

	return nil, fmt.Errorf("backend: %s 请求 %d 次后仍失败: %w", url, retries+1, lastErr)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
