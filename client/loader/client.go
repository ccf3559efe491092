package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planet/api/codes"
	"planet/api/log"
	"planet/api/model"

	"github.com/cenkalti/backoff/v4"
)

var ErrNotFound = errors.New("not found")

// APIError 服务端返回的错误：HTTP 状态或 envelope 里的 code/kind
type APIError struct {
	Status int
	Code   int
	Kind   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Code, e.Kind, e.Msg)
	}
	return fmt.Sprintf("api error: http %d: %s", e.Status, e.Msg)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Kind == codes.KindNotFound || e.Status == http.StatusNotFound)
}

type envelope struct {
	Code int             `json:"code"`
	Kind string          `json:"kind"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type ClientOptions struct {
	HTTPClient    *http.Client
	Token         string // /auth 下的接口使用
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Client 地图服务的 HTTP 客户端。网络错误、429 和 5xx 指数退避重试，其它错误直接返回。
type Client struct {
	base string
	http *http.Client
	opts ClientOptions
}

func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: opts.HTTPClient, opts: opts}
}

func (c *Client) SetToken(token string) { c.opts.Token = token }

func (c *Client) GetMap(ctx context.Context, mapID string) (*model.MapView, error) {
	var out model.MapView
	if err := c.do(ctx, http.MethodGet, "/maps/"+url.PathEscape(mapID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMapByName(ctx context.Context, name string) (*model.MapView, error) {
	var out model.MapView
	if err := c.do(ctx, http.MethodGet, "/maps/by-name/"+url.PathEscape(strings.TrimSpace(name)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetChunks(ctx context.Context, mapID string, ids []string) ([]*model.ChunkDoc, error) {
	var out model.ChunksResponse
	err := c.do(ctx, http.MethodPost, "/maps/"+url.PathEscape(mapID)+"/chunks", model.ChunksRequest{IDs: ids}, &out)
	if err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

func (c *Client) CreateMap(ctx context.Context, req model.CreateMapRequest) (*model.MapMeta, error) {
	var out model.MapMeta
	if err := c.do(ctx, http.MethodPost, "/auth/maps", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Save 一次保存调用；chunkIds 非 nil 时服务端当作最后一次
func (c *Client) Save(ctx context.Context, req *model.SaveRequest) (*model.SaveResult, error) {
	var out model.SaveResult
	if err := c.do(ctx, http.MethodPost, "/auth/maps/"+url.PathEscape(req.MapID)+"/save", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryInterval
	eb.MaxInterval = 10 * c.opts.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.opts.MaxRetries), ctx)

	var env envelope
	err := backoff.Retry(func() error {
		var rd io.Reader
		if raw != nil {
			rd = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warnf("%s %s: %v", method, path, err)
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		env = envelope{}
		_ = json.Unmarshal(data, &env)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			log.Warnf("%s %s: http %d", method, path, resp.StatusCode)
			return &APIError{Status: resp.StatusCode, Code: env.Code, Kind: env.Kind, Msg: msgOf(env, data)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&APIError{Status: resp.StatusCode, Code: env.Code, Kind: env.Kind, Msg: msgOf(env, data)})
		}
		if env.Code != codes.CODE_SUCCESS {
			kind := env.Kind
			if kind == "" {
				kind = codes.Kind(env.Code)
			}
			return backoff.Permanent(&APIError{Status: resp.StatusCode, Code: env.Code, Kind: kind, Msg: env.Msg})
		}
		return nil
	}, b)
	if err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func msgOf(env envelope, raw []byte) string {
	if env.Msg != "" {
		return env.Msg
	}
	return strings.TrimSpace(string(raw))
}
