package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"Resona/config"
	"Resona/logger"
	"Resona/model"
)

// Client 单个音频节点的REST客户端
type Client struct {
	node       string
	baseURL    string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient 创建节点REST客户端
func NewClient(node config.NodeConfig, cfg *config.Config) *Client {
	return &Client{
		node:     node.Name,
		baseURL:  node.RestURL(),
		password: node.Password,
		httpClient: &http.Client{
			Timeout: cfg.RestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RestRate), cfg.RestBurst),
	}
}

// Node returns the name of the node this client talks to.
func (c *Client) Node() string {
	return c.node
}

// LoadTracks resolves an identifier (URL or search prefix query) into tracks.
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*model.LoadResult, error) {
	query := url.Values{"identifier": {identifier}}
	var result model.LoadResult
	if err := c.get(ctx, "/v4/loadtracks?"+query.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DecodeTrack asks the node to expand an encoded track blob.
func (c *Client) DecodeTrack(ctx context.Context, encoded string) (*model.Track, error) {
	query := url.Values{"encodedTrack": {encoded}}
	var track model.Track
	if err := c.get(ctx, "/v4/decodetrack?"+query.Encode(), &track); err != nil {
		return nil, err
	}
	return &track, nil
}

// DecodeTracks asks the node to expand a batch of encoded track blobs.
func (c *Client) DecodeTracks(ctx context.Context, encoded []string) ([]model.Track, error) {
	var tracks []model.Track
	if err := c.do(ctx, http.MethodPost, "/v4/decodetracks", encoded, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// Player fetches the node-side state of one player.
func (c *Client) Player(ctx context.Context, sessionID string, guildID snowflake.ID) (*model.PlayerInfo, error) {
	var info model.PlayerInfo
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	if err := c.get(ctx, path, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Players fetches every player the node holds for the session.
func (c *Client) Players(ctx context.Context, sessionID string) ([]model.PlayerInfo, error) {
	var infos []model.PlayerInfo
	if err := c.get(ctx, fmt.Sprintf("/v4/sessions/%s/players", sessionID), &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// UpdatePlayer applies a partial update to a player. With noReplace the node
// keeps the current track if one is playing.
func (c *Client) UpdatePlayer(ctx context.Context, sessionID string, guildID snowflake.ID, update *model.PlayerUpdate, noReplace bool) (*model.PlayerInfo, error) {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s?noReplace=%s",
		sessionID, guildID, strconv.FormatBool(noReplace))
	var info model.PlayerInfo
	if err := c.do(ctx, http.MethodPatch, path, update, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DestroyPlayer removes a player from the node. An already absent player is
// not an error.
func (c *Client) DestroyPlayer(ctx context.Context, sessionID string, guildID snowflake.ID) error {
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var clientErr *model.ClientError
	if errors.As(err, &clientErr) && clientErr.Rest.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// UpdateSession configures resuming for a node-side session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, resuming *bool, timeout *int) (*model.SessionUpdate, error) {
	body := model.SessionUpdate{Resuming: resuming, Timeout: timeout}
	var result model.SessionUpdate
	if err := c.do(ctx, http.MethodPatch, "/v4/sessions/"+sessionID, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Info fetches the node's build and capability report.
func (c *Client) Info(ctx context.Context) (*model.NodeInfo, error) {
	var info model.NodeInfo
	if err := c.get(ctx, "/v4/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats fetches the node's resource report.
func (c *Client) Stats(ctx context.Context) (*model.NodeStats, error) {
	var stats model.NodeStats
	if err := c.get(ctx, "/v4/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Version fetches the node's version string. The endpoint is unversioned and
// answers in plain text.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.doRaw(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RoutePlannerStatus fetches the node's IP rotation state.
func (c *Client) RoutePlannerStatus(ctx context.Context) (*model.RoutePlannerStatus, error) {
	var status model.RoutePlannerStatus
	if err := c.get(ctx, "/v4/routeplanner/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RoutePlannerFreeAddress clears one failing address on the node.
func (c *Client) RoutePlannerFreeAddress(ctx context.Context, address string) error {
	body := map[string]string{"address": address}
	return c.do(ctx, http.MethodPost, "/v4/routeplanner/free/address", body, nil)
}

// RoutePlannerFreeAll clears every failing address on the node.
func (c *Client) RoutePlannerFreeAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v4/routeplanner/free/all", nil, nil)
}

// get issues a GET and retries once on a transport failure. Anything the
// caller canceled is returned as-is.
func (c *Client) get(ctx context.Context, path string, out any) error {
	err := c.do(ctx, http.MethodGet, path, nil, out)
	var netErr *model.NetworkError
	if errors.As(err, &netErr) && ctx.Err() == nil {
		logger.Debug("retrying node request",
			logger.String("node", c.node),
			logger.String("path", path),
			logger.ErrorField(err))
		return c.do(ctx, http.MethodGet, path, nil, out)
	}
	return err
}

// do issues one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.NodeError{Node: c.node, Err: fmt.Errorf("decode %s %s response: %w", method, path, err)}
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", c.password)
	requestID := uuid.New().String()
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &model.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.NetworkError{Err: fmt.Errorf("read %s %s response: %w", method, path, err)}
	}

	logger.Debug("node request",
		logger.String("node", c.node),
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)),
		logger.String("requestId", requestID))

	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp.StatusCode, path, raw)
	}
	return raw, nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func (c *Client) statusError(status int, path string, body []byte) error {
	var restErr model.RestError
	if err := json.Unmarshal(body, &restErr); err != nil || restErr.Status == 0 {
		// 节点返回了无法解析的错误体，保留原文便于排查
		text := string(body)
		if len(text) > 200 {
			text = text[:200]
		}
		restErr = model.RestError{
			Timestamp: time.Now().UnixMilli(),
			Status:    status,
			Error:     http.StatusText(status),
			Message:   text,
			Path:      path,
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &model.AuthError{Node: c.node, Err: fmt.Errorf("%d %s", status, restErr.Message)}
	case status >= 500:
		return &model.NodeError{Node: c.node, Rest: &restErr}
	default:
		return &model.ClientError{Rest: restErr}
	}
}
