package watchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/deeplinks/internal/enrich"
)

const (
	headerTimestamp = "X-Deeplinks-Timestamp"
	headerSignature = "X-Deeplinks-Signature"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type EnrichRequest struct {
	RequestID string              `json:"requestId,omitempty"`
	CityHint  string              `json:"cityHint,omitempty"`
	Providers []string            `json:"providers,omitempty"`
	Results   []enrich.Restaurant `json:"results"`
}

type EnrichResponse struct {
	RequestID string              `json:"requestId"`
	Channel   string              `json:"channel"`
	Subscribe string              `json:"subscribe"`
	Providers []enrich.ProviderID `json:"providers"`
	Results   []enrich.Restaurant `json:"results"`
}

// Client talks to a deeplinks server: it posts result lists for enrichment
// and subscribes to the patch stream.
type Client struct {
	baseURL    string
	hmacSecret string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, hmacSecret string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		hmacSecret: strings.TrimSpace(hmacSecret),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Enrich(ctx context.Context, req EnrichRequest) (EnrichResponse, error) {
	var out EnrichResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/enrich", req, &out)
	return out, err
}

// Subscribe opens the websocket patch stream for (channel, requestID). The
// server registers the subscription before the handshake completes, so
// patches published after Subscribe returns are never lost.
func (c *Client) Subscribe(ctx context.Context, channel, requestID string) (*Stream, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = enrich.DefaultPatchChannel
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", enrich.ErrInvalidInput)
	}
	wsURL, err := c.websocketURL("/v1/notifications/" + url.PathEscape(channel) + "/" + url.PathEscape(requestID))
	if err != nil {
		return nil, err
	}
	// The websocket library rejects clients with a Timeout; ctx bounds the dial.
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &dialClient})
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return &Stream{conn: conn}, nil
}

func (c *Client) websocketURL(path string) (string, error) {
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme: %s", parsed.Scheme)
	}
	return parsed.String(), nil
}

type Stream struct {
	conn *websocket.Conn
}

// Next blocks until the next patch arrives.
func (s *Stream) Next(ctx context.Context) (enrich.PatchEvent, error) {
	var event enrich.PatchEvent
	err := wsjson.Read(ctx, s.conn, &event)
	return event, err
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.hmacSecret != "" {
			timestamp := time.Now().UTC().Format(time.RFC3339)
			req.Header.Set(headerTimestamp, timestamp)
			req.Header.Set(headerSignature, Sign(c.hmacSecret, timestamp, bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "watch_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
