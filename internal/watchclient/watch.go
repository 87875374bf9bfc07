package watchclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/deeplinks/internal/enrich"
)

type WatchOptions struct {
	// Channel is subscribed before the enrich call. Defaults to the
	// server's default patch channel.
	Channel        string
	MaxReconnects  int
	ReconnectDelay time.Duration
	JitterRatio    float64
	// OnUpdate runs once with the initial results and again after every
	// patch that changed them.
	OnUpdate func(results []enrich.Restaurant, event *enrich.PatchEvent)
	Logger   *zerolog.Logger
}

// Watch subscribes to the patch stream, posts req and merges patches into
// the returned results until no provider state is PENDING or ctx ends.
// On ctx expiry the partially merged response is returned with ctx's error.
func (c *Client) Watch(ctx context.Context, req EnrichRequest, opts WatchOptions) (EnrichResponse, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 500 * time.Millisecond
	}
	opts.JitterRatio = clampJitterRatio(opts.JitterRatio)
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = enrich.DefaultPatchChannel
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	stream, err := c.Subscribe(ctx, channel, req.RequestID)
	if err != nil {
		return EnrichResponse{}, err
	}
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	resp, err := c.Enrich(ctx, req)
	if err != nil {
		return EnrichResponse{}, err
	}
	notify(opts.OnUpdate, resp.Results, nil)
	if !Pending(resp.Results) {
		return resp, nil
	}
	if resp.Channel != "" && resp.Channel != channel {
		// Patches published before this resubscribe wait in the server
		// backlog for the request.
		_ = stream.Close()
		stream = nil
		channel = resp.Channel
		if stream, err = c.Subscribe(ctx, channel, resp.RequestID); err != nil {
			return resp, err
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	reconnects := 0
	for Pending(resp.Results) {
		event, err := stream.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resp, ctxErr
			}
			if reconnects >= opts.MaxReconnects {
				return resp, err
			}
			reconnects++
			delay := jitteredIntervalWithSample(opts.ReconnectDelay, opts.JitterRatio, rng.Float64())
			logger.Warn().Err(err).Int("attempt", reconnects).Dur("delay", delay).Msg("patch stream dropped, reconnecting")
			_ = stream.Close()
			stream = nil
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return resp, waitErr
			}
			if stream, err = c.Subscribe(ctx, channel, resp.RequestID); err != nil {
				return resp, err
			}
			continue
		}
		if event.RequestID != "" && event.RequestID != resp.RequestID {
			continue
		}
		changed := false
		for i := range resp.Results {
			if resp.Results[i].ApplyPatch(event) {
				changed = true
			}
		}
		if changed {
			notify(opts.OnUpdate, resp.Results, &event)
		}
	}
	return resp, nil
}

func notify(fn func([]enrich.Restaurant, *enrich.PatchEvent), results []enrich.Restaurant, event *enrich.PatchEvent) {
	if fn != nil {
		fn(results, event)
	}
}

// Pending reports whether any result still carries a PENDING provider state.
func Pending(results []enrich.Restaurant) bool {
	for _, r := range results {
		for _, state := range r.Providers {
			if state.Status == enrich.StatusPending {
				return true
			}
		}
	}
	return false
}

// Sign produces the X-Deeplinks-Signature value for a request body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// IsHTTPStatus reports whether err is an HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
