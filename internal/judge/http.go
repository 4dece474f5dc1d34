package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/mission-council/internal/model"
	"github.com/sells-group/mission-council/internal/resilience"
)

// maxResponseBytes bounds how much of an inference response is read.
const maxResponseBytes = 1 << 20

// Label thresholds applied when an endpoint returns a score without a label.
const (
	locationLabelThreshold   = 0.68
	atmosphereLabelThreshold = 0.62
)

// TransportConfig configures the shared HTTP transport for inference calls.
type TransportConfig struct {
	RateLimitRPS float64
	Timeout      time.Duration
	Retry        resilience.RetryPolicy
	Breaker      resilience.BreakerConfig
}

// Transport posts JSON to inference endpoints with rate limiting, retries on
// transient failures, and a circuit breaker per target.
type Transport struct {
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryPolicy
	breakers *resilience.Breakers
}

// NewTransport creates a Transport. A nil hc gets a pooled client with
// cfg.Timeout (30s when unset).
func NewTransport(cfg TransportConfig, hc *http.Client) *Transport {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
		burst = max(1, int(cfg.RateLimitRPS))
	}

	return &Transport{
		http:     hc,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    cfg.Retry,
		breakers: resilience.NewBreakers(cfg.Breaker),
	}
}

// Breakers exposes the per-target breakers; /health reports their states.
func (t *Transport) Breakers() *resilience.Breakers {
	return t.breakers
}

func (t *Transport) postJSON(ctx context.Context, target, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return eris.Wrapf(err, "judge: marshal %s request", target)
	}

	_, err = resilience.Call(ctx, t.breakers.Get(target), func(ctx context.Context) (struct{}, error) {
		return resilience.Retry(ctx, t.retry, target, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.doPost(ctx, target, url, body, out)
		})
	})
	return err
}

func (t *Transport) doPost(ctx context.Context, target, url string, body []byte, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "judge: %s rate limit wait", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "judge: create %s request", target)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "judge: %s request failed", target)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return eris.Wrapf(err, "judge: read %s response", target)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("judge: %s unexpected status %d: %s", target, resp.StatusCode, string(raw))
		if resilience.IsTransientStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrapf(err, "judge: decode %s response", target)
	}
	return nil
}

type inferenceRequest struct {
	Model       string       `json:"model"`
	MissionType string       `json:"mission_type"`
	ImagePath   string       `json:"image_path"`
	Answer      string       `json:"answer"`
	Prompt      model.Prompt `json:"prompt"`
}

type inferenceResponse struct {
	Label      string         `json:"label"`
	Score      float64        `json:"score"`
	Confidence *float64       `json:"confidence"`
	Reason     string         `json:"reason"`
	LatencyMs  int64          `json:"latency_ms"`
	Evidence   map[string]any `json:"evidence"`
}

// HTTPJudge delegates scoring to a model server speaking a small JSON
// protocol: the request carries the image reference, target and prompt; the
// response carries label, score, confidence and reason.
type HTTPJudge struct {
	name      string
	url       string
	transport *Transport
}

// NewHTTPJudge creates a judge named name backed by the endpoint at url.
func NewHTTPJudge(name, url string, transport *Transport) *HTTPJudge {
	return &HTTPJudge{name: normalizeName(name), url: url, transport: transport}
}

// Invoke posts the request and converts the response into a vote.
func (j *HTTPJudge) Invoke(ctx context.Context, req Request) (model.ModelVote, error) {
	var resp inferenceResponse
	err := j.transport.postJSON(ctx, j.name, j.url, inferenceRequest{
		Model:       j.name,
		MissionType: string(req.MissionType),
		ImagePath:   req.ImagePath,
		Answer:      req.Answer,
		Prompt:      req.Prompts[j.name],
	}, &resp)
	if err != nil {
		return model.ModelVote{}, err
	}

	label := model.VoteLabel(resp.Label)
	if resp.Label == "" {
		label = labelFor(resp.Score, req.MissionType)
	}
	confidence := resp.Score
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}

	return model.ModelVote{
		Model:       j.name,
		MissionType: req.MissionType,
		Label:       label,
		Score:       resp.Score,
		Confidence:  confidence,
		Reason:      resp.Reason,
		LatencyMs:   resp.LatencyMs,
		Success:     true,
		Evidence:    resp.Evidence,
	}, nil
}

func labelFor(score float64, missionType model.MissionType) model.VoteLabel {
	threshold := locationLabelThreshold
	if missionType == model.MissionTypeAtmosphere {
		threshold = atmosphereLabelThreshold
	}
	if score >= threshold {
		return model.LabelMatch
	}
	return model.LabelMismatch
}

// HTTPCaptioner asks a vision endpoint for a textual description of a photo.
type HTTPCaptioner struct {
	url       string
	transport *Transport
}

// NewHTTPCaptioner creates a captioner backed by the endpoint at url.
func NewHTTPCaptioner(url string, transport *Transport) *HTTPCaptioner {
	return &HTTPCaptioner{url: url, transport: transport}
}

// Caption returns the visual context for the image.
func (c *HTTPCaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	var resp struct {
		Context string `json:"context"`
	}
	err := c.transport.postJSON(ctx, "captioner", c.url, map[string]string{"image_path": imagePath}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Context == "" {
		return "", eris.New("judge: captioner returned empty context")
	}
	return resp.Context, nil
}
