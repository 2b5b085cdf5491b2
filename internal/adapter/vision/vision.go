// Package vision annotates image attachments with the Google Cloud Vision
// REST API.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
	"threadrelay/internal/infra/tracer"
)

const (
	defaultBaseURL = "https://vision.googleapis.com"
	defaultTimeout = 15 * time.Second
	// maxParallel bounds concurrent annotate calls for one message.
	maxParallel = 4
)

// Client calls images:annotate for text and object detection.
type Client struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New creates a vision client.
func New(cfg config.VisionConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

type annotateRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    imageContent `json:"image"`
	Features []feature    `json:"features"`
}

type imageContent struct {
	Content string `json:"content"`
}

type feature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type annotateResponse struct {
	Responses []imageResponse `json:"responses"`
}

type imageResponse struct {
	TextAnnotations []struct {
		Description string `json:"description"`
	} `json:"textAnnotations"`
	LocalizedObjectAnnotations []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"localizedObjectAnnotations"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Annotate implements domain.Vision. Results keep the order of files; any
// failure fails the whole call.
func (c *Client) Annotate(ctx context.Context, files []domain.Attachment, fetch domain.FileFetcher) ([]domain.ImageAnnotation, error) {
	ctx, span := tracer.StartSpan(ctx, "vision.annotate",
		trace.WithAttributes(tracer.IntAttr("vision.files", len(files))),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := make([]domain.ImageAnnotation, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, f := range files {
		g.Go(func() error {
			data, err := fetch.FetchFile(gctx, f.URL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", f.Name, err)
			}
			a, err := c.annotate(gctx, data)
			if err != nil {
				return fmt.Errorf("annotate %s: %w", f.Name, err)
			}
			a.Name = f.Name
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = domain.NewDomainError("vision.Annotate", domain.ErrVision, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return out, nil
}

func (c *Client) annotate(ctx context.Context, image []byte) (domain.ImageAnnotation, error) {
	body, err := json.Marshal(annotateRequest{Requests: []imageRequest{{
		Image: imageContent{Content: base64.StdEncoding.EncodeToString(image)},
		Features: []feature{
			{Type: "TEXT_DETECTION"},
			{Type: "OBJECT_LOCALIZATION", MaxResults: 10},
		},
	}}})
	if err != nil {
		return domain.ImageAnnotation{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/images:annotate"
	if c.apiKey != "" {
		endpoint += "?key=" + c.apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ImageAnnotation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ImageAnnotation{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.ImageAnnotation{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ImageAnnotation{}, fmt.Errorf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var ar annotateResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return domain.ImageAnnotation{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(ar.Responses) == 0 {
		return domain.ImageAnnotation{}, nil
	}
	r := ar.Responses[0]
	if r.Error != nil {
		return domain.ImageAnnotation{}, fmt.Errorf("API error %d: %s", r.Error.Code, r.Error.Message)
	}

	var a domain.ImageAnnotation
	// The first text annotation is the full detected text.
	if len(r.TextAnnotations) > 0 {
		a.Text = strings.Join(strings.Fields(r.TextAnnotations[0].Description), " ")
	}
	seen := make(map[string]bool)
	for _, o := range r.LocalizedObjectAnnotations {
		if o.Name == "" || seen[o.Name] {
			continue
		}
		seen[o.Name] = true
		a.Objects = append(a.Objects, o.Name)
	}
	return a, nil
}

var _ domain.Vision = (*Client)(nil)
