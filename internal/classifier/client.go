package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tagmanager/internal/config"
	"tagmanager/internal/media"
	"tagmanager/internal/models"
)

const maxResponseBytes = 4 << 20

// ServiceError is returned for every failure of the tagging service, whatever
// the cause. Callers treat it as transient.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("classification service: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

type response struct {
	Rating        *models.Rating `json:"rating"`
	CharacterTags []string       `json:"character_tags"`
	GeneralTags   []string       `json:"general_tags"`
	Error         string         `json:"error"`
}

func New(cfg config.ClassifierConfig, logger zerolog.Logger) *Client {
	c := &Client{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/tag/",
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With().Str("component", "classifier").Logger(),
	}

	if cfg.Breaker.Enabled {
		threshold := cfg.Breaker.ConsecutiveFailures
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("classifier circuit state changed")
			},
		})
	}
	return c
}

// Classify encodes img as PNG and submits it.
func (c *Client) Classify(ctx context.Context, img image.Image) (models.TagSet, error) {
	data, err := media.EncodePNG(img)
	if err != nil {
		return models.TagSet{}, &ServiceError{Op: "encode", Err: err}
	}
	return c.ClassifyPNG(ctx, data)
}

// ClassifyPNG submits already encoded PNG bytes.
func (c *Client) ClassifyPNG(ctx context.Context, png []byte) (models.TagSet, error) {
	if c.breaker == nil {
		return c.do(ctx, png)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, png)
	})
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			return models.TagSet{}, svcErr
		}
		return models.TagSet{}, &ServiceError{Op: "breaker", Err: err}
	}
	return out.(models.TagSet), nil
}

func (c *Client) do(ctx context.Context, png []byte) (models.TagSet, error) {
	body, contentType, err := formBody(png)
	if err != nil {
		return models.TagSet{}, &ServiceError{Op: "build request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return models.TagSet{}, &ServiceError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.TagSet{}, &ServiceError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.TagSet{}, &ServiceError{Op: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.TagSet{}, &ServiceError{Op: "post", Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))}
	}

	return decode(raw)
}

func formBody(png []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(png); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

func decode(raw []byte) (models.TagSet, error) {
	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.TagSet{}, &ServiceError{Op: "decode response", Err: err}
	}
	// The service reports its own failures in the body with a 200 status.
	if parsed.Error != "" {
		return models.TagSet{}, &ServiceError{Op: "tag", Err: errors.New(parsed.Error)}
	}
	if parsed.Rating == nil {
		return models.TagSet{}, &ServiceError{Op: "decode response", Err: errors.New("missing rating")}
	}
	return models.TagSet{
		Rating:        *parsed.Rating,
		CharacterTags: parsed.CharacterTags,
		GeneralTags:   parsed.GeneralTags,
	}, nil
}

func snippet(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
