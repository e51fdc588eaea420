package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout means the inference call exceeded its deadline.
	ErrTimeout = errors.New("inference timed out")
	// ErrNetwork covers transport failures before a response arrived.
	ErrNetwork = errors.New("inference request failed")
	// ErrInference means the service answered with a non-success status or
	// an unusable body.
	ErrInference = errors.New("inference service error")
)

// Inference produces a scan result for a batch of files.
type Inference interface {
	Predict(ctx context.Context, files []ClassifiedFile, threshold float64) (*ScanResult, error)
}

// InferenceClient talks to the remote model over multipart HTTP. Single
// files go to /predict; larger batches go to /batch with the detection
// threshold attached.
type InferenceClient struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

func NewInferenceClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *InferenceClient {
	return &InferenceClient{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (c *InferenceClient) Predict(ctx context.Context, files []ClassifiedFile, threshold float64) (*ScanResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files to analyze", ErrInference)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		body bytes.Buffer
		mw   = multipart.NewWriter(&body)
		path string
	)
	if len(files) == 1 {
		path = "/predict"
		if err := writeFilePart(mw, "file", files[0].InputFile); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInference, err)
		}
	} else {
		path = "/batch"
		for _, f := range files {
			if err := writeFilePart(mw, "files", f.InputFile); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInference, err)
			}
		}
		if err := mw.WriteField("threshold", strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInference, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn().Dur("elapsed", time.Since(start)).Msg("inference deadline exceeded")
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("path", path).Msg("inference request rejected")
		return nil, fmt.Errorf("%w: status %d", ErrInference, resp.StatusCode)
	}

	result, err := ParseScanResult(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	c.logger.Info().
		Int("files", len(files)).
		Int("findings", len(result.Findings)).
		Dur("elapsed", time.Since(start)).
		Msg("inference completed")
	return result, nil
}

func writeFilePart(mw *multipart.Writer, field string, f InputFile) error {
	w, err := mw.CreateFormFile(field, f.Name)
	if err != nil {
		return err
	}
	_, err = w.Write(f.Data)
	return err
}
