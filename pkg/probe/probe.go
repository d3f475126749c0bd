// Package probe uploads captures collected next to a database to a
// knoboor server, the way a monitoring agent would after each
// observation window.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/knoboor/pkg/ingest"
	"github.com/sirupsen/logrus"
)

const (
	uploadPath     = "/api/v1/results/new"
	defaultTimeout = 30 * time.Second
)

// Response is the server's answer to an accepted upload.
type Response struct {
	ResultID uint     `json:"result_id"`
	Message  string   `json:"message"`
	TaskIDs  []string `json:"task_ids,omitempty"`
}

// StatusError is returned when the server rejects an upload.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload rejected (%d): %s", e.StatusCode, e.Message)
}

// Client posts captures to the upload endpoint.
type Client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(log logrus.FieldLogger, baseURL string) *Client {
	return &Client{
		log:     log.WithField("component", "probe"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// ReadDir loads the four capture files from dir. Each payload is read
// from <name>.json.
func ReadDir(dir string) (*ingest.Payloads, error) {
	files := make(map[string][]byte, len(ingest.PayloadNames))

	for _, name := range ingest.PayloadNames {
		data, err := os.ReadFile(filepath.Join(dir, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("reading %s payload: %w", name, err)
		}

		files[name] = data
	}

	return &ingest.Payloads{
		Summary:       files[ingest.PayloadSummary],
		Knobs:         files[ingest.PayloadKnobs],
		MetricsBefore: files[ingest.PayloadMetricsBefore],
		MetricsAfter:  files[ingest.PayloadMetricsAfter],
	}, nil
}

// Upload posts the payloads under the application's upload code.
func (c *Client) Upload(
	ctx context.Context, code string, p *ingest.Payloads,
) (*Response, error) {
	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("upload_code", code); err != nil {
		return nil, fmt.Errorf("writing upload code: %w", err)
	}

	files := p.Files()

	for _, name := range ingest.PayloadNames {
		fw, err := mw.CreateFormFile(name, name+".json")
		if err != nil {
			return nil, fmt.Errorf("creating %s part: %w", name, err)
		}

		if _, err := fw.Write(files[name]); err != nil {
			return nil, fmt.Errorf("writing %s part: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+uploadPath, &body,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}

		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}

		return nil, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"result_id": out.ResultID,
		"tasks":     len(out.TaskIDs),
	}).Info("Upload accepted")

	return &out, nil
}
