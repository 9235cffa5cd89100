package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pi-docket/ConvertX-CN/models"
)

const healthTimeout = 5 * time.Second

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// BackendService talks to the external conversion backend over HTTP.
type BackendService struct {
	baseURL string
	client  *http.Client
}

// ConvertRequest is one source file plus the desired output.
type ConvertRequest struct {
	Filename     string
	Body         io.Reader
	TargetFormat string
	Engine       string
	Options      json.RawMessage
}

func NewBackendService(baseURL string) *BackendService {
	return &BackendService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Convert posts the file to {baseURL}/api/convert and returns the converted
// bytes. The caller must close the returned body.
func (b *BackendService) Convert(ctx context.Context, req ConvertRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(writer, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/convert", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.client.Do(httpReq)
	if err != nil {
		var serr *models.StorageError
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, &models.BackendError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// writeForm streams the multipart body. A failure reading the upload is
// reported as a *models.StorageError.
func writeForm(writer *multipart.Writer, req ConvertRequest) error {
	part, err := writer.CreateFormFile("file", fileSegment(req.Filename))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		return &models.StorageError{Op: "read", Path: req.Filename, Err: err}
	}

	if err := writer.WriteField("targetFormat", req.TargetFormat); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}
	if req.Engine != "" {
		if err := writer.WriteField("engine", req.Engine); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	if len(req.Options) > 0 {
		if err := writer.WriteField("options", string(req.Options)); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	return writer.Close()
}

// Health checks GET {baseURL}/api/health.
func (b *BackendService) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &models.BackendError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *BackendService) URL() string { return b.baseURL }

func responseError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &models.BackendError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(bodyBytes)),
	}
}
