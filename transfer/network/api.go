// Package network implements the wire protocol of the remote share store:
// session negotiation, chunk upload and session completion. All calls go
// through a retrying HTTP client, so an error returned from this package
// means the retry budget for that call is exhausted.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// Retry policy applied to every store call: 4 attempts with exponential
	// backoff starting at 400ms (400, 800, 1600).
	maxAttempts    = 4
	retryBaseDelay = 400 * time.Millisecond
	retryMaxDelay  = 6400 * time.Millisecond
)

// StartUploadRequest negotiates an upload session. UploadID carries the
// resume token of an earlier session; the store ignores it if the session is
// gone or was opened for different file parameters.
type StartUploadRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ChunkSize   int64  `json:"chunk_size"`
	ContentType string `json:"content_type"`
	UploadID    string `json:"upload_id,omitempty"`
}

// StartUploadResponse is the store's view of the session. ReceivedChunks is
// authoritative and only ever grows for an unmodified session.
type StartUploadResponse struct {
	Status         string `json:"status"`
	UploadID       string `json:"upload_id"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	ReceivedChunks []int  `json:"received_chunks"`
}

type chunkResponse struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
}

type completeRequest struct {
	UploadID string `json:"upload_id"`
}

type completeResponse struct {
	Status        string `json:"status"`
	MissingChunks []int  `json:"missing_chunks"`
}

// ConflictError is returned by CompleteUpload when the store reports gaps in
// the received chunk set. It is a recoverable outcome, not a transient
// failure: the listed chunks must be re-uploaded before completing again.
type ConflictError struct {
	MissingChunks []int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store is missing %d chunks: %v", len(e.MissingChunks), e.MissingChunks)
}

// Client is the remote store API consumed by the transfer orchestrator.
type Client interface {
	StartUpload(ctx context.Context, request StartUploadRequest) (StartUploadResponse, error)
	UploadChunk(ctx context.Context, uploadID string, index int, data []byte) error
	CompleteUpload(ctx context.Context, uploadID string) error
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient wraps httpClient into a store client. httpClient can be nil, in
// which case a client with the default retry policy is created.
func NewClient(httpClient *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) Client {
	if httpClient == nil {
		httpClient = DefaultRetryClient(logger)
	}
	return &apiClient{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// DefaultRetryClient returns the retrying HTTP client used for every store
// call: bounded attempts with plain exponential backoff, no jitter. Client
// errors (4xx) are never retried, so a completion conflict surfaces after a
// single round trip.
func DefaultRetryClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = maxAttempts - 1
	client.RetryWaitMin = retryBaseDelay
	client.RetryWaitMax = retryMaxDelay
	client.Backoff = retryablehttp.DefaultBackoff
	return client
}

// StartUpload opens a new upload session, or resumes the one identified by
// request.UploadID. Repeated calls with the same resume token against an
// unmodified session return the same chunk layout and a received set that
// only grows.
func (c *apiClient) StartUpload(ctx context.Context, request StartUploadRequest) (StartUploadResponse, error) {
	url := fmt.Sprintf("%s/api/upload/start/", c.baseURL)

	body, err := json.Marshal(request)
	if err != nil {
		return StartUploadResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return StartUploadResponse{}, err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StartUploadResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return StartUploadResponse{}, unwrapError(resp)
	}

	var response StartUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return StartUploadResponse{}, err
	}

	return response, nil
}

// UploadChunk sends one chunk payload as a multipart form. The payload is
// passed as a byte slice so the retrying client can replay it.
func (c *apiClient) UploadChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	url := fmt.Sprintf("%s/api/upload/chunk/", c.baseURL)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("upload_id", uploadID); err != nil {
		return err
	}
	if err := writer.WriteField("index", strconv.Itoa(index)); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("chunk", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body.Bytes())
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	var response chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}
	c.logger.Debugf("Chunk %d stored, store has %d/%d", index, response.Received, response.Total)

	return nil
}

// CompleteUpload finalizes the session. A conflict response listing missing
// chunks is returned as *ConflictError; it is not retried.
func (c *apiClient) CompleteUpload(ctx context.Context, uploadID string) error {
	url := fmt.Sprintf("%s/api/upload/complete/", c.baseURL)

	body, err := json.Marshal(completeRequest{UploadID: uploadID})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusConflict {
		var response completeResponse
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("decode conflict response: %w", err)
		}
		return &ConflictError{MissingChunks: response.MissingChunks}
	}
	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	return nil
}

func (c *apiClient) setAuthHeader(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c *apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
