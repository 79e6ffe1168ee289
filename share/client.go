// Package share accesses the current share slot of the remote store: the
// single text snippet or file a user (or the public slot) has shared.
// Chunked file uploads live in the transfer package; this client covers the
// simple share surface around them.
package share

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// ErrShareEmpty means nothing is currently shared.
var ErrShareEmpty = errors.New("nothing is currently shared")

type textResponse struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Client talks to the share endpoints of the remote store.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates a share client. httpClient can be nil, in which case a
// retrying client with defaults is created.
func NewClient(httpClient *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// PutText replaces the share slot with a text snippet, dropping any shared
// file.
func (c *Client) PutText(ctx context.Context, text string) error {
	form := url.Values{"text": {text}}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/upload/", c.baseURL), []byte(form.Encode()))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.expectOK(req)
}

// PutFile replaces the share slot with a file in a single request. Suitable
// for small files only; large files should go through the chunked transfer.
func (c *Client) PutFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/upload/", c.baseURL), body.Bytes())
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.expectOK(req)
}

// Text returns the currently shared text snippet, or an empty string if the
// slot holds a file or nothing.
func (c *Client) Text(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/share/text/", c.baseURL), nil)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response textResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	return response.Text, nil
}

// Clear empties the share slot.
func (c *Client) Clear(ctx context.Context) error {
	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/share/clear/", c.baseURL), nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	c.setAuthHeader(req)

	return c.expectOK(req)
}

// Download fetches whatever the share slot holds into dest. A shared file is
// resolved through the store's redirect and downloaded; a text snippet is
// written as-is. ErrShareEmpty is returned when the slot is empty.
func (c *Client) Download(ctx context.Context, dest string) error {
	probe := *c.httpClient.StandardClient()
	probe.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	downloadURL := fmt.Sprintf("%s/download/", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}

	resp, err := probe.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	switch {
	case resp.StatusCode >= http.StatusMovedPermanently && resp.StatusCode < http.StatusBadRequest:
		location, err := resp.Location()
		if err != nil {
			return fmt.Errorf("resolve file location: %w", err)
		}
		c.logger.Debugf("Downloading shared file from %s", location)
		return c.downloadFile(ctx, location.String(), dest)

	case resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"):
		var response statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return err
		}
		if response.Status == "empty" {
			return ErrShareEmpty
		}
		return fmt.Errorf("unexpected response status: %s", response.Status)

	case resp.StatusCode == http.StatusOK:
		return c.writeBody(resp.Body, dest)

	default:
		return unwrapError(resp)
	}
}

func (c *Client) downloadFile(ctx context.Context, url string, dest string) error {
	downloader := got.New()
	downloader.Client = c.httpClient.StandardClient()

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

func (c *Client) writeBody(body io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func(out *os.File) {
		if err := out.Close(); err != nil {
			c.logger.Errorf("failed to close file: %s", err)
		}
	}(out)

	_, err = io.Copy(out, body)
	return err
}

func (c *Client) expectOK(req *retryablehttp.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	var response statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unexpected response status: %s", response.Status)
	}
	return nil
}

func (c *Client) setAuthHeader(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
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
