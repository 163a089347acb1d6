package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-success response from the node.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Message string // Message is the node's error text
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// do sends a request and returns the response body if the status is want.
func (c *Client) do(ctx context.Context, method, path string, body any, want int) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body:\n%w", err)
		}
		reader = bytes.NewReader(jsonBytes)
	}

	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s:\n%w", method, url, err)
	}

	if resp.StatusCode != want {
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	return data, nil
}

// doJSON is do followed by decoding the JSON response into result.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, want int, result any) error {
	data, err := c.do(ctx, method, path, body, want)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode %s %s:\n%w", method, path, err)
	}

	return nil
}

// decodeAPIError extracts the error message of a failed response.
func decodeAPIError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{Status: status, Message: http.StatusText(status)}
	}

	return &APIError{Status: status, Message: body.Error}
}
