package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClient outlives the server-side submission timeout.
var httpClient = &http.Client{Timeout: 90 * time.Second}

// StatusError is returned when the node answers with a non-success status.
type StatusError struct {
	Method  string // Method is the HTTP method
	URL     string // URL is the request URL
	Code    int    // Code is the HTTP status code
	Message string // Message is the error or outcome message from the body
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decodeResponse(http.MethodGet, url, resp, result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
// On a non-success status the body is still decoded into result when it fits.
func httpPostJSON(url string, body any, result any, header http.Header) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	return decodeResponse(http.MethodPost, url, resp, result)
}

func decodeResponse(method, url string, resp *http.Response, result any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body:\n%w", method, url, err)
	}

	if resp.StatusCode == http.StatusOK {
		return json.Unmarshal(data, result)
	}

	statusErr := &StatusError{Method: method, URL: url, Code: resp.StatusCode}

	var msg struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &msg) == nil {
		statusErr.Message = msg.Error
		if statusErr.Message == "" {
			statusErr.Message = msg.Message
		}

		// failed submissions still carry their outcome
		if msg.Error == "" && msg.Message != "" && result != nil {
			json.Unmarshal(data, result)
		}
	}

	return statusErr
}
