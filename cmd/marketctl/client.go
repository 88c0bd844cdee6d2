package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhbmarket/services/marketd/api"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// apiError carries a non-2xx marketd response.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%s, http %d)", e.Body.Error, e.Body.Code, e.Status)
	}
	return fmt.Sprintf("%s (http %d)", e.Body.Error, e.Status)
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) account(address string) (api.AccountResponse, error) {
	var out api.AccountResponse
	err := c.do(http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, &out)
	return out, err
}
