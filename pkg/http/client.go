// Package http has the outbound HTTP plumbing shared by webhook
// delivery and slot swaps.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	// RequestIDHeader carries the request id of the deployment that
	// caused an outbound call, for correlation.
	RequestIDHeader = "X-Ms-Request-Id"
	UserAgent       = "kudu"
)

// NewClient makes the client used for outbound calls. TLS
// certificates are only ever left unchecked when skipTLSVerify is
// passed explicitly.
func NewClient(skipTLSVerify bool, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// PostJSON posts body, encoded as JSON, to url. Any response other
// than a 2xx is an error, carrying whatever the server said.
func PostJSON(ctx context.Context, client *http.Client, url string, header http.Header, body interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest("POST", url, reader)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", url)
	}
	req = req.WithContext(ctx)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := executeRequest(client, req)
	if resp != nil {
		defer resp.Body.Close()
	}
	return err
}

func executeRequest(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return resp, ErrorUnauthorized
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return resp, errors.Wrap(err, "reading response body of error")
		}
		return resp, errors.New(resp.Status + " " + string(body))
	}
}
