// Package testutil provides fixtures shared by the test suites of every
// internal package: a miniredis-backed client and small HTTP request/decode
// helpers so individual _test.go files don't each reinvent them.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewTestRedis starts an in-process miniredis server and returns a client
// pointed at it, registering cleanup so the server is torn down when t
// completes.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	srv, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// PostJSON marshals body as JSON and POSTs it to url.
func PostJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// DecodeJSON decodes resp's body into dst and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

// AssertErrorResponse asserts that resp's JSON body carries the given
// machine-readable error code under an "error" object.
func AssertErrorResponse(t *testing.T, resp *http.Response, code string) {
	t.Helper()

	var errResp map[string]any
	DecodeJSON(t, resp, &errResp)

	errorData, ok := errResp["error"].(map[string]any)
	require.True(t, ok, "response should have 'error' field")

	actualCode, ok := errorData["code"].(string)
	require.True(t, ok, "error should have 'code' field")

	require.Equal(t, code, actualCode, fmt.Sprintf("expected error code %s, got %s", code, actualCode))
}
