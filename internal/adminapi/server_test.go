// Copyright (c) 2025 Justin Cranford

package adminapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"license-agent/internal/adminapi"
	"license-agent/internal/types"
)

type fakeProvider struct {
	status  types.SystemStatus
	metrics map[string]any
	err     error
}

func (f *fakeProvider) Status() (types.SystemStatus, error) { return f.status, f.err }
func (f *fakeProvider) Metrics() (map[string]any, error)    { return f.metrics, f.err }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startTestServer(t *testing.T, provider *fakeProvider) string {
	t.Helper()
	port := freePort(t)
	srv := adminapi.New(adminapi.Config{BindHost: "127.0.0.1", Port: port}, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, out))
	return resp
}

func TestServer_Healthz_ReportsOkWhenNotDegraded(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, &fakeProvider{status: types.SystemStatus{}})

	var body struct {
		Status       string `json:"status"`
		DegradedMode bool   `json:"degraded_mode"`
	}
	resp := getJSON(t, addr+"/healthz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body.Status)
	require.False(t, body.DegradedMode)
}

func TestServer_Healthz_ReportsDegradedWhenActive(t *testing.T) {
	t.Parallel()

	status := types.SystemStatus{DegradedMode: types.DegradedModeStatus{Active: true}}
	addr := startTestServer(t, &fakeProvider{status: status})

	var body struct {
		Status       string `json:"status"`
		DegradedMode bool   `json:"degraded_mode"`
	}
	resp := getJSON(t, addr+"/healthz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "degraded", body.Status)
	require.True(t, body.DegradedMode)
}

func TestServer_Statusz_ReturnsFullStatus(t *testing.T) {
	t.Parallel()

	version := uint64(3)
	status := types.SystemStatus{ActiveVersion: &version}
	addr := startTestServer(t, &fakeProvider{status: status})

	var body types.SystemStatus
	resp := getJSON(t, addr+"/statusz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.ActiveVersion)
	require.Equal(t, version, *body.ActiveVersion)
}

func TestServer_Metricsz_ReturnsProviderMetrics(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, &fakeProvider{metrics: map[string]any{"validations_total": float64(5)}})

	var body map[string]any
	resp := getJSON(t, addr+"/metricsz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["validations_total"])
}

func TestServer_OpenAPIJSON_IsServed(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, &fakeProvider{})

	resp, err := http.Get(addr + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Start_DisabledWhenPortZero(t *testing.T) {
	t.Parallel()

	srv := adminapi.New(adminapi.Config{Port: 0}, &fakeProvider{}, nil)
	require.NoError(t, srv.Start(context.Background()))
}
