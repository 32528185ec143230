package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlab/dcps/internal/auth"
)

func writeConfig(t *testing.T, secret string) string {
	t.Helper()
	for _, k := range []string{"DCPS_CONFIG", "DCPS_MODEL", "DCPS_RESOURCE", "DCPS_TIMEOUT", "DCPS_LOG_LEVEL", "DCPS_TRACE_FILE", "DCPS_SIM_SECRET"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: error
simulator:
  listen: 127.0.0.1:0
  dialect: dp800
  channels: 3
  control:
    listen: 127.0.0.1:0
    secret: "`+secret+`"
`), 0o644))
	return path
}

func TestRunServesSCPIAndControl(t *testing.T) {
	cfg := writeConfig(t, "s3cret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type addrs struct{ scpi, control net.Addr }
	ready := make(chan addrs, 1)
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-config", cfg, "-fault", "none"}, io.Discard, io.Discard, func(s, c net.Addr) {
			ready <- addrs{s, c}
		})
	}()

	var a addrs
	select {
	case a = <-ready:
	case code := <-done:
		t.Fatalf("run exited early with %d", code)
	case <-time.After(5 * time.Second):
		t.Fatal("simulator did not start")
	}

	conn, err := net.Dial("tcp", a.scpi.String())
	require.NoError(t, err)
	_, err = conn.Write([]byte(":SOUR2:VOLT 7.5\n:SOUR2:VOLT?\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "7.500\n", line)
	conn.Close()

	url := "http://" + a.control.String() + "/state"
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Issue("s3cret", "test", []string{auth.ScopeControl}, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Dialect  string `json:"dialect"`
			Channels []struct {
				Voltage float64 `json:"voltage"`
			} `json:"channels"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "dp800", body.Data.Dialect)
	require.Len(t, body.Data.Channels, 3)
	assert.Equal(t, 7.5, body.Data.Channels[1].Voltage)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("simulator did not stop")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	cfg := writeConfig(t, "")
	var errOut bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-config", cfg, "-dialect", "hpib"}, io.Discard, &errOut, nil))
	assert.Contains(t, errOut.String(), "hpib")

	assert.Equal(t, 2, run(context.Background(), []string{"-nope"}, io.Discard, io.Discard, nil))
}

func TestToken(t *testing.T) {
	cfg := writeConfig(t, "s3cret")
	var out bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"-config", cfg, "token", "-subject", "ci"}, &out, io.Discard, nil))

	v, err := auth.NewVerifier("s3cret")
	require.NoError(t, err)
	claims, err := v.VerifyToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.True(t, claims.HasScope(auth.ScopeControl))

	noSecret := writeConfig(t, "")
	assert.Equal(t, 1, run(context.Background(), []string{"-config", noSecret, "token"}, io.Discard, io.Discard, nil))
}
