package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetwatch/pkg/fleet"
)

// maxPayloadBytes bounds how much of an agent response is read.
const maxPayloadBytes = 1 << 20

type probeResult struct {
	status    fleet.Status
	telemetry fleet.Telemetry
	// ok is set when the agent answered 2xx with a decodable body.
	ok  bool
	err error
}

func (p *Poller) probe(ctx context.Context, srv fleet.Server) probeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	fail := func(err error) probeResult {
		return probeResult{status: fleet.StatusUnreachable, err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint(srv.Address, p.cfg.AgentPort, p.cfg.MetricsPath), nil)
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadBytes))
		return fail(fmt.Errorf("agent returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return fail(fmt.Errorf("read body: %w", err))
	}

	t, err := DecodePayload(body)
	if err != nil {
		return fail(err)
	}

	status := fleet.StatusOffline
	if t.Uptime != nil && *t.Uptime > 0 {
		status = fleet.StatusOnline
	}
	return probeResult{status: status, telemetry: t, ok: true}
}

// Endpoint builds the probe URL for an agent address. An address carrying a
// scheme is used as the base URL and one carrying a port keeps it; otherwise
// port is appended.
func Endpoint(address string, port int, path string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/") + path
	}

	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port))
	}
	return "http://" + host + path
}

// DecodePayload reads an agent metrics document. Each field is decoded on
// its own: a missing, null or malformed field becomes nil without failing
// the others. Only a body that is not a JSON object is an error.
func DecodePayload(body []byte) (fleet.Telemetry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fleet.Telemetry{}, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		return fleet.Telemetry{}, fmt.Errorf("decode payload: not an object")
	}

	return fleet.Telemetry{
		CPU:        number(fields["cpu_percent"]),
		RAM:        number(fields["ram_percent"]),
		Disk:       number(fields["disk_percent"]),
		Uptime:     number(fields["uptime_seconds"]),
		TotalDisk:  number(fields["total_disk"]),
		RecordedAt: timestamp(fields["timestamp"]),
	}, nil
}

func number(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func timestamp(raw json.RawMessage) *time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
