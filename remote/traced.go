package remote

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"minute/log"
)

// tracedClient wraps http.Client with httptrace instrumentation so every
// API call lands in the diagnostics log with its transport breakdown.
type tracedClient struct {
	client *http.Client
}

func newTracedClient(timeout time.Duration) *tracedClient {
	return &tracedClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type tracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
}

func (c *tracedClient) Do(op string, req *http.Request) (*tracedResponse, error) {
	var m log.RequestMetrics
	var dnsStart, tlsStart, wroteRequest time.Time

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			m.ConnReused = info.Reused
		},
		DNSStart: func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(_ httptrace.DNSDoneInfo) {
			m.DNSMs = float64(time.Since(dnsStart).Milliseconds())
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			m.TLSMs = float64(time.Since(tlsStart).Milliseconds())
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() {
			m.TTFBMs = float64(time.Since(wroteRequest).Milliseconds())
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	if req.ContentLength > 0 {
		m.PayloadKB = float64(req.ContentLength) / 1024
	}
	reqStart := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	m.TotalMs = float64(time.Since(reqStart).Milliseconds())
	log.Request(op, resp.StatusCode, m)

	return &tracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, nil
}
