package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/mosaicflow/orchestrator/coreerr"
)

// httpConn is the production Conn: a single long-lived HTTP request whose
// body is a stream of newline-delimited JSON envelopes, and whose request
// body is written to incrementally via an io.Pipe — the streamable-HTTP
// shape of spec §4.2, playing the same role the teacher's stdin/stdout
// pipes play for its stdio transport.
type httpConn struct {
	endpoint    string
	client      *http.Client
	tokenSource func(ctx context.Context) (string, error)

	writeMu sync.Mutex
	pw      *io.PipeWriter

	scanner *bufio.Scanner
	body    io.ReadCloser
}

// DialHTTP opens the streamable-HTTP connection to endpoint.
func DialHTTP(ctx context.Context, endpoint string, tokenSource func(ctx context.Context) (string, error)) (Conn, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.TransportFatal, "build mcp request", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if tokenSource != nil {
		tok, err := tokenSource(ctx)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.TransportFatal, "obtain bearer token", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.TransportFatal, "dial mcp endpoint", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, coreerr.New(coreerr.TransportFatal, "mcp handshake failed: "+resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &httpConn{
		endpoint: endpoint, client: client, tokenSource: tokenSource,
		pw: pw, scanner: scanner, body: resp.Body,
	}, nil
}

func (c *httpConn) Send(_ context.Context, env rpcEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return coreerr.Wrap(coreerr.ValidationError, "marshal envelope", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data = append(data, '\n')
	if _, err := c.pw.Write(data); err != nil {
		return coreerr.Wrap(coreerr.TransportTransient, "write envelope", err)
	}
	return nil
}

func (c *httpConn) Recv(_ context.Context) (rpcEnvelope, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return rpcEnvelope{}, coreerr.Wrap(coreerr.TransportFatal, "read envelope", err)
		}
		return rpcEnvelope{}, coreerr.New(coreerr.TransportFatal, "mcp stream closed")
	}
	line := bytes.TrimSpace(c.scanner.Bytes())
	var env rpcEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return rpcEnvelope{}, coreerr.Wrap(coreerr.TransportFatal, "decode envelope", err)
	}
	return env, nil
}

func (c *httpConn) Close() error {
	_ = c.pw.Close()
	return c.body.Close()
}
