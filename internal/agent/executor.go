package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// chunkDeliveryTimeout bounds how long an inbound body chunk waits for the
// upstream call to consume it before the stream is aborted.
const chunkDeliveryTimeout = 5 * time.Second

// sendFunc pushes a frame onto the session's outbound queue, blocking for
// back-pressure.
type sendFunc func(ctx context.Context, frame tunnel.Frame) error

// lookupFunc resolves a mapping id against the agent's current snapshot.
type lookupFunc func(id string) (tunnel.PortMapping, bool)

type bodyChunk struct {
	data  []byte
	final bool
}

// inflight tracks one request being executed: its body feed and cancel hook.
type inflight struct {
	chunks chan bodyChunk
	cancel context.CancelFunc
}

// Executor services proxied requests against internal upstreams and streams
// the responses back over the tunnel.
type Executor struct {
	cfg    *config.Config
	lookup lookupFunc
	send   sendFunc

	clientDefault  *http.Client
	clientInsecure *http.Client

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewExecutor creates a request executor.
func NewExecutor(cfg *config.Config, lookup lookupFunc, send sendFunc) *Executor {
	return &Executor{
		cfg:    cfg,
		lookup: lookup,
		send:   send,
		clientDefault: &http.Client{
			Timeout: cfg.UpstreamCallTimeout,
			// Redirects pass through to the edge client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		clientInsecure: &http.Client{
			Timeout: cfg.UpstreamCallTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		inflight: make(map[string]*inflight),
	}
}

// Dispatch registers the request's in-flight state and services it on its own
// goroutine. Registration happens on the caller's goroutine: the frame right
// behind a request head may already be one of its body chunks, and that chunk
// must find the entry no matter how the goroutines are scheduled.
func (e *Executor) Dispatch(ctx context.Context, req *tunnel.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	entry := &inflight{cancel: cancel}
	if req.HasMoreBody {
		entry.chunks = make(chan bodyChunk, 32)
	}
	e.track(req.RequestID, entry)

	go func() {
		defer cancel()
		defer e.untrack(req.RequestID)
		e.execute(reqCtx, req, entry)
	}()
}

// execute runs one proxied request to completion; concurrent requests share
// nothing but the send queue.
func (e *Executor) execute(ctx context.Context, req *tunnel.Request, entry *inflight) {
	mapping, ok := e.lookup(req.MappingID)
	if !ok || !mapping.Enabled {
		e.replyError(ctx, req.RequestID, http.StatusBadGateway, "mapping is not available")
		return
	}

	var body io.Reader
	if entry.chunks != nil {
		pr, pw := io.Pipe()
		body = pr
		go feedBody(ctx, pw, req.Body, entry.chunks)
	} else if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstream, err := e.buildUpstreamRequest(ctx, mapping, req, body)
	if err != nil {
		slog.WarnContext(ctx, "Failed to build upstream request", "request_id", req.RequestID, "error", err)
		e.replyError(ctx, req.RequestID, http.StatusBadGateway, "upstream request failed")
		return
	}

	client := e.clientDefault
	if mapping.InternalUseTLS && mapping.AllowSelfSignedCerts {
		client = e.clientInsecure
	}

	resp, err := client.Do(upstream)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "Upstream call failed",
				"request_id", req.RequestID,
				"mapping_id", mapping.ID,
				"error", err,
			)
			// The caller sees a short generic body, never the internal error.
			e.replyError(ctx, req.RequestID, http.StatusBadGateway, "upstream request failed")
		}
		return
	}
	defer resp.Body.Close()

	e.streamResponse(ctx, req.RequestID, resp)
}

// DeliverBodyChunk feeds one request body chunk to the matching in-flight
// upstream call. Chunks for unknown ids are dropped.
func (e *Executor) DeliverBodyChunk(ctx context.Context, chunk *tunnel.RequestBodyChunk) {
	e.mu.Lock()
	entry, ok := e.inflight[chunk.RequestID]
	e.mu.Unlock()
	if !ok || entry.chunks == nil {
		return
	}

	select {
	case entry.chunks <- bodyChunk{data: chunk.Data, final: chunk.Final}:
	case <-ctx.Done():
	case <-time.After(chunkDeliveryTimeout):
		slog.WarnContext(ctx, "Upstream too slow consuming request body; canceling", "request_id", chunk.RequestID)
		entry.cancel()
	}
}

// Cancel aborts the in-flight request with the given id, if any.
func (e *Executor) Cancel(requestID string) {
	e.mu.Lock()
	entry, ok := e.inflight[requestID]
	e.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// CancelAll aborts every in-flight request; used on session teardown.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	entries := make([]*inflight, 0, len(e.inflight))
	for _, entry := range e.inflight {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
}

func (e *Executor) track(id string, entry *inflight) {
	e.mu.Lock()
	e.inflight[id] = entry
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// feedBody pumps the inline head bytes and subsequent chunks into the pipe
// the upstream call reads from.
func feedBody(ctx context.Context, pw *io.PipeWriter, head []byte, chunks <-chan bodyChunk) {
	if len(head) > 0 {
		if _, err := pw.Write(head); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case chunk := <-chunks:
			if len(chunk.data) > 0 {
				if _, err := pw.Write(chunk.data); err != nil {
					return
				}
			}
			if chunk.final {
				pw.Close()
				return
			}
		}
	}
}

func (e *Executor) buildUpstreamRequest(ctx context.Context, mapping tunnel.PortMapping, req *tunnel.Request, body io.Reader) (*http.Request, error) {
	scheme := "http"
	if mapping.InternalUseTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, mapping.InternalHost, mapping.InternalPort, req.Path)

	upstream, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		if isHopByHopHeader(k) {
			continue
		}
		if strings.EqualFold(k, "Host") {
			upstream.Host = v
			continue
		}
		upstream.Header.Set(k, v)
	}
	return upstream, nil
}

// streamResponse writes the upstream response back as a head frame plus body
// chunks when it exceeds the chunk threshold.
func (e *Executor) streamResponse(ctx context.Context, requestID string, resp *http.Response) {
	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 && !isHopByHopHeader(k) {
			headers[k] = v[0]
		}
	}

	buf := make([]byte, e.cfg.ChunkSize)
	n, err := io.ReadFull(resp.Body, buf)
	hasMore := err == nil
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		e.replyError(ctx, requestID, http.StatusBadGateway, "upstream request failed")
		return
	}

	head := &tunnel.Response{
		RequestID:   requestID,
		Status:      resp.StatusCode,
		Headers:     headers,
		Body:        append([]byte(nil), buf[:n]...),
		HasMoreBody: hasMore,
	}
	if err := e.send(ctx, head); err != nil {
		return
	}
	if !hasMore {
		return
	}

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := &tunnel.ResponseBodyChunk{
				RequestID: requestID,
				Data:      append([]byte(nil), buf[:n]...),
				Final:     errors.Is(err, io.EOF),
			}
			if sendErr := e.send(ctx, chunk); sendErr != nil {
				return
			}
			if chunk.Final {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = e.send(ctx, &tunnel.ResponseBodyChunk{RequestID: requestID, Final: true})
			} else if ctx.Err() == nil {
				// A truncated body must not masquerade as a complete one; the
				// gateway fails the pending request instead of finishing it.
				slog.WarnContext(ctx, "Upstream body read failed mid-stream", "request_id", requestID, "error", err)
				_ = e.send(ctx, &tunnel.Error{
					RequestID: requestID,
					Code:      tunnel.ErrorCodeInternal,
					Message:   "upstream body read failed",
				})
			}
			return
		}
	}
}

func (e *Executor) replyError(ctx context.Context, requestID string, status int, message string) {
	resp := &tunnel.Response{
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"Content-Type": "text/plain"},
		Body:      []byte(message),
	}
	if err := e.send(ctx, resp); err != nil && ctx.Err() == nil {
		slog.WarnContext(ctx, "Failed to send error response", "request_id", requestID, "error", err)
	}
}

// isHopByHopHeader reports whether a header must not cross the tunnel.
func isHopByHopHeader(header string) bool {
	switch http.CanonicalHeaderKey(header) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailers", "Transfer-Encoding", "Upgrade":
		return true
	}
	return strings.HasPrefix(http.CanonicalHeaderKey(header), "Proxy-")
}
