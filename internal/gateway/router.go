package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// Router receives HTTP requests from the edge proxy, resolves them against
// the active mapping snapshot, and rendezvouses with the response frames
// coming back over the tunnel.
type Router struct {
	cfg     *config.Config
	manager *Manager
}

// NewRouter creates the edge-facing request router.
func NewRouter(cfg *config.Config, manager *Manager) *Router {
	return &Router{cfg: cfg, manager: manager}
}

// Handle serves one request from the edge proxy.
func (r *Router) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	host := hostWithoutPort(c.Request.Host)

	// The snapshot is captured at acceptance; a config ack mid-flight never
	// re-matches this request.
	snap := r.manager.Snapshot()
	mapping, ok := snap.ByDomain(host)
	if !ok {
		c.String(http.StatusNotFound, "no mapping for host %s", host)
		return
	}

	if !r.manager.HasActiveConnection() {
		c.String(http.StatusBadGateway, "tunnel is not connected")
		return
	}

	requestID := uuid.New().String()
	head, hasMore, err := r.buildRequestHead(c, requestID, mapping.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read request body", "request_id", requestID, "error", err)
		c.String(http.StatusInternalServerError, "failed to read request body")
		return
	}

	fwd, err := r.manager.ForwardRequest(ctx, head)
	if err != nil {
		if errors.Is(err, ErrNoActiveTunnel) || errors.Is(err, ErrSessionClosed) {
			c.String(http.StatusBadGateway, "tunnel is not connected")
		} else {
			slog.ErrorContext(ctx, "Failed to dispatch request onto tunnel", "request_id", requestID, "error", err)
			c.String(http.StatusInternalServerError, "failed to dispatch request")
		}
		return
	}

	bodyErrCh := make(chan error, 1)
	if hasMore {
		go func() {
			bodyErrCh <- r.pumpRequestBody(ctx, fwd, c.Request.Body)
		}()
	}

	r.awaitResponse(c, fwd, requestID, bodyErrCh)
}

// buildRequestHead reads up to one chunk of the request body inline. A body
// that fits under the chunk threshold travels in the head frame alone.
func (r *Router) buildRequestHead(c *gin.Context, requestID, mappingID string) (*tunnel.Request, bool, error) {
	path := c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		path += "?" + c.Request.URL.RawQuery
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k, v := range c.Request.Header {
		if len(v) > 0 && !isHopByHopHeader(k) {
			headers[k] = v[0]
		}
	}

	var inline []byte
	hasMore := false
	if c.Request.Body != nil {
		buf := make([]byte, r.cfg.ChunkSize)
		n, err := io.ReadFull(c.Request.Body, buf)
		switch {
		case err == nil:
			// A full chunk; the remainder (possibly empty) streams as chunks.
			inline = buf[:n]
			hasMore = true
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			inline = buf[:n]
		default:
			return nil, false, err
		}
	}

	return &tunnel.Request{
		RequestID:   requestID,
		MappingID:   mappingID,
		Method:      c.Request.Method,
		Path:        path,
		Headers:     headers,
		Body:        inline,
		HasMoreBody: hasMore,
	}, hasMore, nil
}

// pumpRequestBody streams the remaining request body as ordered chunks,
// ending with an isFinal frame.
func (r *Router) pumpRequestBody(ctx context.Context, fwd *ForwardedRequest, body io.Reader) error {
	buf := make([]byte, r.cfg.ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			final := errors.Is(err, io.EOF)
			data := append([]byte(nil), buf[:n]...)
			if sendErr := fwd.SendBodyChunk(ctx, data, final); sendErr != nil {
				return sendErr
			}
			if final {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fwd.SendBodyChunk(ctx, nil, true)
			}
			return err
		}
	}
}

// awaitResponse consumes response parts until the final frame, a deadline, or
// session loss, and maps each outcome onto the edge response.
func (r *Router) awaitResponse(c *gin.Context, fwd *ForwardedRequest, requestID string, bodyErrCh <-chan error) {
	ctx := c.Request.Context()

	total := time.NewTimer(r.cfg.RequestTimeout)
	defer total.Stop()
	inactivity := time.NewTimer(r.cfg.ChunkInactivityTimeout)
	defer inactivity.Stop()

	headersSent := false
	released := false
	defer func() {
		if !released {
			fwd.Release(false)
		}
	}()

	flusher, _ := c.Writer.(http.Flusher)

	for {
		select {
		case part := <-fwd.Parts():
			resetTimer(inactivity, r.cfg.ChunkInactivityTimeout)

			switch {
			case part.err != nil:
				if !headersSent {
					c.String(http.StatusBadGateway, "tunnel session ended")
				}
				// Headers already written: the stream is truncated.
				return

			case part.head != nil:
				headersSent = true
				writeResponseHead(c, part.head)
				if flusher != nil && part.head.HasMoreBody {
					flusher.Flush()
				}
				if !part.head.HasMoreBody {
					fwd.Release(false)
					released = true
					return
				}

			case part.chunk != nil:
				if !headersSent {
					slog.WarnContext(ctx, "Response chunk before head", "request_id", requestID)
					c.String(http.StatusInternalServerError, "protocol error")
					return
				}
				if len(part.chunk.Data) > 0 {
					if _, err := c.Writer.Write(part.chunk.Data); err != nil {
						fwd.Release(true)
						released = true
						return
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
				if part.chunk.Final {
					fwd.Release(false)
					released = true
					return
				}
			}

		case err := <-fwd.Failed():
			slog.WarnContext(ctx, "Tunnel session failed request", "request_id", requestID, "error", err)
			if !headersSent {
				c.String(http.StatusBadGateway, "tunnel session ended")
			}
			// Headers already written: the stream is truncated.
			return

		case err := <-bodyErrCh:
			if err != nil {
				slog.WarnContext(ctx, "Request body streaming failed", "request_id", requestID, "error", err)
				fwd.Release(true)
				released = true
				if !headersSent {
					c.String(http.StatusInternalServerError, "failed to stream request body")
				}
				return
			}
			bodyErrCh = nil

		case <-total.C:
			r.failWithTimeout(c, fwd, requestID, headersSent, "total deadline")
			released = true
			return

		case <-inactivity.C:
			r.failWithTimeout(c, fwd, requestID, headersSent, "chunk inactivity")
			released = true
			return

		case <-fwd.SessionDone():
			if !headersSent {
				c.String(http.StatusBadGateway, "tunnel session ended")
			}
			return

		case <-ctx.Done():
			fwd.Release(true)
			released = true
			return
		}
	}
}

func (r *Router) failWithTimeout(c *gin.Context, fwd *ForwardedRequest, requestID string, headersSent bool, which string) {
	slog.WarnContext(c.Request.Context(), "Request deadline exceeded", "request_id", requestID, "deadline", which)
	fwd.Release(true)
	if !headersSent {
		c.String(http.StatusGatewayTimeout, "upstream did not respond in time")
	}
}

func writeResponseHead(c *gin.Context, head *tunnel.Response) {
	for k, v := range head.Headers {
		if !isHopByHopHeader(k) {
			c.Writer.Header().Set(k, v)
		}
	}
	c.Writer.WriteHeader(head.Status)
	if len(head.Body) > 0 {
		_, _ = c.Writer.Write(head.Body)
	}
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
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

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
