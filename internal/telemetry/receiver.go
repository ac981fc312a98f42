package telemetry

import (
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// SpanSink consumes completed spans. Delivery errors are logged and dropped;
// the exporter side must always receive a success response so agents never
// retry-loop on our ingestion bugs.
type SpanSink interface {
	Ingest(span Span) error
}

// Receiver terminates the OTLP/HTTP trace export endpoint.
type Receiver struct {
	sink   SpanSink
	logger *logger.Logger
}

func NewReceiver(sink SpanSink, log *logger.Logger) *Receiver {
	return &Receiver{sink: sink, logger: log}
}

// Handler handles POST /v1/traces in both OTLP encodings. Malformed bodies
// get a 400; per-span sink errors do not fail the export.
func (r *Receiver) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reader := io.Reader(c.Request.Body)
		if c.GetHeader("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(reader)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad gzip body"})
				return
			}
			defer gz.Close()
			reader = gz
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		req := &coltracepb.ExportTraceServiceRequest{}
		contentType := c.ContentType()
		switch {
		case strings.HasPrefix(contentType, "application/json"):
			err = protojson.Unmarshal(body, req)
		default:
			err = proto.Unmarshal(body, req)
		}
		if err != nil {
			r.logger.Warn("rejecting malformed OTLP export",
				zap.String("content_type", contentType),
				zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed export request"})
			return
		}

		for _, rs := range req.GetResourceSpans() {
			for _, ss := range rs.GetScopeSpans() {
				for _, pb := range ss.GetSpans() {
					span := FromProto(pb)
					if err := r.sink.Ingest(span); err != nil {
						r.logger.Warn("span ingestion failed",
							zap.String("span", span.Name),
							zap.Error(err))
					}
				}
			}
		}

		resp, err := proto.Marshal(&coltracepb.ExportTraceServiceResponse{})
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/x-protobuf", resp)
	}
}

// ListenAny binds the first free port starting at basePort so parallel
// harness processes on one host do not collide.
func ListenAny(host string, basePort, attempts int) (net.Listener, int, error) {
	var lastErr error
	for port := basePort; port < basePort+attempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d): %w", basePort, basePort+attempts, lastErr)
}
