package middleware

import (
	"bytes"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/logging"
)

// captureWriter wraps gin.ResponseWriter to record response data. The client
// write always happens first; capture is best-effort and never delays it.
type captureWriter struct {
	gin.ResponseWriter
	logger      logging.RequestLogger
	requestBody []byte
	method      string
	path        string

	body         *bytes.Buffer
	statusCode   int
	isStreaming  bool
	streamWriter logging.StreamLogWriter
}

func newCaptureWriter(c *gin.Context, logger logging.RequestLogger, requestBody []byte) *captureWriter {
	return &captureWriter{
		ResponseWriter: c.Writer,
		logger:         logger,
		requestBody:    requestBody,
		method:         c.Request.Method,
		path:           c.Request.URL.Path,
		body:           &bytes.Buffer{},
	}
}

func (w *captureWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)

	if w.isStreaming {
		if w.streamWriter != nil {
			w.streamWriter.WriteFrame(string(data))
		}
	} else {
		w.body.Write(data)
	}
	return n, err
}

func (w *captureWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.isStreaming = strings.Contains(w.ResponseWriter.Header().Get("Content-Type"), "text/event-stream")

	if w.isStreaming {
		correlationID := w.ResponseWriter.Header().Get("X-Correlation-Id")
		streamWriter, err := w.logger.LogStream(correlationID, w.method, w.path, w.requestBody)
		if err != nil {
			log.Debugf("request capture unavailable for stream: %v", err)
		} else {
			w.streamWriter = streamWriter
		}
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureWriter) finalize(c *gin.Context) {
	if w.isStreaming {
		if w.streamWriter != nil {
			if err := w.streamWriter.Close(); err != nil {
				log.Debugf("failed to finalize stream capture: %v", err)
			}
		}
		return
	}

	status := w.statusCode
	if status == 0 {
		status = w.ResponseWriter.Status()
	}
	correlationID := c.GetString(ContextKeyCorrelationID)
	if err := w.logger.LogExchange(correlationID, w.method, w.path, status, w.requestBody, w.body.Bytes()); err != nil {
		log.Debugf("failed to capture exchange: %v", err)
	}
}

// Status returns the HTTP status code of the response.
func (w *captureWriter) Status() int {
	if w.statusCode == 0 {
		return w.ResponseWriter.Status()
	}
	return w.statusCode
}

// Size returns the size of the captured response body, or -1 for streams.
func (w *captureWriter) Size() int {
	if w.isStreaming {
		return -1
	}
	return w.body.Len()
}

// Written reports whether the response header has been written.
func (w *captureWriter) Written() bool {
	return w.statusCode != 0 || w.ResponseWriter.Written()
}
