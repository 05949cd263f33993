package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// brotliMinLength is the smallest body worth compressing.
const brotliMinLength = 1024

// bufferedWriter holds the whole body so the encoding can be chosen once
// its size is known.
type bufferedWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bufferedWriter) Write(p []byte) (int, error)       { return w.buf.Write(p) }
func (w *bufferedWriter) WriteString(s string) (int, error) { return w.buf.WriteString(s) }

// Brotli compresses REST responses for clients that accept "br". WebSocket
// upgrades pass through untouched.
func Brotli() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		orig := c.Writer
		bw := &bufferedWriter{ResponseWriter: orig}
		c.Writer = bw
		c.Next()
		c.Writer = orig

		body := bw.buf.Bytes()
		orig.Header().Add("Vary", "Accept-Encoding")
		if len(body) < brotliMinLength {
			_, _ = orig.Write(body)
			return
		}

		var out bytes.Buffer
		enc := brotli.NewWriterLevel(&out, brotli.DefaultCompression)
		if _, err := enc.Write(body); err != nil || enc.Close() != nil {
			_, _ = orig.Write(body)
			return
		}
		orig.Header().Set("Content-Encoding", "br")
		orig.Header().Set("Content-Length", strconv.Itoa(out.Len()))
		_, _ = orig.Write(out.Bytes())
	}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "br") {
			return true
		}
	}
	return false
}
