package router

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// ParamFunc resolves a path parameter for the adapter that matched the request.
type ParamFunc func(r *http.Request, name string) string

type baseContext struct {
	request  *http.Request
	response ResponseWriter
	param    ParamFunc

	mu    sync.RWMutex
	store map[string]any
}

// NewContext builds the Context adapters hand to handlers.
func NewContext(w http.ResponseWriter, r *http.Request, param ParamFunc) Context {
	return &baseContext{
		request:  r,
		response: NewResponseWriter(w),
		param:    param,
		store:    make(map[string]any),
	}
}

func (c *baseContext) Request() *http.Request { return c.request }
func (c *baseContext) SetRequest(r *http.Request) { c.request = r }
func (c *baseContext) Response() ResponseWriter { return c.response }
func (c *baseContext) SetResponse(w ResponseWriter) { c.response = w }
func (c *baseContext) Query(name string) string { return c.request.URL.Query().Get(name) }

func (c *baseContext) Param(name string) string {
	if c.param == nil {
		return ""
	}
	return c.param(c.request, name)
}

func (c *baseContext) JSON(code int, v any) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	if v == nil || code == http.StatusNoContent {
		return nil
	}
	return json.NewEncoder(c.response).Encode(v)
}

func (c *baseContext) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store[key]
}

func (c *baseContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
}

type responseWriter struct {
	http.ResponseWriter

	mu      sync.RWMutex
	status  int
	written bool
}

// NewResponseWriter wraps w with status tracking. The first WriteHeader wins.
func NewResponseWriter(w http.ResponseWriter) ResponseWriter {
	if rw, ok := w.(ResponseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w}
}

func (w *responseWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.Written() {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Status() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *responseWriter) Written() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.written
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
