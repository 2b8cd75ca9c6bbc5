// Package contract holds the conformance suite every router adapter must pass.
package contract

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// TestRouterContract runs the shared router conformance suite.
func TestRouterContract(t *testing.T, createRouter func() router.Router) {
	t.Helper()

	t.Run("http_methods", func(t *testing.T) {
		r := createRouter()
		r.GET("/m", func(c router.Context) error { return c.JSON(http.StatusOK, "get") })
		r.POST("/m", func(c router.Context) error { return c.JSON(http.StatusOK, "post") })

		if got := decodeString(t, performRequest(r, http.MethodGet, "/m")); got != "get" {
			t.Fatalf("expected get, got %q", got)
		}
		if got := decodeString(t, performRequest(r, http.MethodPost, "/m")); got != "post" {
			t.Fatalf("expected post, got %q", got)
		}
		if res := performRequest(r, http.MethodGet, "/not-registered"); res.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for unregistered route, got %d", res.Code)
		}
	})

	t.Run("groups", func(t *testing.T) {
		r := createRouter()
		api := r.Group("/api")
		api.GET("/runs", func(c router.Context) error { return c.JSON(http.StatusOK, "ok") })

		if res := performRequest(r, http.MethodGet, "/api/runs"); res.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", res.Code)
		}

		v1 := api.Group("/v1")
		v1.GET("/runs", func(c router.Context) error { return c.JSON(http.StatusOK, "nested") })
		if got := decodeString(t, performRequest(r, http.MethodGet, "/api/v1/runs")); got != "nested" {
			t.Fatalf("expected nested, got %q", got)
		}

		tagged := r.Group("/tagged", func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				c.Set("group_mw", "on")
				return next(c)
			}
		})
		tagged.GET("/hello", func(c router.Context) error {
			return c.JSON(http.StatusOK, c.Get("group_mw"))
		})
		if got := decodeString(t, performRequest(r, http.MethodGet, "/tagged/hello")); got != "on" {
			t.Fatalf("expected middleware value, got %q", got)
		}
	})

	t.Run("middleware", func(t *testing.T) {
		r := createRouter()
		order := make([]string, 0, 3)

		r.Use(func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				order = append(order, "global")
				return next(c)
			}
		})
		r.GET("/m", func(c router.Context) error {
			order = append(order, "handler")
			return c.JSON(http.StatusOK, "ok")
		}, func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				order = append(order, "route")
				return next(c)
			}
		})

		if res := performRequest(r, http.MethodGet, "/m"); res.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", res.Code)
		}
		if strings.Join(order, ",") != "global,route,handler" {
			t.Fatalf("unexpected middleware order: %v", order)
		}

		r = createRouter()
		handlerCalled := false
		r.GET("/stop", func(c router.Context) error {
			handlerCalled = true
			return nil
		}, func(router.HandlerFunc) router.HandlerFunc {
			return func(router.Context) error { return errors.New("stop") }
		})

		res := performRequest(r, http.MethodGet, "/stop")
		if handlerCalled {
			t.Fatal("handler should not be called when middleware returns error")
		}
		if res.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", res.Code)
		}
	})

	t.Run("path_params", func(t *testing.T) {
		r := createRouter()
		r.GET("/dlq-replay/:hoursBack", func(c router.Context) error {
			return c.JSON(http.StatusOK, c.Param("hoursBack"))
		})
		r.GET("/runs/:id/outcomes/:messageId", func(c router.Context) error {
			return c.JSON(http.StatusOK, c.Param("id")+":"+c.Param("messageId")+":"+c.Param("missing"))
		})

		for _, value := range []string{"24", "-1", "abc"} {
			if got := decodeString(t, performRequest(r, http.MethodGet, "/dlq-replay/"+value)); got != value {
				t.Fatalf("expected param %q, got %q", value, got)
			}
		}
		if got := decodeString(t, performRequest(r, http.MethodGet, "/runs/r1/outcomes/m9")); got != "r1:m9:" {
			t.Fatalf("unexpected multiple params result: %q", got)
		}
	})

	t.Run("query_params", func(t *testing.T) {
		r := createRouter()
		r.GET("/q", func(c router.Context) error { return c.JSON(http.StatusOK, c.Query("limit")) })

		if got := decodeString(t, performRequest(r, http.MethodGet, "/q?limit=5")); got != "5" {
			t.Fatalf("expected 5, got %q", got)
		}
		if got := decodeString(t, performRequest(r, http.MethodGet, "/q?limit=1&limit=2")); got != "1" {
			t.Fatalf("expected first value, got %q", got)
		}
		if got := decodeString(t, performRequest(r, http.MethodGet, "/q")); got != "" {
			t.Fatalf("expected empty query value, got %q", got)
		}
	})

	t.Run("route_template", func(t *testing.T) {
		r := createRouter()
		api := r.Group("/api")
		api.GET("/runs/:id", func(c router.Context) error {
			return c.JSON(http.StatusOK, c.Get(router.RouteKey))
		})

		if got := decodeString(t, performRequest(r, http.MethodGet, "/api/runs/abc")); got != "/api/runs/:id" {
			t.Fatalf("expected route template, got %q", got)
		}
	})

	t.Run("responses", func(t *testing.T) {
		r := createRouter()
		r.GET("/json", func(c router.Context) error {
			return c.JSON(http.StatusCreated, map[string]string{"x": "y"})
		})
		r.GET("/empty", func(c router.Context) error {
			return c.JSON(http.StatusNoContent, nil)
		})

		res := performRequest(r, http.MethodGet, "/json")
		if res.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", res.Code)
		}
		if !strings.Contains(res.Header().Get("Content-Type"), "application/json") {
			t.Fatalf("expected json content-type, got %q", res.Header().Get("Content-Type"))
		}
		var body map[string]string
		if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil || body["x"] != "y" {
			t.Fatalf("unexpected body %q (%v)", res.Body.String(), err)
		}

		res = performRequest(r, http.MethodGet, "/empty")
		if res.Code != http.StatusNoContent || res.Body.Len() != 0 {
			t.Fatalf("expected empty 204, got %d %q", res.Code, res.Body.String())
		}
	})

	t.Run("context_storage", func(t *testing.T) {
		r := createRouter()
		r.Use(func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				c.Set("from_mw", "yes")
				return next(c)
			}
		})
		r.GET("/ctx", func(c router.Context) error {
			if c.Get("missing") != nil {
				t.Error("expected nil for missing key")
			}
			c.Set("k", 7)
			if c.Get("k") != 7 {
				t.Error("expected k=7")
			}
			return c.JSON(http.StatusOK, c.Get("from_mw"))
		})

		if got := decodeString(t, performRequest(r, http.MethodGet, "/ctx")); got != "yes" {
			t.Fatalf("expected value set by middleware, got %q", got)
		}
	})

	t.Run("error_handling", func(t *testing.T) {
		r := createRouter()
		r.GET("/err1", func(c router.Context) error { return errors.New("boom") })
		if res := performRequest(r, http.MethodGet, "/err1"); res.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", res.Code)
		}

		r.GET("/err2", func(c router.Context) error {
			if err := c.JSON(http.StatusBadRequest, "bad"); err != nil {
				return err
			}
			return errors.New("ignored")
		})
		res := performRequest(r, http.MethodGet, "/err2")
		if res.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", res.Code)
		}
		if got := decodeString(t, res); got != "bad" {
			t.Fatalf("expected bad, got %q", got)
		}
	})

	t.Run("response_writer", func(t *testing.T) {
		r := createRouter()
		r.GET("/rw", func(c router.Context) error {
			rw := c.Response()
			if rw.Written() {
				t.Error("Written must be false before writes")
			}
			rw.WriteHeader(http.StatusAccepted)
			if !rw.Written() || rw.Status() != http.StatusAccepted {
				t.Errorf("expected written 202, got written=%v status=%d", rw.Written(), rw.Status())
			}
			_, err := rw.Write([]byte("ok"))
			return err
		})

		if res := performRequest(r, http.MethodGet, "/rw"); res.Code != http.StatusAccepted || res.Body.String() != "ok" {
			t.Fatalf("expected 202 ok, got %d %q", res.Code, res.Body.String())
		}
	})
}

func performRequest(r router.Router, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeString(t *testing.T, res *httptest.ResponseRecorder) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(res.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode body %q (status %d): %v", res.Body.String(), res.Code, err)
	}
	return s
}
