package gorilla

import (
	"testing"

	"github.com/nimburion/dlqreplay/pkg/server/router"
	"github.com/nimburion/dlqreplay/pkg/server/router/contract"
)

func TestGorillaRouterContract(t *testing.T) {
	contract.TestRouterContract(t, func() router.Router {
		return NewRouter()
	})
}

func TestToMuxPath(t *testing.T) {
	tests := map[string]string{
		"/dlq-replay/:hoursBack": "/dlq-replay/{hoursBack}",
		"/runs/:id/x/:y":         "/runs/{id}/x/{y}",
		"/health":                "/health",
	}
	for in, want := range tests {
		if got := toMuxPath(in); got != want {
			t.Errorf("toMuxPath(%q) = %q, want %q", in, got, want)
		}
	}
}
