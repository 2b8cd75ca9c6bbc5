package contract

import (
	"net/http"
	"testing"

	"github.com/nimburion/dlqreplay/pkg/server/router"
	gorillaadapter "github.com/nimburion/dlqreplay/pkg/server/router/gorilla"
)

func TestPerformRequest_Helper(t *testing.T) {
	r := gorillaadapter.NewRouter()
	r.POST("/echo", func(c router.Context) error {
		return c.JSON(http.StatusOK, c.Request().Method)
	})

	res := performRequest(r, http.MethodPost, "/echo")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if got := decodeString(t, res); got != http.MethodPost {
		t.Fatalf("expected method echo, got %q", got)
	}
}
