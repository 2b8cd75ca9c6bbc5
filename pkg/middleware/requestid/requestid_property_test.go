package requestid

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_RequestIDPropagation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genRequestID := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 100
	})

	properties.Property("incoming id reaches response header, request context and router context", prop.ForAll(
		func(existingID string) bool {
			rec, id, stored := serve(t, existingID)
			return id == existingID && stored == existingID && rec.Header().Get(RequestIDHeader) == existingID
		},
		genRequestID,
	))

	properties.TestingRun(t)
}
