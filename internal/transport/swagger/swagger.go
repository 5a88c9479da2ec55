// Package swagger validates the embedded OpenAPI document and serves it
// together with the Swagger UI.
package swagger

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	httpSwagger "github.com/swaggo/http-swagger"
)

const SpecPath = "/openapi.yml"

type Spec struct {
	raw []byte
	doc *openapi3.T
}

// Load parses and validates an OpenAPI 3 document. A broken document fails
// startup instead of surfacing in the UI.
func Load(ctx context.Context, raw []byte) (*Spec, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return &Spec{raw: raw, doc: doc}, nil
}

func (s *Spec) Title() string   { return s.doc.Info.Title }
func (s *Spec) Version() string { return s.doc.Info.Version }

// HasOperation reports whether the document describes method on path.
func (s *Spec) HasOperation(method, path string) bool {
	item := s.doc.Paths.Find(path)
	return item != nil && item.GetOperation(method) != nil
}

func (s *Spec) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(s.raw)
}

func Handler() http.Handler {
	return httpSwagger.Handler(httpSwagger.URL(SpecPath))
}
