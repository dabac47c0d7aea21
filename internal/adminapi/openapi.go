// Copyright (c) 2025 Justin Cranford

package adminapi

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	fibermiddleware "github.com/oapi-codegen/fiber-middleware"
)

// OpenAPIConfig wires an in-memory OpenAPI document into request-validating
// fiber middleware, mirroring the shared service-builder pattern: a nil spec
// or disabled validation degrades to no middleware at all, rather than an
// error.
type OpenAPIConfig struct {
	SwaggerSpec             *openapi3.T
	BasePath                string
	EnableRequestValidation bool
	ValidatorOptions        *fibermiddleware.Options
}

// NewDefaultOpenAPIConfig returns validation-enabled defaults for spec,
// rooted at /api/v1.
func NewDefaultOpenAPIConfig(spec *openapi3.T) *OpenAPIConfig {
	return &OpenAPIConfig{
		SwaggerSpec:             spec,
		BasePath:                "/api/v1",
		EnableRequestValidation: true,
		ValidatorOptions:        &fibermiddleware.Options{},
	}
}

// CreateRequestValidatorMiddleware returns nil when there is nothing to
// validate against, so callers can unconditionally append it without a nil
// check in the route-registration path.
func (c *OpenAPIConfig) CreateRequestValidatorMiddleware() fiber.Handler {
	if c.SwaggerSpec == nil || !c.EnableRequestValidation {
		return nil
	}
	if c.ValidatorOptions != nil {
		return fibermiddleware.OapiRequestValidatorWithOptions(c.SwaggerSpec, c.ValidatorOptions)
	}
	return fibermiddleware.OapiRequestValidator(c.SwaggerSpec)
}

// Middlewares returns zero or one fiber.Handler, ready to app.Use.
func (c *OpenAPIConfig) Middlewares() []fiber.Handler {
	mw := c.CreateRequestValidatorMiddleware()
	if mw == nil {
		return nil
	}
	return []fiber.Handler{mw}
}

// buildSpec describes the admin HTTP surface's read-only endpoints, just
// enough for request validation and the Swagger UI; the admin surface has no
// request bodies to validate, only unparameterized GETs.
func buildSpec() *openapi3.T {
	okResponse := func(desc string) *openapi3.Responses {
		responses := openapi3.NewResponses()
		d := desc
		responses.Set("200", &openapi3.ResponseRef{Value: &openapi3.Response{Description: &d}})
		return responses
	}

	paths := openapi3.NewPaths()
	paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{OperationID: "healthz", Responses: okResponse("daemon is alive")},
	})
	paths.Set("/statusz", &openapi3.PathItem{
		Get: &openapi3.Operation{OperationID: "statusz", Responses: okResponse("full system status")},
	})
	paths.Set("/metricsz", &openapi3.PathItem{
		Get: &openapi3.Operation{OperationID: "metricsz", Responses: okResponse("flat validation/rotation counters")},
	})

	return &openapi3.T{
		OpenAPI: "3.0.0",
		Info:    &openapi3.Info{Title: "license-agent admin API", Version: "1.0.0"},
		Paths:   paths,
	}
}
