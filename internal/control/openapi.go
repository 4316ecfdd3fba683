package control

import (
	"reflect"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb"
)

func buildOpenAPISpec() *openapi3.T {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "osdhcpc API",
			Description: "Control API for osdhcpc - Open Source DHCP Client",
			Version:     "1.0.0",
		},
		Paths: &openapi3.Paths{},
		Tags: openapi3.Tags{
			{Name: "Status", Description: "Lease session state"},
			{Name: "Oper", Description: "Operational commands"},
			{Name: "Events", Description: "Event bus"},
		},
	}

	addGet(spec, "/api/v1/status", "Status", "getStatus",
		"Current lease session state", reflect.TypeOf(StatusResponse{}))
	addGet(spec, "/api/v1/lease", "Status", "getLease",
		"Checkpointed lease record", reflect.TypeOf(leasedb.Record{}))
	addGet(spec, "/api/v1/events", "Events", "getEvents",
		"Recent lifecycle events, oldest first", reflect.TypeOf(EventsResponse{}))
	addGet(spec, "/api/v1/events/stats", "Events", "getEventStats",
		"Event bus statistics", reflect.TypeOf(events.Stats{}))

	addOper(spec, "/api/v1/oper/renew", "operRenew",
		"Renew the lease now instead of waiting for T1", nil, reflect.TypeOf(OperResponse{}))
	addOper(spec, "/api/v1/oper/release", "operRelease",
		"Release the lease and idle until restarted", nil, reflect.TypeOf(OperResponse{}))
	addOper(spec, "/api/v1/oper/restart", "operRestart",
		"Abandon the session and acquire from scratch", nil, reflect.TypeOf(OperResponse{}))
	addOper(spec, "/api/v1/oper/events/debug", "operEventsDebug",
		"Set event topics logged at debug",
		reflect.TypeOf(EventsDebugRequest{}), reflect.TypeOf(EventsDebugResponse{}))

	addLoggingEndpoint(spec)

	return spec
}

func addGet(spec *openapi3.T, path, tag, operationID, summary string, responseType reflect.Type) {
	spec.Paths.Set(path, &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tag},
			Summary:     summary,
			OperationID: operationID,
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, &openapi3.ResponseRef{
					Value: &openapi3.Response{
						Description: ptr(summary),
						Content:     openapi3.NewContentWithJSONSchemaRef(schemaFromType(responseType)),
					},
				}),
			),
		},
	})
}

func addOper(spec *openapi3.T, path, operationID, summary string, requestType, responseType reflect.Type) {
	operation := &openapi3.Operation{
		Tags:        []string{"Oper"},
		Summary:     summary,
		OperationID: operationID,
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(200, &openapi3.ResponseRef{
				Value: &openapi3.Response{
					Description: ptr("Operation accepted"),
					Content:     openapi3.NewContentWithJSONSchemaRef(schemaFromType(responseType)),
				},
			}),
			openapi3.WithStatus(409, &openapi3.ResponseRef{
				Value: &openapi3.Response{
					Description: ptr("Operation not legal in the current state"),
					Content: openapi3.NewContentWithJSONSchemaRef(
						schemaFromType(reflect.TypeOf(ErrorResponse{})),
					),
				},
			}),
		),
	}

	if requestType != nil {
		operation.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(schemaFromType(requestType)),
			},
		}
	}

	spec.Paths.Set(path, &openapi3.PathItem{Post: operation})
}

func addLoggingEndpoint(spec *openapi3.T) {
	spec.Paths.Set("/api/v1/oper/logging/{component}", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"Oper"},
			Summary:     "Set a component's log level; an empty level restores the default",
			OperationID: "operLogging",
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{
					Value: &openapi3.Parameter{
						Name:     "component",
						In:       "path",
						Required: true,
						Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
					},
				},
			},
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content: openapi3.NewContentWithJSONSchemaRef(
						schemaFromType(reflect.TypeOf(LoggingRequest{})),
					),
				},
			},
			Responses: openapi3.NewResponses(
				openapi3.WithStatus(200, &openapi3.ResponseRef{
					Value: &openapi3.Response{
						Description: ptr("Level applied"),
						Content: openapi3.NewContentWithJSONSchemaRef(
							schemaFromType(reflect.TypeOf(LoggingResponse{})),
						),
					},
				}),
				openapi3.WithStatus(400, &openapi3.ResponseRef{
					Value: &openapi3.Response{
						Description: ptr("Invalid level"),
						Content: openapi3.NewContentWithJSONSchemaRef(
							schemaFromType(reflect.TypeOf(ErrorResponse{})),
						),
					},
				}),
			),
		},
	})
}

func schemaFromType(t reflect.Type) *openapi3.SchemaRef {
	if t == nil {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t == reflect.TypeOf(time.Time{}) {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}}
	}

	switch t.Kind() {
	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32, reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}}

	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "byte"}}
		}
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: schemaFromType(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: schemaFromType(t.Elem())},
			},
		}

	case reflect.Struct:
		return structToSchema(t)
	}

	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
}

func structToSchema(t reflect.Type) *openapi3.SchemaRef {
	properties := openapi3.Schemas{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			if tagName, _, _ := strings.Cut(jsonTag, ","); tagName != "" {
				name = tagName
			}
		}

		properties[name] = schemaFromType(field.Type)
	}

	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: properties,
		},
	}
}

func ptr(s string) *string {
	return &s
}
