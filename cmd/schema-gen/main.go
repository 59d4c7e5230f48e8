// Schema Generator
//
// Generates JSON Schema files from Go types for use by API consumers.
// Go is the source of truth for the shared request/response types.
//
// Usage:
//
//	go run cmd/schema-gen/main.go
//
// Output:
//
//	./schemas/jobs.json
//	./schemas/notifications.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/lumenforge/generation-service/internal/handlers"
)

// SchemaGroup represents a group of related schemas
type SchemaGroup struct {
	Name   string
	Types  []any
	Output string
}

func main() {
	outputDir := "./schemas"

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	groups := []SchemaGroup{
		{
			Name: "jobs",
			Types: []any{
				handlers.CreateJobRequest{},
				handlers.CreateJobResponse{},
				handlers.JobResponse{},
			},
			Output: filepath.Join(outputDir, "jobs.json"),
		},
		{
			Name: "notifications",
			Types: []any{
				handlers.NotificationListResponse{},
			},
			Output: filepath.Join(outputDir, "notifications.json"),
		},
	}

	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}

	for _, group := range groups {
		schemas := make(map[string]*jsonschema.Schema, len(group.Types))
		for _, t := range group.Types {
			schema := reflector.Reflect(t)
			schemas[fmt.Sprintf("%T", t)] = schema
		}

		data, err := json.MarshalIndent(schemas, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal %s schemas: %v\n", group.Name, err)
			os.Exit(1)
		}
		if err := os.WriteFile(group.Output, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", group.Output, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", group.Output)
	}
}
