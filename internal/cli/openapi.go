package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultOpenAPIPath = "docs/openapi.yaml"

var minOpenAPIVersion = version.Must(version.NewVersion("3.0.0"))

var openapiCmd = &cobra.Command{
	Use:   "openapi",
	Short: "Check or convert the OpenAPI description of the REST API",
}

var openapiValidateCmd = &cobra.Command{
	Use:   "validate [spec.yaml]",
	Short: "Check the structure of the OpenAPI document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultOpenAPIPath
		if len(args) > 0 {
			path = args[0]
		}
		doc, err := readOpenAPI(path)
		if err != nil {
			return err
		}
		if err := validateOpenAPI(doc); err != nil {
			return fmt.Errorf("%s is invalid: %w", path, err)
		}
		out := cmd.OutOrStdout()
		info, _ := doc["info"].(map[string]any)
		paths, _ := doc["paths"].(map[string]any)
		fmt.Fprintf(out, "OpenAPI %v document is valid\n", doc["openapi"])
		fmt.Fprintf(out, "  Title: %v\n  Version: %v\n  Paths: %d\n", info["title"], info["version"], len(paths))
		return nil
	},
}

var openapiJSONCmd = &cobra.Command{
	Use:   "json [spec.yaml] [output.json]",
	Short: "Convert the OpenAPI document to JSON",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, outPath := defaultOpenAPIPath, ""
		if len(args) > 0 {
			in = args[0]
		}
		if len(args) > 1 {
			outPath = args[1]
		}
		doc, err := readOpenAPI(in)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to convert to JSON: %w", err)
		}
		if outPath == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		return os.WriteFile(outPath, data, 0o644)
	},
}

func init() {
	openapiCmd.AddCommand(openapiValidateCmd, openapiJSONCmd)
}

func readOpenAPI(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

// validateOpenAPI checks the top level shape of an OpenAPI 3 document and
// reports every problem found
func validateOpenAPI(doc map[string]any) error {
	var errs *multierror.Error
	for _, field := range []string{"openapi", "info", "paths"} {
		if _, ok := doc[field]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("missing required field: %s", field))
		}
	}

	if raw, ok := doc["openapi"].(string); ok {
		v, err := version.NewVersion(raw)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("invalid OpenAPI version %q", raw))
		case v.LessThan(minOpenAPIVersion):
			errs = multierror.Append(errs, fmt.Errorf("unsupported OpenAPI version %s (requires %s+)", raw, minOpenAPIVersion))
		}
	} else if _, ok := doc["openapi"]; ok {
		errs = multierror.Append(errs, fmt.Errorf("openapi must be a version string"))
	}

	if info, ok := doc["info"].(map[string]any); ok {
		for _, field := range []string{"title", "version"} {
			if _, ok := info[field]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("missing required info field: %s", field))
			}
		}
	} else if _, ok := doc["info"]; ok {
		errs = multierror.Append(errs, fmt.Errorf("info must be an object"))
	}

	if paths, ok := doc["paths"].(map[string]any); ok {
		if len(paths) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("paths object is empty"))
		}
	} else if _, ok := doc["paths"]; ok {
		errs = multierror.Append(errs, fmt.Errorf("paths must be an object"))
	}
	return errs.ErrorOrNil()
}
