package openshift

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

func parseQuantity(kind, q string) (resource.Quantity, error) {
	parsed, err := resource.ParseQuantity(strings.TrimSpace(q))
	if err != nil {
		return resource.Quantity{}, fmt.Errorf("invalid %s quantity %q: %w", kind, q, err)
	}
	return parsed, nil
}

// ParseCPU converts a CPU quantity ("4", "3500m") to cores
func ParseCPU(q string) (float64, error) {
	parsed, err := parseQuantity("cpu", q)
	if err != nil {
		return 0, err
	}
	return float64(parsed.MilliValue()) / 1000, nil
}

// ParseBytes converts a memory quantity ("16260236Ki", "8G", "1024") to
// bytes. Fractional byte counts round up.
func ParseBytes(q string) (int64, error) {
	parsed, err := parseQuantity("memory", q)
	if err != nil {
		return 0, err
	}
	return parsed.Value(), nil
}
