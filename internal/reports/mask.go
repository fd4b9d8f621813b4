package reports

import (
	"encoding/hex"
	"slices"

	"lukechampine.com/blake3"

	"quipucords/internal/models"
)

// maskValue replaces an identifying string with a stable digest
func maskValue(v string) string {
	if v == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func maskValues(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = maskValue(v)
	}
	return out
}

// Mask returns a copy of fp with host name, hardware and subscription
// identifiers and network addresses hashed
func Mask(fp *models.SystemFingerprint) *models.SystemFingerprint {
	out := *fp
	out.Name = maskValue(fp.Name)
	out.BIOSUUID = maskValue(fp.BIOSUUID)
	out.SubscriptionManagerID = maskValue(fp.SubscriptionManagerID)
	out.IPAddresses = maskValues(fp.IPAddresses)
	out.MACAddresses = maskValues(fp.MACAddresses)
	out.Sources = slices.Clone(fp.Sources)
	return &out
}
