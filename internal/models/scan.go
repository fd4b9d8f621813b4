package models

import "time"

// ScanType is the kind of work a scan or a task performs
type ScanType string

const (
	// ScanTypeConnect verifies reachability and authentication
	ScanTypeConnect ScanType = "connect"
	// ScanTypeInspect collects raw facts
	ScanTypeInspect ScanType = "inspect"
	// ScanTypeFingerprint merges raw facts into fingerprints
	ScanTypeFingerprint ScanType = "fingerprint"
)

// ProductToggles selects which products are searched for
type ProductToggles struct {
	JBossEAP  bool `json:"jboss_eap"`
	JBossFuse bool `json:"jboss_fuse"`
	JBossBRMS bool `json:"jboss_brms"`
	JBossWS   bool `json:"jboss_ws"`
}

// AllProducts enables every product
func AllProducts() ProductToggles {
	return ProductToggles{JBossEAP: true, JBossFuse: true, JBossBRMS: true, JBossWS: true}
}

// ExtendedSearch enables the slow filesystem searches for products
type ExtendedSearch struct {
	ProductToggles
	SearchDirectories []string `json:"search_directories,omitempty"`
}

// ScanOptions are the tunables of a scan definition
type ScanOptions struct {
	MaxConcurrency  int             `json:"max_concurrency"`
	EnabledProducts *ProductToggles `json:"enabled_products,omitempty"`
	ExtendedSearch  *ExtendedSearch `json:"enabled_extended_product_search,omitempty"`
}

// Products returns the enabled product toggles, defaulting to all products
func (o ScanOptions) Products() ProductToggles {
	if o.EnabledProducts == nil {
		return AllProducts()
	}
	return *o.EnabledProducts
}

// Scan is a user-configured scan definition over one or more sources
type Scan struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	ScanType  ScanType    `json:"scan_type"`
	SourceIDs []int64     `json:"sources"`
	Options   ScanOptions `json:"options"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
