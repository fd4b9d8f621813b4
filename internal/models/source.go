package models

import (
	"fmt"
	"time"
)

// SourceType identifies the kind of infrastructure a source or credential targets
type SourceType string

const (
	SourceTypeNetwork   SourceType = "network"
	SourceTypeVCenter   SourceType = "vcenter"
	SourceTypeSatellite SourceType = "satellite"
	SourceTypeOpenShift SourceType = "openshift"
	SourceTypeAnsible   SourceType = "ansible"
	SourceTypeACS       SourceType = "acs"
	SourceTypeRHACS     SourceType = "rhacs"
)

// SourceTypes lists every supported source type in fingerprint priority order
var SourceTypes = []SourceType{
	SourceTypeNetwork,
	SourceTypeVCenter,
	SourceTypeSatellite,
	SourceTypeOpenShift,
	SourceTypeAnsible,
	SourceTypeACS,
	SourceTypeRHACS,
}

// ParseSourceType validates a source type string
func ParseSourceType(s string) (SourceType, error) {
	for _, t := range SourceTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid source type %q", s)
}

// IsACS reports whether t is one of the two container-security console flavours
func (t SourceType) IsACS() bool {
	return t == SourceTypeACS || t == SourceTypeRHACS
}

// DefaultPort returns the port used when a source does not set one
func (t SourceType) DefaultPort() int {
	if t == SourceTypeNetwork {
		return 22
	}
	return 443
}

// SSLOptions controls how HTTP based sources are contacted
type SSLOptions struct {
	SSLCertVerify *bool  `json:"ssl_cert_verify,omitempty"`
	SSLProtocol   string `json:"ssl_protocol,omitempty"` // SSLv23, TLSv1, TLSv1_1, TLSv1_2, TLSv1_3
	DisableSSL    bool   `json:"disable_ssl,omitempty"`
}

// Verify returns the effective certificate verification flag (default true)
func (o SSLOptions) Verify() bool {
	if o.SSLCertVerify == nil {
		return true
	}
	return *o.SSLCertVerify
}

// Source is a user-configured collection of targets of one type
type Source struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	SourceType     SourceType `json:"source_type"`
	Hosts          []string   `json:"hosts"`
	ExcludeHosts   []string   `json:"exclude_hosts,omitempty"`
	Port           int        `json:"port"`
	SSL            SSLOptions `json:"ssl_options"`
	ProxyURL       string     `json:"proxy_url,omitempty"`
	MaxConcurrency int        `json:"max_concurrency,omitempty"` // optional per-source cap, 0 means unset
	CredentialIDs  []int64    `json:"credentials"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EffectivePort returns the configured port or the type default
func (s *Source) EffectivePort() int {
	if s.Port > 0 {
		return s.Port
	}
	return s.SourceType.DefaultPort()
}

// SourceRef is an id-based reference to a source used inside reports
type SourceRef struct {
	ServerID   string     `json:"server_id"`
	SourceName string     `json:"source_name"`
	SourceType SourceType `json:"source_type"`
}
