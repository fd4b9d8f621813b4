package testutils

import (
	"encoding/json"
	"fmt"

	"quipucords/internal/models"
)

// DefaultServerID is the server id used by uploaded test sources
const DefaultServerID = "6c0a7a4e-3d2f-4b1e-9a55-0f4c2f1d9e01"

// DefaultReportVersion is an upload report version above any sane minimum
const DefaultReportVersion = "1.2.0+0123abc"

// UploadBuilder is a builder for creating test upload payloads
type UploadBuilder struct {
	req *models.UploadRequest
}

// NewUploadBuilder creates an UploadBuilder for a details report with no sources
func NewUploadBuilder() *UploadBuilder {
	return &UploadBuilder{req: &models.UploadRequest{ReportType: "details"}}
}

// WithReportType overrides the report type
func (b *UploadBuilder) WithReportType(reportType string) *UploadBuilder {
	b.req.ReportType = reportType
	return b
}

// WithSource appends a source block; later WithHost calls add to it
func (b *UploadBuilder) WithSource(name string, sourceType models.SourceType) *UploadBuilder {
	b.req.Sources = append(b.req.Sources, models.UploadSource{
		ServerID:      DefaultServerID,
		ReportVersion: DefaultReportVersion,
		SourceName:    name,
		SourceType:    string(sourceType),
	})
	return b
}

// WithReportVersion sets the report version of the last source
func (b *UploadBuilder) WithReportVersion(version string) *UploadBuilder {
	b.last().ReportVersion = version
	return b
}

// WithServerID sets the server id of the last source
func (b *UploadBuilder) WithServerID(serverID string) *UploadBuilder {
	b.last().ServerID = serverID
	return b
}

// WithHost adds one host's raw facts to the last source
func (b *UploadBuilder) WithHost(facts map[string]any) *UploadBuilder {
	data, err := json.Marshal(facts)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal facts: %v", err))
	}
	src := b.last()
	src.Facts = append(src.Facts, data)
	return b
}

// WithNetworkHosts adds n network hosts with distinct canonical facts to the last source
func (b *UploadBuilder) WithNetworkHosts(n int) *UploadBuilder {
	for i := 1; i <= n; i++ {
		b.WithHost(NetworkHostFacts(i))
	}
	return b
}

// Build returns the payload
func (b *UploadBuilder) Build() *models.UploadRequest {
	return b.req
}

func (b *UploadBuilder) last() *models.UploadSource {
	if len(b.req.Sources) == 0 {
		b.WithSource("uploaded", models.SourceTypeNetwork)
	}
	return &b.req.Sources[len(b.req.Sources)-1]
}

// NetworkHostFacts returns raw network facts for host number i
func NetworkHostFacts(i int) map[string]any {
	return map[string]any{
		"connection_host":         fmt.Sprintf("192.0.2.%d", i),
		"uname_hostname":          fmt.Sprintf("host-%03d.example.com", i),
		"dmi_system_uuid":         fmt.Sprintf("4c4c4544-0000-0000-0000-%012d", i),
		"subscription_manager_id": fmt.Sprintf("b2c1d3e4-0000-0000-0000-%012d", i),
		"etc_release_name":        "Red Hat Enterprise Linux",
		"etc_release_version":     "9.4 (Plow)",
		"ip_address_show_ips":     []string{fmt.Sprintf("192.0.2.%d", i)},
		"ip_address_show_mac":     []string{fmt.Sprintf("52:54:00:00:00:%02x", i%256)},
		"cpu_count":               4,
		"cpu_socket_count":        2,
		"system_memory_bytes":     8 << 30,
	}
}

// CredentialRequestBuilder is a builder for credential request bodies
type CredentialRequestBuilder struct {
	req models.CredentialRequest
}

// NewCredentialRequestBuilder starts a network password credential
func NewCredentialRequestBuilder(name string) *CredentialRequestBuilder {
	return &CredentialRequestBuilder{req: models.CredentialRequest{
		Name:     name,
		CredType: string(models.SourceTypeNetwork),
		Username: "root",
		Password: "secret",
	}}
}

// WithType sets the credential type
func (b *CredentialRequestBuilder) WithType(credType models.SourceType) *CredentialRequestBuilder {
	b.req.CredType = string(credType)
	return b
}

// WithToken switches the credential to token auth
func (b *CredentialRequestBuilder) WithToken(token string) *CredentialRequestBuilder {
	b.req.Username, b.req.Password, b.req.AuthToken = "", "", token
	return b
}

// WithSSHKey switches the credential to key auth
func (b *CredentialRequestBuilder) WithSSHKey(key, passphrase string) *CredentialRequestBuilder {
	b.req.Password, b.req.SSHKey, b.req.SSHPassphrase = "", key, passphrase
	return b
}

// WithBecome sets privilege escalation
func (b *CredentialRequestBuilder) WithBecome(method, user, password string) *CredentialRequestBuilder {
	b.req.BecomeMethod, b.req.BecomeUser, b.req.BecomePassword = method, user, password
	return b
}

// Build returns the request body
func (b *CredentialRequestBuilder) Build() models.CredentialRequest {
	return b.req
}
