package models

// CredentialRequest is the body of POST /credentials/
type CredentialRequest struct {
	Name           string `json:"name"`
	CredType       string `json:"cred_type"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	SSHKey         string `json:"ssh_key"`
	SSHPassphrase  string `json:"ssh_passphrase"`
	AuthToken      string `json:"auth_token"`
	BecomeMethod   string `json:"become_method"`
	BecomeUser     string `json:"become_user"`
	BecomePassword string `json:"become_password"`
}

// SourceRequest is the body of POST /sources/
type SourceRequest struct {
	Name           string      `json:"name"`
	SourceType     string      `json:"source_type"`
	Hosts          []string    `json:"hosts"`
	ExcludeHosts   []string    `json:"exclude_hosts"`
	Port           int         `json:"port"`
	Credentials    []int64     `json:"credentials"`
	SSLOptions     *SSLOptions `json:"ssl_options"`
	ProxyURL       string      `json:"proxy_url"`
	MaxConcurrency int         `json:"max_concurrency"`
}

// ScanRequest is the body of POST /scans/
type ScanRequest struct {
	Name     string       `json:"name"`
	ScanType string       `json:"scan_type"`
	Sources  []int64      `json:"sources"`
	Options  *ScanOptions `json:"options"`
}

// JobResponse is returned when a job is queued or changes state
type JobResponse struct {
	JobID  int64  `json:"id"`
	Status Status `json:"status"`
}
