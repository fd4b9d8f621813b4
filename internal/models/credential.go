package models

import "time"

// AuthKind discriminates the credential auth material variants
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthSSHKey   AuthKind = "ssh_key"
	AuthToken    AuthKind = "token"
)

// BecomeMethod is the privilege escalation method for network credentials
type BecomeMethod string

const (
	BecomeSudo   BecomeMethod = "sudo"
	BecomeSu     BecomeMethod = "su"
	BecomePbrun  BecomeMethod = "pbrun"
	BecomePfexec BecomeMethod = "pfexec"
	BecomeDoas   BecomeMethod = "doas"
	BecomeDzdo   BecomeMethod = "dzdo"
	BecomeKsu    BecomeMethod = "ksu"
	BecomeRunas  BecomeMethod = "runas"
)

// AuthMaterial is the secret part of a credential. Exactly one variant is populated
// according to Kind. Sensitive fields hold ciphertext while at rest.
type AuthMaterial struct {
	Kind          AuthKind `json:"kind"`
	Password      string   `json:"password,omitempty"`
	SSHKey        string   `json:"ssh_key,omitempty"`
	SSHPassphrase string   `json:"ssh_passphrase,omitempty"`
	AuthToken     string   `json:"auth_token,omitempty"`
}

// Become holds privilege escalation settings (network credentials only)
type Become struct {
	Method   BecomeMethod `json:"become_method,omitempty"`
	User     string       `json:"become_user,omitempty"`
	Password string       `json:"become_password,omitempty"`
}

// Credential represents authentication material for one source type
type Credential struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      SourceType   `json:"cred_type"`
	Username  string       `json:"username,omitempty"`
	Auth      AuthMaterial `json:"-"`
	Become    *Become      `json:"-"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CredentialView is the API representation of a credential; secrets are reduced to flags
type CredentialView struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Type         SourceType   `json:"cred_type"`
	Username     string       `json:"username,omitempty"`
	AuthKind     AuthKind     `json:"auth_type"`
	HasPassword  bool         `json:"has_password"`
	HasSSHKey    bool         `json:"has_ssh_key"`
	HasToken     bool         `json:"has_auth_token"`
	BecomeMethod BecomeMethod `json:"become_method,omitempty"`
	BecomeUser   string       `json:"become_user,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// View strips secret material from a credential
func (c *Credential) View() CredentialView {
	v := CredentialView{
		ID:          c.ID,
		Name:        c.Name,
		Type:        c.Type,
		Username:    c.Username,
		AuthKind:    c.Auth.Kind,
		HasPassword: c.Auth.Password != "",
		HasSSHKey:   c.Auth.SSHKey != "",
		HasToken:    c.Auth.AuthToken != "",
		CreatedAt:   c.CreatedAt,
	}
	if c.Become != nil {
		v.BecomeMethod = c.Become.Method
		v.BecomeUser = c.Become.User
	}
	return v
}
