// Package network reaches managed hosts over SSH and drives the playbook
// engine that collects their raw facts.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"quipucords/internal/secrets"
)

var (
	// ErrAuthFailed is returned when the host rejects every offered auth method
	ErrAuthFailed = errors.New("ssh authentication failed")
	// ErrUnreachable is returned when no SSH session could be established
	ErrUnreachable = errors.New("ssh host unreachable")
)

// Connector checks SSH reachability and authentication of a host
type Connector struct {
	Timeout time.Duration
}

// NewConnector creates a connector with the given per-host timeout
func NewConnector(timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Connector{Timeout: timeout}
}

// AuthMethods builds SSH auth methods from decrypted credential material
func AuthMethods(p *secrets.Plaintext) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(p.SSHKey) > 0 {
		var signer ssh.Signer
		var err error
		if len(p.SSHPassphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(p.SSHKey, p.SSHPassphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(p.SSHKey)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(p.Password) > 0 {
		password := string(p.Password)
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}))
	}
	if len(methods) == 0 {
		return nil, secrets.ErrMissingMaterial
	}
	return methods, nil
}

// Check dials host:port and completes the SSH handshake and authentication
func (c *Connector) Check(ctx context.Context, host string, port int, p *secrets.Plaintext) error {
	methods, err := AuthMethods(p)
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // inventory targets have no known_hosts entry
		Timeout:         c.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.Timeout)
	}
	conn.SetDeadline(deadline)

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return classify(err)
	}
	defer clientConn.Close()

	go ssh.DiscardRequests(reqs)
	go func() {
		for ch := range chans {
			ch.Reject(ssh.Prohibited, "no channels")
		}
	}()
	return nil
}

func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
