package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"quipucords/internal/logger"
)

// Event kinds emitted by the playbook engine that the inspection runner consumes
const (
	EventOK          = "runner_on_ok"
	EventFailed      = "runner_on_failed"
	EventUnreachable = "runner_on_unreachable"
	EventSkipped     = "runner_on_skipped"
	EventStats       = "playbook_on_stats"
)

// HostVars are the inventory variables of one target
type HostVars struct {
	Name           string
	Address        string
	Port           int
	User           string
	Password       string
	KeyFile        string
	BecomeMethod   string
	BecomeUser     string
	BecomePassword string
}

// RunRequest describes one playbook run
type RunRequest struct {
	Hosts     []HostVars
	ExtraVars map[string]any
	Playbook  string
	Forks     int
	// SSHKey is written to a 0600 file referenced by hosts without a KeyFile
	SSHKey []byte
}

// Event is a decoded engine callback
type Event struct {
	Kind         string
	Host         string
	Task         string
	IgnoreErrors bool
	Result       gjson.Result
}

// PlaybookRunner runs the playbook engine as a subprocess and streams its JSON events
type PlaybookRunner struct {
	Command     string
	ProjectDir  string
	GracePeriod time.Duration
}

// Run executes req and calls handle for each event in arrival order.
// An error from handle stops the subprocess and is returned.
func (r *PlaybookRunner) Run(ctx context.Context, req RunRequest, handle func(Event) error) error {
	dir, err := os.MkdirTemp("", "quipucords-playbook-")
	if err != nil {
		return fmt.Errorf("failed to create private data dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writePrivateData(dir, req); err != nil {
		return err
	}

	playbook := req.Playbook
	if playbook == "" {
		playbook = "inspect.yml"
	}
	args := []string{"run", dir, "--playbook", playbook, "-j"}
	if r.ProjectDir != "" {
		args = append(args, "--project-dir", r.ProjectDir)
	}
	if req.Forks > 0 {
		args = append(args, "--forks", strconv.Itoa(req.Forks))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Command, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to playbook output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.Command, err)
	}

	var handleErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !gjson.ValidBytes(line) {
			continue
		}
		doc := gjson.ParseBytes(line)
		kind := doc.Get("event").String()
		if kind == "" {
			continue
		}
		ev := Event{
			Kind:         kind,
			Host:         doc.Get("event_data.host").String(),
			Task:         doc.Get("event_data.task").String(),
			IgnoreErrors: doc.Get("event_data.ignore_errors").Bool(),
			Result:       doc.Get("event_data.res"),
		}
		if err := handle(ev); err != nil {
			handleErr = err
			cancel()
			break
		}
	}
	if handleErr == nil {
		if err := scanner.Err(); err != nil {
			logger.Logger.Warn().Err(err).Msg("Failed to read playbook output")
		}
	}

	waitErr := cmd.Wait()
	switch {
	case handleErr != nil:
		return handleErr
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		var exitErr *exec.ExitError
		// a non-zero exit reports failed or unreachable hosts already delivered as events
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0 && exitErr.ExitCode() < 4 {
			return nil
		}
		return fmt.Errorf("playbook run failed: %w", waitErr)
	}
	return nil
}

type inventoryHost struct {
	AnsibleHost           string `yaml:"ansible_host"`
	AnsiblePort           int    `yaml:"ansible_port"`
	AnsibleUser           string `yaml:"ansible_user,omitempty"`
	AnsibleSSHPass        string `yaml:"ansible_ssh_pass,omitempty"`
	AnsibleKeyFile        string `yaml:"ansible_ssh_private_key_file,omitempty"`
	AnsibleBecomeMethod   string `yaml:"ansible_become_method,omitempty"`
	AnsibleBecomeUser     string `yaml:"ansible_become_user,omitempty"`
	AnsibleBecomePassword string `yaml:"ansible_become_pass,omitempty"`
}

type inventory struct {
	All struct {
		Hosts map[string]inventoryHost `yaml:"hosts"`
	} `yaml:"all"`
}

// writePrivateData lays out the engine's private data dir: inventory,
// extra vars and key material, all readable by the owner only
func writePrivateData(dir string, req RunRequest) error {
	for _, sub := range []string{"inventory", "env"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return fmt.Errorf("failed to create %s dir: %w", sub, err)
		}
	}

	keyFile := ""
	if len(req.SSHKey) > 0 {
		keyFile = filepath.Join(dir, "env", "ssh_key")
		if err := os.WriteFile(keyFile, req.SSHKey, 0o600); err != nil {
			return fmt.Errorf("failed to write ssh key: %w", err)
		}
	}

	var inv inventory
	inv.All.Hosts = make(map[string]inventoryHost, len(req.Hosts))
	for _, h := range req.Hosts {
		name := h.Name
		if name == "" {
			name = h.Address
		}
		entry := inventoryHost{
			AnsibleHost:           h.Address,
			AnsiblePort:           h.Port,
			AnsibleUser:           h.User,
			AnsibleSSHPass:        h.Password,
			AnsibleKeyFile:        h.KeyFile,
			AnsibleBecomeMethod:   h.BecomeMethod,
			AnsibleBecomeUser:     h.BecomeUser,
			AnsibleBecomePassword: h.BecomePassword,
		}
		if entry.AnsibleKeyFile == "" {
			entry.AnsibleKeyFile = keyFile
		}
		inv.All.Hosts[name] = entry
	}
	if err := writeYAML(filepath.Join(dir, "inventory", "hosts.yml"), inv); err != nil {
		return err
	}

	extra := req.ExtraVars
	if extra == nil {
		extra = map[string]any{}
	}
	return writeYAML(filepath.Join(dir, "env", "extravars"), extra)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
