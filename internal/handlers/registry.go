package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"

	"quipucords/internal/models"
	"quipucords/internal/storage"
	"quipucords/internal/targets"
)

var becomeMethods = map[models.BecomeMethod]bool{
	models.BecomeSudo: true, models.BecomeSu: true, models.BecomePbrun: true, models.BecomePfexec: true,
	models.BecomeDoas: true, models.BecomeDzdo: true, models.BecomeKsu: true, models.BecomeRunas: true,
}

// validateCredential checks a credential request and builds the plaintext credential
func validateCredential(req models.CredentialRequest) (*models.Credential, error) {
	var errs *multierror.Error

	if req.Name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}
	credType, err := models.ParseSourceType(req.CredType)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cred_type: %w", err))
		return nil, errs
	}

	cred := &models.Credential{Name: req.Name, Type: credType, Username: req.Username}
	hasBecome := req.BecomeMethod != "" || req.BecomeUser != "" || req.BecomePassword != ""

	switch {
	case credType == models.SourceTypeNetwork:
		if req.Username == "" {
			errs = multierror.Append(errs, errors.New("username is required"))
		}
		switch {
		case req.Password != "" && req.SSHKey != "":
			errs = multierror.Append(errs, errors.New("password and ssh_key are mutually exclusive"))
		case req.Password != "":
			cred.Auth = models.AuthMaterial{Kind: models.AuthPassword, Password: req.Password}
		case req.SSHKey != "":
			cred.Auth = models.AuthMaterial{Kind: models.AuthSSHKey, SSHKey: req.SSHKey, SSHPassphrase: req.SSHPassphrase}
		default:
			errs = multierror.Append(errs, errors.New("one of password or ssh_key is required"))
		}
		if req.SSHPassphrase != "" && req.SSHKey == "" {
			errs = multierror.Append(errs, errors.New("ssh_passphrase requires ssh_key"))
		}
		if req.AuthToken != "" {
			errs = multierror.Append(errs, errors.New("auth_token is not supported for network credentials"))
		}
		if hasBecome {
			method := models.BecomeMethod(req.BecomeMethod)
			if method == "" {
				method = models.BecomeSudo
			}
			if !becomeMethods[method] {
				errs = multierror.Append(errs, fmt.Errorf("invalid become_method %q", req.BecomeMethod))
			}
			cred.Become = &models.Become{Method: method, User: req.BecomeUser, Password: req.BecomePassword}
		}

	case credType.IsACS():
		if req.AuthToken == "" {
			errs = multierror.Append(errs, errors.New("auth_token is required"))
		}
		if req.Password != "" || req.SSHKey != "" {
			errs = multierror.Append(errs, fmt.Errorf("%s credentials only accept auth_token", credType))
		}
		cred.Auth = models.AuthMaterial{Kind: models.AuthToken, AuthToken: req.AuthToken}

	case credType == models.SourceTypeOpenShift && req.AuthToken != "":
		if req.Password != "" || req.SSHKey != "" {
			errs = multierror.Append(errs, errors.New("auth_token and password are mutually exclusive"))
		}
		cred.Auth = models.AuthMaterial{Kind: models.AuthToken, AuthToken: req.AuthToken}

	default:
		if req.Username == "" || req.Password == "" {
			errs = multierror.Append(errs, errors.New("username and password are required"))
		}
		if req.SSHKey != "" || req.AuthToken != "" {
			errs = multierror.Append(errs, fmt.Errorf("%s credentials only accept username and password", credType))
		}
		cred.Auth = models.AuthMaterial{Kind: models.AuthPassword, Password: req.Password}
	}

	if hasBecome && credType != models.SourceTypeNetwork {
		errs = multierror.Append(errs, errors.New("become options are only supported for network credentials"))
	}
	if req.SSHPassphrase != "" && credType != models.SourceTypeNetwork {
		errs = multierror.Append(errs, errors.New("ssh_passphrase is only supported for network credentials"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cred, nil
}

// credentialMatches reports whether a credential can authenticate against a source type
func credentialMatches(cred *models.Credential, sourceType models.SourceType) bool {
	if cred.Type == sourceType {
		return true
	}
	return cred.Type.IsACS() && sourceType.IsACS()
}

// validateSource checks a source request. creds holds the referenced
// credentials in request order, nil for ids that do not exist.
func validateSource(req models.SourceRequest, creds []*models.Credential) (*models.Source, error) {
	var errs *multierror.Error

	if req.Name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}
	sourceType, err := models.ParseSourceType(req.SourceType)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("source_type: %w", err))
		return nil, errs
	}

	switch {
	case len(req.Hosts) == 0:
		errs = multierror.Append(errs, errors.New("hosts must contain at least one entry"))
	case sourceType == models.SourceTypeNetwork:
		if err := targets.Validate(req.Hosts); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("hosts: %w", err))
		}
		if err := targets.Validate(req.ExcludeHosts); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("exclude_hosts: %w", err))
		}
	default:
		if len(req.Hosts) != 1 {
			errs = multierror.Append(errs, fmt.Errorf("%s sources take exactly one host", sourceType))
		}
		if len(req.ExcludeHosts) > 0 {
			errs = multierror.Append(errs, errors.New("exclude_hosts is only supported for network sources"))
		}
	}

	if req.Port < 0 || req.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("port must be between 0 and 65535: %d", req.Port))
	}
	if req.MaxConcurrency < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_concurrency must not be negative: %d", req.MaxConcurrency))
	}
	if req.SSLOptions != nil && sourceType == models.SourceTypeNetwork {
		errs = multierror.Append(errs, errors.New("ssl_options are not supported for network sources"))
	}
	if req.ProxyURL != "" {
		if u, err := url.Parse(req.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("proxy_url must be an absolute URL: %q", req.ProxyURL))
		}
	}

	switch {
	case len(req.Credentials) == 0:
		errs = multierror.Append(errs, errors.New("credentials must contain at least one id"))
	case sourceType != models.SourceTypeNetwork && len(req.Credentials) > 1:
		errs = multierror.Append(errs, fmt.Errorf("%s sources take exactly one credential", sourceType))
	}
	for i, cred := range creds {
		switch {
		case cred == nil:
			errs = multierror.Append(errs, fmt.Errorf("credential %d does not exist", req.Credentials[i]))
		case !credentialMatches(cred, sourceType):
			errs = multierror.Append(errs, fmt.Errorf("credential %d has type %s, source needs %s", cred.ID, cred.Type, sourceType))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	src := &models.Source{
		Name:           req.Name,
		SourceType:     sourceType,
		Hosts:          req.Hosts,
		ExcludeHosts:   req.ExcludeHosts,
		Port:           req.Port,
		ProxyURL:       req.ProxyURL,
		MaxConcurrency: req.MaxConcurrency,
		CredentialIDs:  req.Credentials,
	}
	if req.SSLOptions != nil {
		src.SSL = *req.SSLOptions
	}
	return src, nil
}

// validateScan checks a scan request. sources holds the referenced sources
// in request order, nil for ids that do not exist.
func validateScan(req models.ScanRequest, sources []*models.Source, maxConcurrency int) (*models.Scan, error) {
	var errs *multierror.Error

	if req.Name == "" {
		errs = multierror.Append(errs, errors.New("name is required"))
	}
	scanType := models.ScanType(req.ScanType)
	switch scanType {
	case "":
		scanType = models.ScanTypeInspect
	case models.ScanTypeInspect, models.ScanTypeConnect:
	default:
		errs = multierror.Append(errs, fmt.Errorf("scan_type must be one of: connect, inspect (got: %s)", req.ScanType))
	}

	if len(req.Sources) == 0 {
		errs = multierror.Append(errs, errors.New("sources must contain at least one id"))
	}
	for i, src := range sources {
		if src == nil {
			errs = multierror.Append(errs, fmt.Errorf("source %d does not exist", req.Sources[i]))
		}
	}

	var opts models.ScanOptions
	if req.Options != nil {
		opts = *req.Options
	}
	if opts.MaxConcurrency < 0 || opts.MaxConcurrency > maxConcurrency {
		errs = multierror.Append(errs, fmt.Errorf("max_concurrency must be between 0 and %d: %d", maxConcurrency, opts.MaxConcurrency))
	}
	if opts.ExtendedSearch != nil {
		for _, dir := range opts.ExtendedSearch.SearchDirectories {
			if !filepath.IsAbs(dir) {
				errs = multierror.Append(errs, fmt.Errorf("search directory must be absolute: %q", dir))
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &models.Scan{Name: req.Name, ScanType: scanType, SourceIDs: req.Sources, Options: opts}, nil
}

// validationFailed writes a 400 listing every validation problem
func validationFailed(c *gin.Context, err error) {
	details := []string{err.Error()}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		details = details[:0]
		for _, e := range merr.Errors {
			details = append(details, e.Error())
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
}

// CreateCredential stores a new credential with its secrets sealed
func (h *Handlers) CreateCredential(c *gin.Context) {
	var req models.CredentialRequest
	if !bindJSON(c, &req) {
		return
	}
	cred, err := validateCredential(req)
	if err != nil {
		validationFailed(c, err)
		return
	}
	if err := h.codec.SealCredential(cred); err != nil {
		h.fail(c, err, "seal credential")
		return
	}
	if err := h.storage.CreateCredential(c.Request.Context(), cred); err != nil {
		h.fail(c, err, "create credential")
		return
	}
	c.JSON(http.StatusCreated, cred.View())
}

// UpdateCredential replaces a credential; its type cannot change
func (h *Handlers) UpdateCredential(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.CredentialRequest
	if !bindJSON(c, &req) {
		return
	}
	cred, err := validateCredential(req)
	if err != nil {
		validationFailed(c, err)
		return
	}
	cred.ID = id
	if err := h.codec.SealCredential(cred); err != nil {
		h.fail(c, err, "seal credential")
		return
	}
	if err := h.storage.UpdateCredential(c.Request.Context(), cred); err != nil {
		h.fail(c, err, "update credential")
		return
	}
	c.JSON(http.StatusOK, cred.View())
}

// ListCredentials returns every credential without secret material
func (h *Handlers) ListCredentials(c *gin.Context) {
	creds, err := h.storage.ListCredentials(c.Request.Context())
	if err != nil {
		h.fail(c, err, "list credentials")
		return
	}
	views := make([]models.CredentialView, 0, len(creds))
	for _, cred := range creds {
		views = append(views, cred.View())
	}
	c.JSON(http.StatusOK, gin.H{"results": views, "count": len(views)})
}

// GetCredential returns one credential without secret material
func (h *Handlers) GetCredential(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cred, err := h.storage.GetCredential(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get credential")
		return
	}
	c.JSON(http.StatusOK, cred.View())
}

// lookupCredentials loads the referenced credentials, nil for missing ids
func (h *Handlers) lookupCredentials(ctx context.Context, ids []int64) ([]*models.Credential, error) {
	out := make([]*models.Credential, len(ids))
	for i, id := range ids {
		cred, err := h.storage.GetCredential(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			out[i] = cred
		}
	}
	return out, nil
}

// CreateSource stores a new source
func (h *Handlers) CreateSource(c *gin.Context) {
	var req models.SourceRequest
	if !bindJSON(c, &req) {
		return
	}
	creds, err := h.lookupCredentials(c.Request.Context(), req.Credentials)
	if err != nil {
		h.fail(c, err, "load credentials")
		return
	}
	src, err := validateSource(req, creds)
	if err != nil {
		validationFailed(c, err)
		return
	}
	if err := h.storage.CreateSource(c.Request.Context(), src); err != nil {
		h.fail(c, err, "create source")
		return
	}
	c.JSON(http.StatusCreated, src)
}

// ListSources returns every source
func (h *Handlers) ListSources(c *gin.Context) {
	sources, err := h.storage.ListSources(c.Request.Context())
	if err != nil {
		h.fail(c, err, "list sources")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": sources, "count": len(sources)})
}

// GetSource returns one source
func (h *Handlers) GetSource(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	src, err := h.storage.GetSource(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get source")
		return
	}
	c.JSON(http.StatusOK, src)
}

// CreateScan stores a new scan definition
func (h *Handlers) CreateScan(c *gin.Context) {
	var req models.ScanRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	sources := make([]*models.Source, len(req.Sources))
	for i, id := range req.Sources {
		src, err := h.storage.GetSource(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			h.fail(c, err, "load sources")
			return
		default:
			sources[i] = src
		}
	}
	scan, err := validateScan(req, sources, h.cfg.MaxConcurrency)
	if err != nil {
		validationFailed(c, err)
		return
	}
	if err := h.storage.CreateScan(ctx, scan); err != nil {
		h.fail(c, err, "create scan")
		return
	}
	c.JSON(http.StatusCreated, scan)
}

// ListScans returns every scan definition
func (h *Handlers) ListScans(c *gin.Context) {
	scans, err := h.storage.ListScans(c.Request.Context())
	if err != nil {
		h.fail(c, err, "list scans")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": scans, "count": len(scans)})
}

// GetScan returns one scan definition
func (h *Handlers) GetScan(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	scan, err := h.storage.GetScan(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get scan")
		return
	}
	c.JSON(http.StatusOK, scan)
}

// DeleteScan removes a scan and its jobs; a scan with an active job is kept
func (h *Handlers) DeleteScan(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if job, err := h.storage.ActiveJobForScan(ctx, id); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "scan has an active job", "job_id": job.ID})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.fail(c, err, "check scan jobs")
		return
	}
	if err := h.storage.DeleteScan(ctx, id); err != nil {
		h.fail(c, err, "delete scan")
		return
	}
	c.Status(http.StatusNoContent)
}
