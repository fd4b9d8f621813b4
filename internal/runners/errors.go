package runners

import (
	"context"
	"encoding/json"
	"errors"

	"quipucords/internal/clients/network"
	"quipucords/internal/httpsession"
	"quipucords/internal/models"
	"quipucords/internal/secrets"
)

// FailureKind classifies why a target could not be scanned
type FailureKind string

const (
	FailureConfiguration  FailureKind = "configuration"
	FailureAuthentication FailureKind = "authentication"
	FailureReachability   FailureKind = "reachability"
	FailureRemoteAPI      FailureKind = "remote_api"
	FailureParsing        FailureKind = "parsing"
	FailureEngine         FailureKind = "engine"
)

// Classify maps an error to its failure kind and the per-target status it implies
func Classify(err error) (FailureKind, models.InspectStatus) {
	var statusErr *httpsession.StatusError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.Is(err, secrets.ErrDecrypt), errors.Is(err, secrets.ErrMissingMaterial):
		return FailureConfiguration, models.InspectFailed
	case errors.Is(err, httpsession.ErrUnauthorized), errors.Is(err, network.ErrAuthFailed):
		return FailureAuthentication, models.InspectFailed
	case errors.Is(err, httpsession.ErrUnreachable), errors.Is(err, network.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return FailureReachability, models.InspectUnreachable
	case errors.As(err, &statusErr):
		return FailureRemoteAPI, models.InspectFailed
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return FailureParsing, models.InspectFailed
	}
	return FailureEngine, models.InspectFailed
}

// errInterrupted stops target fan-out when the task was canceled or paused
var errInterrupted = errors.New("task interrupted")
