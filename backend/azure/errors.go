package azure

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/gammadia/batchmpi/cluster"
)

func detailedError(err error) (autorest.DetailedError, bool) {
	var detailed autorest.DetailedError
	if errors.As(err, &detailed) {
		return detailed, true
	}
	var detailedPtr *autorest.DetailedError
	if errors.As(err, &detailedPtr) {
		return *detailedPtr, true
	}
	return autorest.DetailedError{}, false
}

// statusCode returns the HTTP status of a failed call, if the service answered.
func statusCode(err error) (int, bool) {
	detailed, ok := detailedError(err)
	if !ok {
		return 0, false
	}
	if code, ok := detailed.StatusCode.(int); ok && code != 0 {
		return code, true
	}
	if detailed.Response != nil {
		return detailed.Response.StatusCode, true
	}
	return 0, false
}

// serviceCode returns the Batch error code of a failed call, e.g. PoolExists.
func serviceCode(err error) string {
	detailed, ok := detailedError(err)
	if !ok {
		return ""
	}
	var requestErr *azure.RequestError
	if errors.As(detailed.Original, &requestErr) && requestErr.ServiceError != nil {
		return requestErr.ServiceError.Code
	}
	return ""
}

// IsTransient reports whether a Batch call failure is worth retrying:
// throttling, server errors and failures to reach the service at all.
func IsTransient(err error) bool {
	code, ok := statusCode(err)
	if !ok {
		return true
	}
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// translate maps a conflict to the given sentinel and a missing resource to
// cluster.ErrNotFound, keeping the original error in the message.
func translate(err error, conflict error) error {
	code, _ := statusCode(err)
	switch {
	case code == http.StatusConflict && conflict != nil:
		return fmt.Errorf("%w: %v", conflict, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", cluster.ErrNotFound, err)
	default:
		if svc := serviceCode(err); svc != "" {
			return fmt.Errorf("%s: %w", svc, err)
		}
		return err
	}
}
