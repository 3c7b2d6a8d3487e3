package azure

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gammadia/batchmpi/retry"
)

type Config struct {
	// AccountURL is the Batch account endpoint, e.g. https://myaccount.westeurope.batch.azure.com
	AccountURL string
	// Cloud is the Azure environment name, AzurePublicCloud when empty.
	Cloud string

	// Service principal credentials. When ClientID is empty, the Azure CLI
	// login is used instead.
	TenantID     string
	ClientID     string
	ClientSecret string

	// Retry applies to transient failures of individual calls.
	Retry  retry.Policy
	Logger *slog.Logger
}

func Validate(config Config) error {
	if config.AccountURL == "" {
		return fmt.Errorf("batch account url is required")
	}
	u, err := url.Parse(config.AccountURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("batch account url must be an https url, got '%s'", config.AccountURL)
	}
	if config.ClientID != "" && (config.ClientSecret == "" || config.TenantID == "") {
		return fmt.Errorf("client secret and tenant id are required with a client id")
	}
	return nil
}
