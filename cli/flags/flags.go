package flags

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gammadia/batchmpi/backend/local"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/retry"
	"github.com/gammadia/batchmpi/runner"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"

	Backend          = "backend"
	PollInterval     = "poll-interval"
	ResizeTimeout    = "resize-timeout"
	ProvisionTimeout = "provision-timeout"
	ClampSubtaskWait = "clamp-subtask-wait"
	URLExpiry        = "url-expiry"
	TeardownTimeout  = "teardown-timeout"

	RetryStrategy = "retry-strategy"
	RetryAttempts = "retry-attempts"
	RetryBackoff  = "retry-backoff"

	Ledger        = "ledger"
	LedgerPath    = "ledger-path"
	EtcdEndpoints = "etcd-endpoints"
	RedisAddr     = "redis-addr"
	RedisPassword = "redis-password"
	RedisDB       = "redis-db"

	LocalRoot     = "local-root"
	LocalImage    = "local-image"
	LocalBlobRoot = "local-blob-root"

	AzureCloud         = "azure-cloud"
	BatchAccountURL    = "batch-account-url"
	TenantID           = "tenant-id"
	ClientID           = "client-id"
	ClientSecret       = "client-secret"
	StorageAccountName = "storage-account-name"
	StorageAccountKey  = "storage-account-key"
)

// Init registers the global flags on flags and binds them to viper, so that
// each of them can also be set with a BATCHMPI_ environment variable.
func Init(flags *flag.FlagSet) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	dataDir := filepath.Join(cacheDir, "batchmpi")
	retryPolicy := retry.DefaultPolicy()

	// Logging
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")

	// Cluster
	flags.String(Backend, "local", "cluster backend to use (local, azure)")
	flags.Duration(PollInterval, cluster.DefaultPollInterval, "how long to wait between two polls of the control plane")
	flags.Duration(ResizeTimeout, cluster.DefaultResizeTimeout, "how long the control plane may take to allocate the nodes")
	flags.Duration(ProvisionTimeout, 0, "how long to wait for the nodes to be ready (0 waits for the resize timeout)")
	flags.Bool(ClampSubtaskWait, false, "bound the subtask wait by the job max runtime")
	flags.Duration(URLExpiry, runner.DefaultURLExpiry, "validity of the signed container urls")
	flags.Duration(TeardownTimeout, runner.DefaultTeardownTimeout, "how long teardown may take")

	// Retries
	flags.String(RetryStrategy, string(retryPolicy.Strategy), "retry strategy for transient failures (none, linear, exponential)")
	flags.Int(RetryAttempts, retryPolicy.Attempts, "maximum attempts per call")
	flags.Duration(RetryBackoff, retryPolicy.Backoff, "base delay between two attempts")

	// Ledger
	flags.String(Ledger, "file", "where to record created resources (file, etcd, redis, none)")
	flags.String(LedgerPath, "", "ledger file (defaults to the user configuration directory)")
	flags.StringSlice(EtcdEndpoints, nil, "etcd endpoints of the ledger")
	flags.String(RedisAddr, "", "redis address of the ledger")
	flags.String(RedisPassword, "", "redis password of the ledger")
	flags.Int(RedisDB, 0, "redis database of the ledger")

	// Local
	flags.String(LocalRoot, filepath.Join(dataDir, "nodes"), "directory holding the node directories")
	flags.String(LocalImage, local.DefaultImage, "docker image of the nodes")
	flags.String(LocalBlobRoot, filepath.Join(dataDir, "blobs"), "directory holding the blob containers")

	// Azure
	flags.String(AzureCloud, "", "azure environment name")
	flags.String(BatchAccountURL, "", "batch account url")
	flags.String(TenantID, "", "service principal tenant id")
	flags.String(ClientID, "", "service principal client id (the azure cli login is used when empty)")
	flags.String(ClientSecret, "", "service principal secret")
	flags.String(StorageAccountName, "", "storage account name")
	flags.String(StorageAccountKey, "", "storage account key")

	viper.SetEnvPrefix("batchmpi")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}

func RetryPolicy() (retry.Policy, error) {
	strategy, err := retry.ParseStrategy(viper.GetString(RetryStrategy))
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		Strategy: strategy,
		Attempts: viper.GetInt(RetryAttempts),
		Backoff:  viper.GetDuration(RetryBackoff),
	}, nil
}

func ClusterConfig() cluster.Config {
	return cluster.Config{
		PollInterval:     viper.GetDuration(PollInterval),
		ResizeTimeout:    viper.GetDuration(ResizeTimeout),
		ProvisionTimeout: viper.GetDuration(ProvisionTimeout),
		SubtaskTimeout:   cluster.DefaultSubtaskTimeout,
		ClampSubtaskWait: viper.GetBool(ClampSubtaskWait),
	}
}
