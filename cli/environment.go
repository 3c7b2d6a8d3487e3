package main

import (
	"context"
	"fmt"

	azurebackend "github.com/gammadia/batchmpi/backend/azure"
	localbackend "github.com/gammadia/batchmpi/backend/local"
	"github.com/gammadia/batchmpi/blob"
	azureblob "github.com/gammadia/batchmpi/blob/azure"
	localblob "github.com/gammadia/batchmpi/blob/local"
	"github.com/gammadia/batchmpi/cli/flags"
	"github.com/gammadia/batchmpi/cli/log"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/gammadia/batchmpi/ledger"
	etcdledger "github.com/gammadia/batchmpi/ledger/etcd"
	redisledger "github.com/gammadia/batchmpi/ledger/redis"
	"github.com/gammadia/batchmpi/runner"
	"github.com/spf13/viper"
)

// environment holds the collaborators selected by the global flags.
type environment struct {
	backend string
	client  cluster.Client
	store   blob.Store
	ledger  ledger.Ledger
	closers []func() error
}

func openEnvironment(ctx context.Context) (*environment, error) {
	env := &environment{backend: viper.GetString(flags.Backend)}
	if err := env.open(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (env *environment) open(ctx context.Context) (err error) {
	retryPolicy, err := flags.RetryPolicy()
	if err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	switch env.backend {
	case "local":
		store, err := localblob.New(localblob.Config{
			Root:   viper.GetString(flags.LocalBlobRoot),
			Logger: log.Component("blob"),
		})
		if err != nil {
			return fmt.Errorf("unable to create blob store: %w", err)
		}
		client, err := localbackend.New(localbackend.Config{
			Root:   viper.GetString(flags.LocalRoot),
			Image:  viper.GetString(flags.LocalImage),
			Blob:   store,
			Retry:  retryPolicy,
			Logger: log.Base,
		})
		if err != nil {
			return fmt.Errorf("unable to create local backend: %w", err)
		}
		env.store, env.client = store, client
		env.closers = append(env.closers, client.Close)

	case "azure":
		store, err := azureblob.New(azureblob.Config{
			AccountName: viper.GetString(flags.StorageAccountName),
			AccountKey:  viper.GetString(flags.StorageAccountKey),
			Cloud:       viper.GetString(flags.AzureCloud),
			Retry:       retryPolicy,
			Logger:      log.Component("blob"),
		})
		if err != nil {
			return fmt.Errorf("unable to create blob store: %w", err)
		}
		client, err := azurebackend.New(azurebackend.Config{
			AccountURL:   viper.GetString(flags.BatchAccountURL),
			Cloud:        viper.GetString(flags.AzureCloud),
			TenantID:     viper.GetString(flags.TenantID),
			ClientID:     viper.GetString(flags.ClientID),
			ClientSecret: viper.GetString(flags.ClientSecret),
			Retry:        retryPolicy,
			Logger:       log.Base,
		})
		if err != nil {
			return fmt.Errorf("unable to create azure backend: %w", err)
		}
		env.store, env.client = store, client

	default:
		return fmt.Errorf("unknown backend '%s'", env.backend)
	}

	if env.ledger, err = openLedger(ctx, env); err != nil {
		return fmt.Errorf("unable to open ledger '%s': %w", viper.GetString(flags.Ledger), err)
	}
	return nil
}

func openLedger(ctx context.Context, env *environment) (ledger.Ledger, error) {
	logger := log.Component("ledger")

	switch kind := viper.GetString(flags.Ledger); kind {
	case "file":
		path := viper.GetString(flags.LedgerPath)
		if path == "" {
			var err error
			if path, err = ledger.DefaultPath(); err != nil {
				return nil, err
			}
		}
		return ledger.NewFile(path)
	case "etcd":
		l, err := etcdledger.New(etcdledger.Config{
			Endpoints: viper.GetStringSlice(flags.EtcdEndpoints),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, l.Close)
		return l, nil
	case "redis":
		l, err := redisledger.New(ctx, redisledger.Config{
			Addr:     viper.GetString(flags.RedisAddr),
			Password: viper.GetString(flags.RedisPassword),
			DB:       viper.GetInt(flags.RedisDB),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, l.Close)
		return l, nil
	case "none":
		return ledger.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown ledger '%s'", kind)
	}
}

func (env *environment) runnerConfig() runner.Config {
	config := runner.DefaultConfig()
	config.Logger = log.Base
	config.Cluster = flags.ClusterConfig()
	config.Backend = env.backend
	config.URLExpiry = viper.GetDuration(flags.URLExpiry)
	config.TeardownTimeout = viper.GetDuration(flags.TeardownTimeout)
	return config
}

func (env *environment) Close() {
	for i := len(env.closers) - 1; i >= 0; i-- {
		if err := env.closers[i](); err != nil {
			log.Warn("Failed to close collaborator", "error", err)
		}
	}
}
