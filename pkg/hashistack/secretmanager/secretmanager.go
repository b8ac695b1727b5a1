package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module supplies a Vault client to config.LoadConfig. It is only included by the
// binaries when VAULT_ADDR is set, see Enabled.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func Enabled() bool {
	_, ok := os.LookupEnv("VAULT_ADDR")
	return ok
}

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		zap.L().Error("failed to create vault client", zap.Error(err))
		return nil, err
	}

	return client, nil
}
