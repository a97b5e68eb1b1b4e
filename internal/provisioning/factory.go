package provisioning

import (
	"context"
	"fmt"

	"fleetforge/internal/config"
)

// Supported provider names as they appear in deployment configs
const (
	ProviderAWS          = "aws"
	ProviderDigitalOcean = "digitalocean"
	ProviderGCP          = "gcp"
	ProviderYandexCloud  = "yandex_cloud"
	ProviderFly          = "fly"
)

// NewProvisioner creates a provisioner for the named provider using the
// credentials configured for it. An unconfigured provider is an error.
func NewProvisioner(ctx context.Context, provider string, providers config.ProvidersConfig) (Provisioner, error) {
	switch provider {
	case ProviderAWS:
		if providers.AWS == nil {
			return nil, fmt.Errorf("provider %s is not configured", provider)
		}
		return NewAWSProvisioner(ctx, providers.AWS.Region, providers.AWS.AccessKey, providers.AWS.SecretKey)

	case ProviderDigitalOcean:
		if providers.DigitalOcean == nil {
			return nil, fmt.Errorf("provider %s is not configured", provider)
		}
		return NewDOProvisioner(providers.DigitalOcean.Token)

	case ProviderGCP:
		if providers.GCP == nil {
			return nil, fmt.Errorf("provider %s is not configured", provider)
		}
		return NewGCPProvisioner(ctx, providers.GCP.ProjectID, providers.GCP.CredentialsFile)

	case ProviderYandexCloud:
		if providers.YandexCloud == nil {
			return nil, fmt.Errorf("provider %s is not configured", provider)
		}
		return NewYcProvisioner(ctx, providers.YandexCloud.IAMToken, providers.YandexCloud.FolderID)

	case ProviderFly:
		if providers.Fly == nil {
			return nil, fmt.Errorf("provider %s is not configured", provider)
		}
		return NewFlyProvisioner(providers.Fly.APIToken, providers.Fly.App, providers.Fly.BaseURL)

	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// Factory resolves a provider name to a provisioner. The deployment
// orchestrator holds a Factory so tests can substitute fakes.
type Factory func(ctx context.Context, provider string) (Provisioner, error)

// NewFactory binds the configured credentials into a Factory
func NewFactory(providers config.ProvidersConfig) Factory {
	return func(ctx context.Context, provider string) (Provisioner, error) {
		return NewProvisioner(ctx, provider, providers)
	}
}
