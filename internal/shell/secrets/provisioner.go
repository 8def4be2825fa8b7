// Package secrets materializes runtime secrets from AWS SSM Parameter Store
// into an in-memory bundle for container launch. Nothing is persisted: the
// bundle never touches an image layer, a log line, or disk.
package secrets

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
)

// parameterAPI is the slice of the SSM client the provisioner uses.
type parameterAPI interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Config holds provisioner configuration. Parameters maps SSM parameter names
// to the environment variable each one becomes in the launched container.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Parameters      map[string]string // parameter name -> env var name
}

// Provisioner fetches and validates the run's secret bundle.
type Provisioner struct {
	cfg    Config
	api    parameterAPI
	logger *slog.Logger
}

// NewProvisioner creates a provisioner with static store credentials.
func NewProvisioner(cfg Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	api := ssm.New(ssm.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	return &Provisioner{cfg: cfg, api: api, logger: logger}
}

// newProvisionerWithAPI wires a fake parameter API in tests.
func newProvisionerWithAPI(cfg Config, api parameterAPI, logger *slog.Logger) *Provisioner {
	p := NewProvisioner(cfg, logger)
	p.api = api
	return p
}

// Provision fetches every configured parameter and validates the required
// keys. Every missing key is reported at once so operators can fix all of
// them in one pass, not one failed run at a time.
func (p *Provisioner) Provision(ctx context.Context) (*release.SecretBundle, error) {
	names := make([]string, 0, len(p.cfg.Parameters))
	for name := range p.cfg.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := p.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.StageSecrets, err.Error(), err)
	}

	bundle := release.NewSecretBundle()
	for _, param := range out.Parameters {
		if param.Name == nil || param.Value == nil {
			continue
		}
		envName, ok := p.cfg.Parameters[*param.Name]
		if !ok {
			continue
		}
		bundle.Set(envName, *param.Value)
	}

	// Absent parameters come back in InvalidParameters, all of them at once.
	var missing []string
	for _, name := range out.InvalidParameters {
		if envName, ok := p.cfg.Parameters[name]; ok {
			missing = append(missing, envName)
		} else {
			missing = append(missing, name)
		}
	}
	missing = append(missing, bundle.Missing(release.RequiredSecretKeys())...)
	if len(missing) > 0 {
		return nil, &pipeline.MissingSecretError{Keys: dedupe(missing)}
	}

	p.logger.Info("provisioned secrets", "keys", bundle.Names())
	return bundle, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
