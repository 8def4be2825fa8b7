// Package registry authenticates to the remote image registry and publishes
// run-tagged images into it.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	registrytypes "github.com/docker/docker/api/types/registry"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
	"github.com/ledgerscan/deployer/internal/core/release"
	"github.com/ledgerscan/deployer/internal/shell/docker"
)

// =============================================================================
// Session
// =============================================================================

// Session is an authenticated registry session: the registry host the token
// was issued for plus the encoded auth the runtime attaches to pushes.
type Session struct {
	Registry    string
	encodedAuth string
	expiresAt   time.Time
}

// EncodedAuth returns the X-Registry-Auth value for push calls.
func (s Session) EncodedAuth() string {
	return s.encodedAuth
}

// =============================================================================
// Token API
// =============================================================================

// tokenAPI is the slice of the ECR client the publisher uses.
type tokenAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// =============================================================================
// Publisher
// =============================================================================

// Config holds publisher configuration. Credentials are injected at
// construction; nothing is read from the ambient environment.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Registry        string // registry host, e.g. 123456789.dkr.ecr.eu-west-1.amazonaws.com
	Repository      string
	PushAttempts    int
	PushBackoff     time.Duration
}

// Publisher authenticates to the registry and pushes tagged images.
type Publisher struct {
	cfg    Config
	api    tokenAPI
	docker docker.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher using static registry credentials.
func NewPublisher(cfg Config, dockerClient docker.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PushAttempts <= 0 {
		cfg.PushAttempts = 3
	}
	if cfg.PushBackoff <= 0 {
		cfg.PushBackoff = 5 * time.Second
	}
	api := ecr.New(ecr.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	return &Publisher{cfg: cfg, api: api, docker: dockerClient, logger: logger}
}

// newPublisherWithAPI wires a fake token API in tests.
func newPublisherWithAPI(cfg Config, api tokenAPI, dockerClient docker.Client, logger *slog.Logger) *Publisher {
	p := NewPublisher(cfg, dockerClient, logger)
	p.api = api
	return p
}

// Authenticate exchanges the static credentials for a registry session token.
// Rejected or expired credentials are fatal: the pipeline must not retry
// without fresh ones.
func (p *Publisher) Authenticate(ctx context.Context) (Session, error) {
	out, err := p.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Session{}, pipeline.NewStageError(pipeline.StageAuthenticate, err.Error(), pipeline.ErrAuthFailed)
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return Session{}, pipeline.NewStageError(pipeline.StageAuthenticate, "registry returned no authorization data", pipeline.ErrAuthFailed)
	}

	auth := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(*auth.AuthorizationToken)
	if err != nil {
		return Session{}, pipeline.NewStageError(pipeline.StageAuthenticate, "malformed authorization token", pipeline.ErrAuthFailed)
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return Session{}, pipeline.NewStageError(pipeline.StageAuthenticate, "malformed authorization token", pipeline.ErrAuthFailed)
	}

	registryHost := p.cfg.Registry
	if registryHost == "" && auth.ProxyEndpoint != nil {
		registryHost = strings.TrimPrefix(*auth.ProxyEndpoint, "https://")
	}

	encoded, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: registryHost,
	})
	if err != nil {
		return Session{}, pipeline.NewStageError(pipeline.StageAuthenticate, "failed to encode registry auth", pipeline.ErrAuthFailed)
	}

	session := Session{Registry: registryHost, encodedAuth: encoded}
	if auth.ExpiresAt != nil {
		session.expiresAt = *auth.ExpiresAt
	}

	p.logger.Info("authenticated to registry", "registry", registryHost)
	return session, nil
}

// Tag re-homes a local image reference into the registry namespace. The
// returned reference carries the run's unique tag.
func (p *Publisher) Tag(ctx context.Context, local release.ImageRef, session Session) (release.ImageRef, error) {
	remote := local.InRegistry(session.Registry, p.cfg.Repository)
	if err := remote.Validate(); err != nil {
		return release.ImageRef{}, pipeline.NewStageError(pipeline.StageTag, err.Error(), pipeline.ErrPushFailed)
	}
	if err := p.docker.TagImage(ctx, local.String(), remote.String()); err != nil {
		return release.ImageRef{}, pipeline.NewStageError(pipeline.StageTag, err.Error(), pipeline.ErrPushFailed)
	}
	p.logger.Info("tagged image", "local", local.String(), "remote", remote.String())
	return remote, nil
}

// Push publishes the remote-tagged image. Pushing the same content under the
// same tag twice is a no-op success at the registry, so the call is
// idempotent. Transient failures get a bounded retry with backoff; credential
// rejections abort immediately.
func (p *Publisher) Push(ctx context.Context, remote release.ImageRef, session Session) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.PushAttempts; attempt++ {
		err := p.docker.PushImage(ctx, remote.String(), session.EncodedAuth())
		if err == nil {
			p.logger.Info("pushed image", "image", remote.String(), "attempt", attempt)
			return nil
		}
		if errors.Is(err, docker.ErrPushUnauthorized) {
			return pipeline.NewStageError(pipeline.StagePush, err.Error(), pipeline.ErrAuthFailed)
		}
		lastErr = err
		p.logger.Warn("push attempt failed",
			"image", remote.String(),
			"attempt", attempt,
			"attempts", p.cfg.PushAttempts,
			"error", err,
		)
		if attempt < p.cfg.PushAttempts {
			select {
			case <-ctx.Done():
				return pipeline.NewStageError(pipeline.StagePush, ctx.Err().Error(), pipeline.ErrPushFailed)
			case <-time.After(p.cfg.PushBackoff * time.Duration(attempt)):
			}
		}
	}
	return pipeline.NewStageError(pipeline.StagePush,
		fmt.Sprintf("push failed after %d attempts: %v", p.cfg.PushAttempts, lastErr), pipeline.ErrPushFailed)
}
