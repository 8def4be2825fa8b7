package release

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRef_String(t *testing.T) {
	tests := []struct {
		name     string
		ref      ImageRef
		expected string
	}{
		{"local", ImageRef{Repository: "ledgerscan", Tag: "run-abc123"}, "ledgerscan:run-abc123"},
		{"registry", ImageRef{Registry: "123.dkr.ecr.eu-west-1.amazonaws.com", Repository: "ledgerscan", Tag: "run-abc123"}, "123.dkr.ecr.eu-west-1.amazonaws.com/ledgerscan:run-abc123"},
		{"no tag", ImageRef{Repository: "ledgerscan"}, "ledgerscan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ref.String())
		})
	}
}

func TestImageRef_InRegistry(t *testing.T) {
	local := LocalRef("ledgerscan", "a1b2c3d4")

	remote := local.InRegistry("registry.example.com", "apps/ledgerscan")
	assert.Equal(t, "registry.example.com", remote.Registry)
	assert.Equal(t, "apps/ledgerscan", remote.Repository)
	// The run tag survives re-homing: same artifact, same tag.
	assert.Equal(t, local.Tag, remote.Tag)

	// Empty repository keeps the local name.
	remote = local.InRegistry("registry.example.com", "")
	assert.Equal(t, "ledgerscan", remote.Repository)
}

func TestImageRef_Validate(t *testing.T) {
	require.NoError(t, ImageRef{Repository: "app", Tag: "run-1"}.Validate())

	assert.ErrorIs(t, ImageRef{Tag: "run-1"}.Validate(), ErrInvalidImageRef)
	assert.ErrorIs(t, ImageRef{Repository: "app"}.Validate(), ErrInvalidImageRef)
	assert.ErrorIs(t, ImageRef{Repository: "app", Tag: "bad tag"}.Validate(), ErrInvalidImageRef)
}

func TestLocalRef_TagIsRunScoped(t *testing.T) {
	a := LocalRef("ledgerscan", "aaaa1111")
	b := LocalRef("ledgerscan", "bbbb2222")

	assert.NotEqual(t, a.Tag, b.Tag)
	assert.Equal(t, "ledgerscan:run-aaaa1111", a.String())
}

func TestBuildSpec_Validate(t *testing.T) {
	spec := BuildSpec{RepoURL: "git@example.com:app.git", ImageName: "app"}
	require.NoError(t, spec.Validate())

	assert.ErrorIs(t, BuildSpec{ImageName: "app"}.Validate(), ErrInvalidBuildSpec)
	assert.ErrorIs(t, BuildSpec{RepoURL: "u"}.Validate(), ErrInvalidBuildSpec)
}

func TestBuildSpec_DockerfileName(t *testing.T) {
	assert.Equal(t, "Dockerfile", BuildSpec{}.DockerfileName())
	assert.Equal(t, "docker/app.Dockerfile", BuildSpec{Dockerfile: "docker/app.Dockerfile"}.DockerfileName())
}
