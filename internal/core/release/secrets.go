package release

import "sort"

// =============================================================================
// Secret Bundle
// =============================================================================

// Required environment variable names the deployed service cannot start
// without. These are validated by the secret provisioner before the pipeline
// proceeds.
const (
	KeyRegistryAccessKey = "AWS_ACCESS_KEY_ID"
	KeyRegistrySecretKey = "AWS_SECRET_ACCESS_KEY"
	KeyStorageBucket     = "S3_BUCKET_NAME"
	KeyExternalAPIKey    = "OPENAI_API_KEY"
)

// RequiredSecretKeys returns the environment variable names every launch
// needs. The slice is a fresh copy; callers may append to it.
func RequiredSecretKeys() []string {
	return []string{
		KeyRegistryAccessKey,
		KeyRegistrySecretKey,
		KeyStorageBucket,
		KeyExternalAPIKey,
	}
}

// SecretBundle is the run-scoped mapping from environment variable name to
// value. It exists only in memory for the duration of a run: it is never
// written into an image layer, a log line, or any artifact. Launch-time env
// injection is the only consumer of the raw values.
type SecretBundle struct {
	values map[string]string
}

// NewSecretBundle creates an empty bundle.
func NewSecretBundle() *SecretBundle {
	return &SecretBundle{values: make(map[string]string)}
}

// Set stores one entry.
func (b *SecretBundle) Set(name, value string) {
	b.values[name] = value
}

// Get returns the value for name.
func (b *SecretBundle) Get(name string) (string, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Len returns the number of entries.
func (b *SecretBundle) Len() int {
	return len(b.values)
}

// Names returns the entry names in sorted order. Safe to log.
func (b *SecretBundle) Names() []string {
	names := make([]string, 0, len(b.values))
	for k := range b.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Env renders the bundle as sorted KEY=value pairs for container launch.
func (b *SecretBundle) Env() []string {
	env := make([]string, 0, len(b.values))
	for _, name := range b.Names() {
		env = append(env, name+"="+b.values[name])
	}
	return env
}

// Missing returns every required key absent from the bundle, in input order.
func (b *SecretBundle) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if v, ok := b.values[name]; !ok || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Zero wipes all values. Called when the run terminates so secrets never
// outlive the run, on all exit paths.
func (b *SecretBundle) Zero() {
	for k := range b.values {
		b.values[k] = ""
		delete(b.values, k)
	}
}

// String implements fmt.Stringer without exposing values.
func (b *SecretBundle) String() string {
	return "SecretBundle(" + joinNames(b.Names()) + ")"
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
