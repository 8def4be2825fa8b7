// Package pipeline defines the pure deployment pipeline model: the ordered
// stages of a run, per-stage results, and the failure taxonomy shared by all
// components. It has no I/O dependencies.
package pipeline

// Stage identifies one ordered step of the deployment pipeline.
type Stage string

const (
	StageCheckout     Stage = "checkout"
	StageSecrets      Stage = "secrets"
	StageAuthenticate Stage = "authenticate"
	StageBuild        Stage = "build"
	StageTag          Stage = "tag"
	StagePush         Stage = "push"
	StageRetireOld    Stage = "retire-old"
	StageLaunchNew    Stage = "launch-new"
	StageNotify       Stage = "notify"
)

// Stages returns every pipeline stage in execution order.
func Stages() []Stage {
	return []Stage{
		StageCheckout,
		StageSecrets,
		StageAuthenticate,
		StageBuild,
		StageTag,
		StagePush,
		StageRetireOld,
		StageLaunchNew,
		StageNotify,
	}
}

// StageStatus is the recorded outcome of a single stage.
type StageStatus string

const (
	StatusSuccess StageStatus = "success"
	StatusFailure StageStatus = "failure"
	StatusSkipped StageStatus = "skipped"
)
