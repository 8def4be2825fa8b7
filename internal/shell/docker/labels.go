package docker

// Labels applied to images built and containers launched by the deployer.
const (
	LabelManaged   = "deployer.managed"
	LabelSourceRef = "deployer.source-ref"
	LabelRunID     = "deployer.run-id"
)
