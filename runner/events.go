package runner

type Event interface{}

type Step string

const (
	StepContainers Step = "Creating containers"
	StepUpload     Step = "Uploading input files"
	StepProvision  Step = "Provisioning pool"
	StepJob        Step = "Creating job"
	StepSubmit     Step = "Submitting task"
	StepAwait      Step = "Waiting for the task to complete"
	StepSettle     Step = "Letting outputs settle"
	StepTeardown   Step = "Tearing down"
	StepDownload   Step = "Downloading output"
)

type EventStepStarted struct {
	Step Step
}

type EventStepCompleted struct {
	Step Step
	Err  error
}

// EventCluster forwards an event of the cluster state machine.
type EventCluster struct {
	Event any
}
