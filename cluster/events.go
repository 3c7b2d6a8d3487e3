package cluster

type Event interface{}

// Pools

type EventPoolCreated struct {
	Pool     string
	Existing bool
}

type EventNodesObserved struct {
	Pool  string
	Nodes []Node
}

type EventPoolReady struct {
	Pool  string
	Nodes []Node
}

// Tasks

type EventTaskSubmitted struct {
	Job       string
	Task      string
	Instances int
}

type EventTasksObserved struct {
	Job   string
	Tasks []Task
}

type EventTaskCompleted struct {
	Job      string
	Task     string
	ExitCode *int
}

type EventSubtasksObserved struct {
	Job      string
	Task     string
	Subtasks []Subtask
}

type EventTaskFullyCompleted struct {
	Job  string
	Task string
}

// Jobs

type EventJobCompleted struct {
	Job string
}
