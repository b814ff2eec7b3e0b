package relay

const (
	agentConnectedSubject    = "filerelay.agents.connected"
	agentDisconnectedSubject = "filerelay.agents.disconnected"
	downloadStartedSubject   = "filerelay.downloads.started"
	downloadFinishedSubject  = "filerelay.downloads.finished"
)

// EventSubjects lists every subject the relay publishes on.
var EventSubjects = []string{
	agentConnectedSubject,
	agentDisconnectedSubject,
	downloadStartedSubject,
	downloadFinishedSubject,
}

// EventStream is the JetStream stream that captures EventSubjects.
const EventStream = "FILERELAY"
