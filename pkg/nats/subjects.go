package nats

// Stream names.
const (
	StreamTrades = "TRADES"
	StreamSystem = "SYSTEM"
)

// Subject formats. Trade subjects carry venue and symbol so consumers
// can filter without decoding payloads.
const (
	subjectTradesRequested   = "trades.requests.%s.%s" // venue, symbol
	subjectTradesExecuted    = "trades.executed.%s.%s" // venue, symbol
	subjectTradesFailed      = "trades.failed.%s.%s"   // venue, symbol
	subjectSystemHealth      = "system.health.%s"      // venue
	subjectSystemDegradation = "system.degradation"

	subjectTradesRequestedAll = "trades.requests.>"
)

// Intake consumer identity. The queue group lets multiple coordinator
// processes share one intent stream without double-executing.
const (
	intakeDurable = "venued-intake"
	intakeQueue   = "venued-intake"
)

var (
	tradesSubjects = []string{"trades.>"}
	systemSubjects = []string{"system.>"}
)
