package agent

// ExecutionMode maps a session's foreground/background distinction onto a
// permission policy mode (see permission.Mode): a foreground session
// defaults to auto, a background one to chat.
type ExecutionMode string

const (
	ExecutionForeground ExecutionMode = "foreground"
	ExecutionBackground ExecutionMode = "background"
)

// Session is the optional per-reply state a caller can thread through
// Loop.Run. A nil *Session means "no session": no usage reporting, no
// session-boundary reset of the repetition monitor, and GOOSE_MAX_TURNS
// governs the turn cap directly.
type Session struct {
	ID         string
	WorkingDir string
	ScheduleID string
	Mode       ExecutionMode
	MaxTurns   int // 0 means "use config default"
	TurnsTaken int
}
