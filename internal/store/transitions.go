package store

import "hqms/token-service/internal/models"

const (
	ActionCall     = "call"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionComplete: {models.StatusCalled},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses an action may leave, in table order.
func AllowedFrom(action string) []string {
	return transitionMap[action]
}

// TargetStatus maps an action to the status it produces.
func TargetStatus(action string) (string, bool) {
	switch action {
	case ActionCall:
		return models.StatusCalled, true
	case ActionComplete:
		return models.StatusCompleted, true
	case ActionCancel:
		return models.StatusCancelled, true
	default:
		return "", false
	}
}

// EventType maps an action to the outbox event it records.
func EventType(action string) string {
	switch action {
	case ActionCall:
		return EventTokenCalled
	case ActionComplete:
		return EventTokenCompleted
	case ActionCancel:
		return EventTokenCancelled
	default:
		return ""
	}
}
