package runengine

import "github.com/haloruntime/halo/internal/models"

// legalTransitions is the installed-app status state machine. Any (from,
// to) pair absent here is rejected with KindInvalidStatusTransition.
// Same-state transitions are always legal no-ops handled separately.
var legalTransitions = map[models.AppStatus]map[models.AppStatus]bool{
	models.AppStatusActive: {
		models.AppStatusPaused:      true,
		models.AppStatusError:       true,
		models.AppStatusNeedsLogin:  true,
		models.AppStatusWaitingUser: true,
		models.AppStatusUninstalled: true,
	},
	models.AppStatusPaused: {
		models.AppStatusActive:      true,
		models.AppStatusUninstalled: true,
	},
	models.AppStatusError: {
		models.AppStatusActive:      true,
		models.AppStatusPaused:      true,
		models.AppStatusUninstalled: true,
	},
	models.AppStatusNeedsLogin: {
		models.AppStatusActive:      true,
		models.AppStatusPaused:      true,
		models.AppStatusUninstalled: true,
	},
	models.AppStatusWaitingUser: {
		models.AppStatusActive:      true,
		models.AppStatusPaused:      true,
		models.AppStatusError:       true,
		models.AppStatusUninstalled: true,
	},
	models.AppStatusUninstalled: {
		models.AppStatusActive: true,
	},
}

// canTransition reports whether moving an app from `from` to `to` is legal.
// Same-state transitions are always allowed, since callers use them to
// update auxiliary fields (e.g. error_message) without changing status.
func canTransition(from, to models.AppStatus) bool {
	if from == to {
		return true
	}
	targets, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
