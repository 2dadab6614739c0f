package loaner

import (
	"loaner/core/events"
	"loaner/crypto"
)

const (
	EventTypeCommunityAdded   = "registry.community_added"
	EventTypePoolAdded        = "registry.pool_added"
	EventTypeLoanTokenCreated = "registry.loan_created"
	EventTypeAdminAdded       = "registry.admin_added"
	EventTypeAdminRemoved     = "registry.admin_removed"
	EventTypeModulePaused     = "registry.module_paused"
	EventTypeModuleResumed    = "registry.module_resumed"
)

func registryEvent(eventType string, actor crypto.Address, attrs map[string]string) events.Payload {
	if attrs == nil {
		attrs = make(map[string]string, 1)
	}
	if !actor.IsZero() {
		attrs["actor"] = actor.String()
	}
	return events.New(eventType, attrs)
}
