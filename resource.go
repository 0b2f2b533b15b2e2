// Package offlinesync is a client-resident synchronization core: a TTL-bounded
// read cache, a durable outbox of offline mutations and the orchestration that
// reconciles them against a remote API.
package offlinesync

import (
	"net/url"
	"time"
)

// Tier selects a cache freshness window for a resource kind.
type Tier int

const (
	// TierShort is for frequently changing lists such as notices.
	TierShort Tier = iota
	// TierMedium is for schedules and activity catalogs.
	TierMedium
	// TierLong is for user profiles and static catalogs.
	TierLong
)

// Default TTLs for each tier.
const (
	TTLShort  = 5 * time.Minute
	TTLMedium = 30 * time.Minute
	TTLLong   = 24 * time.Hour
)

// TTL returns the freshness window for the tier.
func (t Tier) TTL() time.Duration {
	switch t {
	case TierShort:
		return TTLShort
	case TierLong:
		return TTLLong
	default:
		return TTLMedium
	}
}

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierMedium:
		return "medium"
	case TierLong:
		return "long"
	default:
		return "unknown"
	}
}

// Resource identifies a remotely readable document and where it is cached.
type Resource struct {
	// Key is the cache key, e.g. "schedule:<slot>".
	Key string
	// Path is the remote GET path that returns the document.
	Path string
	// Tier picks the cache TTL.
	Tier Tier
}

// SlotResource is the capacity snapshot of a single bookable slot.
func SlotResource(slotID string) Resource {
	return Resource{Key: "schedule:" + slotID, Path: "/slots/" + url.PathEscape(slotID), Tier: TierMedium}
}

// CondoScheduleResource is the schedule list of a condominium.
func CondoScheduleResource(condoID string) Resource {
	return Resource{Key: "schedules:" + condoID, Path: "/condos/" + url.PathEscape(condoID) + "/schedules", Tier: TierMedium}
}

// ActivitiesResource is the activity catalog of a condominium.
func ActivitiesResource(condoID string) Resource {
	return Resource{Key: "activities:" + condoID, Path: "/condos/" + url.PathEscape(condoID) + "/activities", Tier: TierMedium}
}

// NoticesResource is the notice board of a condominium.
func NoticesResource(condoID string) Resource {
	return Resource{Key: "notices:" + condoID, Path: "/condos/" + url.PathEscape(condoID) + "/notices", Tier: TierShort}
}

// ProfileResource is a user's profile.
func ProfileResource(userID string) Resource {
	return Resource{Key: "profile:" + userID, Path: "/users/" + url.PathEscape(userID) + "/profile", Tier: TierLong}
}

// ThreadResource is the message list of a conversation thread.
func ThreadResource(threadID string) Resource {
	return Resource{Key: "thread:" + threadID, Path: "/threads/" + url.PathEscape(threadID) + "/messages", Tier: TierShort}
}

// SlotSnapshot is the server's view of a bookable slot as returned by
// GET /slots/{slot}.
type SlotSnapshot struct {
	SlotID    string `json:"slot_id"`
	Capacity  int    `json:"capacity"`
	Confirmed int    `json:"confirmed"`
}
