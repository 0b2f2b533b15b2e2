// Package mutation defines the write intents that can be queued while
// offline. Each kind is a concrete type bound to exactly one remote route.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"

	offlinesync "github.com/wolfeidau/offline-sync"
)

// Kind tags a queued mutation.
type Kind string

const (
	KindCheckIn       Kind = "CHECKIN"
	KindCheckInCancel Kind = "CHECKIN_CANCEL"
	KindProfileUpdate Kind = "PROFILE_UPDATE"
	KindMessageCreate Kind = "MESSAGE_CREATE"
)

var (
	// ErrUnknownKind is returned when decoding a kind with no registered type.
	ErrUnknownKind = errors.New("mutation: unknown kind")

	// ErrInvalid is returned when a payload fails validation.
	ErrInvalid = errors.New("mutation: invalid payload")
)

var validate = validator.New()

// Route is the remote request a mutation is applied with.
type Route struct {
	Method string
	Path   string
}

// Mutation is a typed write intent.
type Mutation interface {
	Kind() Kind
	// Route returns the remote request that applies the mutation.
	Route() Route
	// Body returns the JSON request body, or nil for none.
	Body() any
	// Invalidates lists cached resources made stale once the remote accepts
	// the mutation.
	Invalidates() []offlinesync.Resource
	// DedupKey identifies pending mutations that supersede each other.
	// An empty key disables deduplication.
	DedupKey() string
}

// Canceller is implemented by mutations that undo a still-pending mutation.
// Cancels returns the DedupKey of the mutation it undoes.
type Canceller interface {
	Cancels() string
}

// AbsentOK is implemented by mutations for which a 404 from the remote means
// the desired state already holds.
type AbsentOK interface {
	AbsentOK() bool
}

// CheckIn books the user into a slot.
type CheckIn struct {
	SlotID  string `json:"slot_id" validate:"required,max=128"`
	UserID  string `json:"user_id" validate:"required,max=128"`
	CondoID string `json:"condo_id,omitempty" validate:"max=128"`
}

func (CheckIn) Kind() Kind { return KindCheckIn }

func (c CheckIn) Route() Route {
	return Route{Method: http.MethodPost, Path: "/slots/" + url.PathEscape(c.SlotID) + "/checkins"}
}

func (c CheckIn) Body() any { return c }

func (c CheckIn) Invalidates() []offlinesync.Resource {
	res := []offlinesync.Resource{offlinesync.SlotResource(c.SlotID)}
	if c.CondoID != "" {
		res = append(res, offlinesync.CondoScheduleResource(c.CondoID))
	}
	return res
}

// DedupKey is derived from (kind, slot, user): a user books a slot at most once.
func (c CheckIn) DedupKey() string {
	return checkInKey(c.SlotID, c.UserID)
}

// Cancels undoes a pending cancellation of the same booking.
func (c CheckIn) Cancels() string {
	return cancelKey(c.SlotID, c.UserID)
}

// CheckInCancel withdraws the user from a slot.
type CheckInCancel struct {
	SlotID  string `json:"slot_id" validate:"required,max=128"`
	UserID  string `json:"user_id" validate:"required,max=128"`
	CondoID string `json:"condo_id,omitempty" validate:"max=128"`
}

func (CheckInCancel) Kind() Kind { return KindCheckInCancel }

func (c CheckInCancel) Route() Route {
	return Route{
		Method: http.MethodDelete,
		Path:   "/slots/" + url.PathEscape(c.SlotID) + "/checkins/" + url.PathEscape(c.UserID),
	}
}

func (CheckInCancel) Body() any { return nil }

func (c CheckInCancel) Invalidates() []offlinesync.Resource {
	return CheckIn(c).Invalidates()
}

func (c CheckInCancel) DedupKey() string {
	return cancelKey(c.SlotID, c.UserID)
}

func (c CheckInCancel) Cancels() string { return checkInKey(c.SlotID, c.UserID) }

func (CheckInCancel) AbsentOK() bool { return true }

// ProfileUpdate replaces the given profile fields.
type ProfileUpdate struct {
	UserID string         `json:"user_id" validate:"required,max=128"`
	Fields map[string]any `json:"fields" validate:"required,min=1,max=32"`
}

func (ProfileUpdate) Kind() Kind { return KindProfileUpdate }

func (p ProfileUpdate) Route() Route {
	return Route{Method: http.MethodPut, Path: "/users/" + url.PathEscape(p.UserID) + "/profile"}
}

func (p ProfileUpdate) Body() any { return p }

func (p ProfileUpdate) Invalidates() []offlinesync.Resource {
	return []offlinesync.Resource{offlinesync.ProfileResource(p.UserID)}
}

// DedupKey is empty: successive profile updates must all be replayed in order.
func (ProfileUpdate) DedupKey() string { return "" }

// MessageCreate posts a message to a thread.
type MessageCreate struct {
	ThreadID string `json:"thread_id" validate:"required,max=128"`
	AuthorID string `json:"author_id" validate:"required,max=128"`
	Text     string `json:"body" validate:"required,max=4000"`
}

func (MessageCreate) Kind() Kind { return KindMessageCreate }

func (m MessageCreate) Route() Route {
	return Route{Method: http.MethodPost, Path: "/threads/" + url.PathEscape(m.ThreadID) + "/messages"}
}

func (m MessageCreate) Body() any { return m }

func (m MessageCreate) Invalidates() []offlinesync.Resource {
	return []offlinesync.Resource{offlinesync.ThreadResource(m.ThreadID)}
}

func (MessageCreate) DedupKey() string { return "" }

func checkInKey(slotID, userID string) string {
	return offlinesync.HashParts(string(KindCheckIn), slotID, userID).String()
}

func cancelKey(slotID, userID string) string {
	return offlinesync.HashParts(string(KindCheckInCancel), slotID, userID).String()
}

// Validate checks a mutation's payload.
func Validate(m Mutation) error {
	if m == nil {
		return fmt.Errorf("%w: nil mutation", ErrInvalid)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, m.Kind(), err)
	}
	return nil
}

// Encode serializes a mutation's payload.
func Encode(m Mutation) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", m.Kind(), err)
	}
	return data, nil
}

// Decode parses and validates a payload of the given kind.
func Decode(kind Kind, payload []byte) (Mutation, error) {
	var m Mutation
	var err error
	switch kind {
	case KindCheckIn:
		var v CheckIn
		err = json.Unmarshal(payload, &v)
		m = v
	case KindCheckInCancel:
		var v CheckInCancel
		err = json.Unmarshal(payload, &v)
		m = v
	case KindProfileUpdate:
		var v ProfileUpdate
		err = json.Unmarshal(payload, &v)
		m = v
	case KindMessageCreate:
		var v MessageCreate
		err = json.Unmarshal(payload, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalid, kind, err)
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}
