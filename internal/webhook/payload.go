package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent indicates the payload is missing a field the handler
// requires. Routed to a 400 response; details are logged server-side only.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event is one parsed webhook delivery. DeliveryID is the svix-id header
// value, the most reliable identifier for deduplication.
type Event struct {
	Type       string
	DeliveryID string
	Raw        []byte

	root map[string]any
}

// ParseEvent decodes the raw body. The type field is required; everything
// else is extracted lazily, since providers vary payload shapes per event
// type and version.
func ParseEvent(deliveryID string, body []byte) (*Event, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eventType, _ := root["type"].(string)
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	return &Event{
		Type:       eventType,
		DeliveryID: deliveryID,
		Raw:        body,
		root:       root,
	}, nil
}

// Get walks a dot-separated path from the event root and returns the string
// value found there. Numeric leaves are formatted; missing or non-scalar
// nodes yield "".
func (e *Event) Get(path string) string {
	node := any(e.root)
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = m[seg]
	}

	switch v := node.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Has reports whether the dot-separated path exists in the payload,
// regardless of the value's type.
func (e *Event) Has(path string) bool {
	node := any(e.root)
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return false
		}
		node, ok = m[seg]
		if !ok {
			return false
		}
	}
	return true
}

// first returns the value at the first path that yields a non-empty string.
// Every multi-location extraction in this package goes through an ordered
// path list so the priority order is written down exactly once per field.
func (e *Event) first(paths ...string) string {
	for _, p := range paths {
		if v := e.Get(p); v != "" {
			return v
		}
	}
	return ""
}

// ExternalEventID derives the best-effort unique id for this delivery:
// the transport delivery id, then explicit event id fields, then a
// composite of instance id and timestamp as a last resort. Empty when
// nothing usable is present.
func (e *Event) ExternalEventID(now func() time.Time) string {
	if e.DeliveryID != "" {
		return e.DeliveryID
	}
	if id := e.first("svix_id", "id", "event_id"); id != "" {
		return id
	}
	if instance := e.Get("instance_id"); instance != "" {
		ts := e.Get("timestamp")
		if ts == "" {
			ts = strconv.FormatInt(now().UnixMilli(), 10)
		}
		// instance_id is not unique per event; pairing it with the delivery
		// timestamp is the closest available approximation.
		return instance + "_" + ts
	}
	return ""
}

// UserExternalID extracts the external user id referenced by the event,
// trying the documented payload locations in priority order.
func (e *Event) UserExternalID() string {
	return e.first(
		"data.public_user_data.user_id",
		"data.user_id",
		"data.user.id",
		"data.created_by",
		"data.updated_by",
		"data.public_metadata.user_id",
		"data.private_metadata.user_id",
		"user_id",
		"created_by",
		"updated_by",
	)
}

// OrgExternalID extracts the external organization id referenced by the
// event.
func (e *Event) OrgExternalID() string {
	return e.first(
		"data.organization_id",
		"data.organization.id",
	)
}

// RoleName extracts the membership role, trying the explicit field, public
// metadata, then the nested user data. Empty means the provider omitted
// role information and the caller should fall back to the default role.
func (e *Event) RoleName() string {
	return e.first(
		"data.role",
		"data.public_metadata.role",
		"data.public_user_data.role",
	)
}

// Email extracts the user email. The primary location is the
// email_addresses array, whose entries have varied shape across provider
// payload versions.
func (e *Event) Email() string {
	data, _ := e.root["data"].(map[string]any)
	if addresses, ok := data["email_addresses"].([]any); ok && len(addresses) > 0 {
		switch entry := addresses[0].(type) {
		case map[string]any:
			if v, ok := entry["email_address"].(string); ok && v != "" {
				return v
			}
			if v, ok := entry["email"].(string); ok && v != "" {
				return v
			}
		case string:
			return entry
		}
	}

	return e.first("data.primary_email_address", "data.email")
}
