package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names an inbound webhook category.
type Kind string

const (
	KindActivities      Kind = "activities"
	KindActivityDetails Kind = "activity-details"
	KindPermissions     Kind = "permissions"
	KindDeregistrations Kind = "deregistrations"
)

// ErrMalformedBody indicates the delivery body was not JSON.
var ErrMalformedBody = errors.New("webhooks: malformed body")

// envelopeKeys lists the batch wrapper keys accepted per kind, in order.
var envelopeKeys = map[Kind][]string{
	KindActivities:      {"activities", "activitySummaries", "summaries"},
	KindActivityDetails: {"activityDetails", "details"},
	KindPermissions:     {"userPermissionsChange", "permissionsChanges", "permissionChanges"},
	KindDeregistrations: {"deregistrations"},
}

var userIDKeys = []string{"userId", "user_id", "garminUserId"}

// Delivery is one acknowledged webhook request awaiting processing.
type Delivery struct {
	Kind       Kind
	Body       []byte
	ReceivedAt time.Time
}

// Item is one element of a delivery batch.
type Item struct {
	Index        int
	RemoteUserID string
	Fields       map[string]any
}

// ParseBatch splits a delivery body into items. It accepts the kind's batch
// envelope, a bare array, or a single object. Items without their own user id
// inherit the envelope's root-level user id.
func ParseBatch(kind Kind, body []byte) ([]Item, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var root any
	if err := decoder.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	var (
		elements   []any
		rootUserID string
	)
	switch value := root.(type) {
	case []any:
		elements = value
	case map[string]any:
		rootUserID = userIDOf(value)
		wrapped, found := envelopeOf(kind, value)
		if !found {
			elements = []any{value}
			break
		}
		switch inner := wrapped.(type) {
		case []any:
			elements = inner
		case map[string]any:
			elements = []any{inner}
		default:
			return nil, fmt.Errorf("%w: envelope is %T", ErrMalformedBody, wrapped)
		}
	default:
		return nil, fmt.Errorf("%w: root is %T", ErrMalformedBody, root)
	}

	items := make([]Item, 0, len(elements))
	for index, element := range elements {
		item := Item{Index: index}
		if fields, ok := element.(map[string]any); ok {
			item.Fields = fields
			item.RemoteUserID = userIDOf(fields)
		}
		if item.RemoteUserID == "" {
			item.RemoteUserID = rootUserID
		}
		items = append(items, item)
	}
	return items, nil
}

func envelopeOf(kind Kind, root map[string]any) (any, bool) {
	for _, key := range envelopeKeys[kind] {
		if value, ok := root[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func userIDOf(fields map[string]any) string {
	for _, key := range userIDKeys {
		switch value := fields[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return value.String()
		}
	}
	return ""
}

// permissionsOf reads a permission grant from a `permissions` array or a
// space/comma delimited `scope` string.
func permissionsOf(fields map[string]any) []string {
	switch value := fields["permissions"].(type) {
	case []any:
		out := make([]string, 0, len(value))
		for _, entry := range value {
			if text, ok := entry.(string); ok && strings.TrimSpace(text) != "" {
				out = append(out, strings.TrimSpace(text))
			}
		}
		return out
	case string:
		return splitScope(value)
	}
	if scope, ok := fields["scope"].(string); ok {
		return splitScope(scope)
	}
	return []string{}
}

func splitScope(scope string) []string {
	out := strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if out == nil {
		return []string{}
	}
	return out
}
