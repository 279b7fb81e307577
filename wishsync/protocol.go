package wishsync

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

// intent kinds sent to the server
const (
	IntentCreateWish = "create_wish"
	IntentUpdateWish = "update_wish"
	IntentDeleteWish = "delete_wish"
)

// event types received from the server
const (
	EventTypeUpdatedWish        = "updated_wish"
	EventTypeMemberConnected    = "new_group_member_connection"
	EventTypeMemberDisconnected = "group_member_disconnected"
	EventTypeErrorMessage       = "error_message"
)

// actions attached to `updated_wish` events. The delete case arrives under
// the same outer type as upserts and is discriminated by the action alone.
// A missing action means a non-delete upsert.
const (
	ActionCreateWish         = "create_wish"
	ActionUpdateWish         = "update_wish"
	ActionChangeAssignedUser = "change_wish_assigned_user"
	ActionDeleteWish         = "delete_wish"
)

// WishValues is the free-form postValues object of an intent.
// The server treats present keys as the fields to change.
type WishValues map[string]any

func NewWishValues(name string, price string, url string, description string) WishValues {
	values := WishValues{
		"name": name,
	}
	if price != "" {
		values["price"] = price
	}
	if url != "" {
		values["url"] = url
	}
	if description != "" {
		values["description"] = description
	}
	return values
}

func AssignValues(userName string) WishValues {
	return WishValues{
		"assignedUser": userName,
	}
}

func UnassignValues() WishValues {
	return WishValues{
		"assignedUser": nil,
	}
}

// the outbound envelope. Fire and forget; there is no per-message ack.
// Delivery confidence comes only from the inbound event echoing the change.
type Intent struct {
	Type        string     `json:"type"`
	CurrentUser string     `json:"currentUser"`
	PostValues  WishValues `json:"postValues"`
	ObjectId    *string    `json:"objectId"`
}

func NewCreateWishIntent(currentUser string, values WishValues) *Intent {
	return &Intent{
		Type:        IntentCreateWish,
		CurrentUser: currentUser,
		PostValues:  values,
	}
}

func NewUpdateWishIntent(currentUser string, wishId string, values WishValues) *Intent {
	return &Intent{
		Type:        IntentUpdateWish,
		CurrentUser: currentUser,
		PostValues:  values,
		ObjectId:    &wishId,
	}
}

func NewDeleteWishIntent(currentUser string, wishId string) *Intent {
	return &Intent{
		Type:        IntentDeleteWish,
		CurrentUser: currentUser,
		ObjectId:    &wishId,
	}
}

func EncodeIntent(intent *Intent) ([]byte, error) {
	return json.Marshal(intent)
}

// the inbound envelope. `data` is discriminated by `type` and then `action`.
type eventEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	UserToken string          `json:"userToken,omitempty"`
	Action    string          `json:"action,omitempty"`
}

// Event is the closed set of decoded inbound events.
// Unknown envelope types decode to nil with no error so that newer servers
// do not break older clients.
type Event interface {
	isEvent()
}

// upsert of one wish into its owner's bucket
type WishUpserted struct {
	// display name of the participant whose intent caused this event
	Actor  string
	Action string
	Owner  string
	Wish   WishUpdate
}

// a wish was deleted by its owner or suggester
type WishDeleted struct {
	Actor string
	// the bucket the wish lived under
	Owner        string
	WishId       string
	AssignedUser string
}

// full replacement of the currently connected participant names.
// Departure records whether the triggering edge was a disconnect; the
// payload is a full list either way, never a delta.
type PresenceChanged struct {
	ConnectedUsers []string
	Departure      bool
}

// non-fatal server-side failure, addressed to this client only
type ErrorMessage struct {
	Message string
}

func (WishUpserted) isEvent()    {}
func (WishDeleted) isEvent()     {}
func (PresenceChanged) isEvent() {}
func (ErrorMessage) isEvent()    {}

// wire shape of the upsert payload
type wishUpsertData struct {
	User string     `json:"user"`
	Wish WishUpdate `json:"wish"`
}

// wire shape of the delete payload
type wishDeleteData struct {
	User         string `json:"user"`
	WishId       string `json:"wishId"`
	AssignedUser string `json:"assignedUser"`
}

// DecodeEvent decodes one inbound message into an event.
// A nil event with nil error means the message is recognized as
// forward-compatible noise and must be dropped without touching state.
func DecodeEvent(message []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}

	switch envelope.Type {
	case EventTypeUpdatedWish:
		switch envelope.Action {
		case ActionDeleteWish:
			var data wishDeleteData
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, fmt.Errorf("malformed delete payload: %w", err)
			}
			return &WishDeleted{
				Actor:        envelope.UserToken,
				Owner:        data.User,
				WishId:       data.WishId,
				AssignedUser: data.AssignedUser,
			}, nil
		case ActionCreateWish, ActionUpdateWish, ActionChangeAssignedUser, "":
			// missing action is treated as a non-delete upsert
			var data wishUpsertData
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, fmt.Errorf("malformed upsert payload: %w", err)
			}
			return &WishUpserted{
				Actor:  envelope.UserToken,
				Action: envelope.Action,
				Owner:  data.User,
				Wish:   data.Wish,
			}, nil
		default:
			glog.V(1).Infof("[codec]ignore unknown action %s\n", envelope.Action)
			return nil, nil
		}
	case EventTypeMemberConnected, EventTypeMemberDisconnected:
		var names []string
		if err := json.Unmarshal(envelope.Data, &names); err != nil {
			return nil, fmt.Errorf("malformed presence payload: %w", err)
		}
		return &PresenceChanged{
			ConnectedUsers: names,
			Departure:      envelope.Type == EventTypeMemberDisconnected,
		}, nil
	case EventTypeErrorMessage:
		var message string
		if err := json.Unmarshal(envelope.Data, &message); err != nil {
			return nil, fmt.Errorf("malformed error payload: %w", err)
		}
		return &ErrorMessage{
			Message: message,
		}, nil
	default:
		glog.V(1).Infof("[codec]ignore unknown type %s\n", envelope.Type)
		return nil, nil
	}
}

// EncodeEvent builds the wire envelope for an event. Used by the hub and by
// tests; clients only decode.
func EncodeEvent(event Event) ([]byte, error) {
	switch v := event.(type) {
	case *WishUpserted:
		return json.Marshal(&eventEnvelope{
			Type:      EventTypeUpdatedWish,
			Action:    v.Action,
			UserToken: v.Actor,
			Data: mustMarshal(&wishUpsertData{
				User: v.Owner,
				Wish: v.Wish,
			}),
		})
	case *WishDeleted:
		return json.Marshal(&eventEnvelope{
			Type:      EventTypeUpdatedWish,
			Action:    ActionDeleteWish,
			UserToken: v.Actor,
			Data: mustMarshal(&wishDeleteData{
				User:         v.Owner,
				WishId:       v.WishId,
				AssignedUser: v.AssignedUser,
			}),
		})
	case *PresenceChanged:
		eventType := EventTypeMemberConnected
		if v.Departure {
			eventType = EventTypeMemberDisconnected
		}
		return json.Marshal(&eventEnvelope{
			Type: eventType,
			Data: mustMarshal(v.ConnectedUsers),
		})
	case *ErrorMessage:
		return json.Marshal(&eventEnvelope{
			Type: EventTypeErrorMessage,
			Data: mustMarshal(v.Message),
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", v)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return json.RawMessage(b)
}
