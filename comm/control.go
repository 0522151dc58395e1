package comm

import (
	"encoding/json"
	"fmt"

	"github.com/theonlypal/collabfs/session"
)

// Control message types.
const (
	ControlJoin              = "join"
	ControlLeave             = "leave"
	ControlHeartbeat         = "heartbeat"
	ControlUpdateActivity    = "update_activity"
	ControlJoined            = "joined"
	ControlParticipantJoined = "participant_joined"
	ControlParticipantLeft   = "participant_left"
	ControlActivityUpdate    = "activity_update"
	ControlError             = "error"
)

// Structs

// Control is the JSON object carried by KindControl frames. Which fields
// are set depends on Type: client-to-hub messages identify themselves with
// UserID and SessionID, hub-to-client messages carry their payload in Data,
// and error messages carry Error.
type Control struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Activity  *ActivityChange `json:"activity,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ActivityChange is the partial activity update inside an update_activity
// message. A nil CurrentFile keeps the previous file, a pointer to the
// empty string clears it.
type ActivityChange struct {
	Action      string  `json:"action"`
	CurrentFile *string `json:"currentFile,omitempty"`
}

// JoinedData is the Data payload of a joined message.
type JoinedData struct {
	SessionID string        `json:"sessionId"`
	Stats     session.Stats `json:"stats"`
}

// ParticipantData is the Data payload of participant_joined and
// participant_left messages.
type ParticipantData struct {
	UserID string `json:"userId"`
}

// ActivityData is the Data payload of an activity_update message.
type ActivityData struct {
	UserID   string           `json:"userId"`
	Activity session.Activity `json:"activity"`
}

// Functions

// ParseControl decodes the payload of a KindControl frame.
func ParseControl(payload []byte) (*Control, error) {

	ctl := new(Control)

	if err := json.Unmarshal(payload, ctl); err != nil {
		return nil, fmt.Errorf("decoding control message: %v", err)
	}

	if ctl.Type == "" {
		return nil, fmt.Errorf("control message misses type")
	}

	return ctl, nil
}

// EncodeFrame marshals the control message and wraps it into a frame.
func (ctl *Control) EncodeFrame() []byte {

	payload, err := json.Marshal(ctl)
	if err != nil {
		panic(fmt.Sprintf("comm: marshalling control message: %v", err))
	}

	return EncodeControl(payload)
}

// ErrorFrame builds a ready-to-send error control frame.
func ErrorFrame(msg string) []byte {
	return (&Control{Type: ControlError, Error: msg}).EncodeFrame()
}

// WithData attaches a marshalled Data payload to the control message.
func (ctl *Control) WithData(v interface{}) *Control {

	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("comm: marshalling control data: %v", err))
	}

	ctl.Data = raw

	return ctl
}

// DecodeData unmarshals the Data payload into v.
func (ctl *Control) DecodeData(v interface{}) error {

	if len(ctl.Data) == 0 {
		return fmt.Errorf("control message of type %s misses data", ctl.Type)
	}

	return json.Unmarshal(ctl.Data, v)
}
