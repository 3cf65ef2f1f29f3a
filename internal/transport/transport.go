package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/tracker"
)

const (
	ReplyConnected string = "connected"
	ReplyAck       string = "ack"
	ReplyReject    string = "reject"
)

// Reply is what a device gets back for its login and for every fix.
type Reply struct {
	Type       string     `json:"type"`
	Code       string     `json:"code"`
	Session    string     `json:"session,omitempty"`
	Generation uint64     `json:"generation,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Moved      *bool      `json:"moved_significantly,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// DeviceLogin is the first message of a device connection.
type DeviceLogin struct {
	DeviceID string `json:"device_id" validate:"required,max=128,printascii"`
	Token    string `json:"token" validate:"required"`
}

// ViewerLogin is the first message of a viewer connection.
type ViewerLogin struct {
	ViewerID string   `json:"viewer_id" validate:"required,max=128"`
	Token    string   `json:"token" validate:"required"`
	Devices  []string `json:"devices" validate:"max=16,dive,required,max=128"`
}

func ConnectedReply(h *tracker.SessionHandle) Reply {
	return Reply{Type: ReplyConnected, Code: tracker.CodeOK, Session: h.ID, Generation: h.Generation}
}

// FixReply builds the reply for one SubmitFix result.
func FixReply(fix *model.LocationFix, acc *tracker.Accepted, err error) Reply {
	ts := fix.Timestamp
	if err != nil {
		return Reply{Type: ReplyReject, Code: tracker.Code(err), Timestamp: &ts, Message: err.Error()}
	}
	moved := acc.Update.MovedSignificantly
	return Reply{Type: ReplyAck, Code: tracker.CodeOK, Timestamp: &ts, Moved: &moved}
}

func RejectReply(err error) Reply {
	return Reply{Type: ReplyReject, Code: tracker.Code(err), Message: err.Error()}
}

// DecodeFix parses one inbound fix message.
func DecodeFix(d []byte) (model.LocationFix, error) {
	f := model.LocationFix{}
	if err := json.Unmarshal(d, &f); err != nil {
		return f, fmt.Errorf("%w: %v", tracker.ErrInvalidFix, err)
	}
	return f, nil
}
