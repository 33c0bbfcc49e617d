package queue

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/phoenixtracker/phoenixtracker/pkg/types"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// payload always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodePayload serializes the variant payload of ev for the data column.
func encodePayload(ev types.Event) ([]byte, error) {
	switch ev.Kind {
	case types.KindHeartbeat:
		return encMode.Marshal(ev.Heartbeat)
	case types.KindScreenshot:
		return encMode.Marshal(ev.Screenshot)
	}
	return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
}

// decodePayload rebuilds an Event from the type and data columns.
func decodePayload(kind string, data, attachment []byte) (types.Event, error) {
	ev := types.Event{Kind: types.Kind(kind), Attachment: attachment}
	switch ev.Kind {
	case types.KindHeartbeat:
		var hb types.Heartbeat
		if err := decMode.Unmarshal(data, &hb); err != nil {
			return types.Event{}, fmt.Errorf("decode heartbeat: %w", err)
		}
		ev.Heartbeat = &hb
	case types.KindScreenshot:
		var ss types.Screenshot
		if err := decMode.Unmarshal(data, &ss); err != nil {
			return types.Event{}, fmt.Errorf("decode screenshot: %w", err)
		}
		ev.Screenshot = &ss
	default:
		return types.Event{}, fmt.Errorf("unknown event type %q", kind)
	}
	return ev, nil
}
