package pushdata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const scenarioPayload = `{
	"dismiss": [{"room_id": "!a"}],
	"messages": [{
		"room_id": "!b",
		"event_id": "$1",
		"sender": {"id": "@alice:x", "name": "Alice"},
		"text": "hey",
		"timestamp": 1000,
		"sound": true,
		"reply": false,
		"mention": false,
		"unknown_field": {"nested": true}
	}],
	"image_auth": "tok"
}`

func TestDecodeScenario(t *testing.T) {
	data, err := Decode([]byte(scenarioPayload))
	require.NoError(t, err)
	require.Equal(t, []DismissEvent{{RoomID: "!a"}}, data.Dismiss)
	require.Len(t, data.Messages, 1)

	msg := data.Messages[0]
	require.Equal(t, id.RoomID("!b"), msg.RoomID)
	require.Equal(t, id.EventID("$1"), msg.EventID)
	require.Equal(t, id.UserID("@alice:x"), msg.Sender.ID)
	require.Equal(t, "Alice", msg.Sender.DisplayName())
	require.Equal(t, "hey", msg.Text)
	require.Equal(t, int64(1000), msg.Timestamp)
	require.True(t, msg.Sound)
	require.False(t, msg.Reply)
	require.False(t, msg.Mention)
	require.Nil(t, msg.RoomName)
	require.Nil(t, msg.RoomAvatar)
	require.Nil(t, msg.Image)
	require.Nil(t, msg.Sender.Avatar)
	require.Equal(t, "tok", data.ImageAuthToken())
}

func TestDecodeKeepsExplicitEmptyStrings(t *testing.T) {
	data, err := Decode([]byte(`{"messages":[{
		"room_id":"!r","event_id":"$e","sender":{"id":"@u:x","name":"U","avatar":""},
		"room_name":"","room_avatar":"","text":"","timestamp":5
	}]}`))
	require.NoError(t, err)
	msg := data.Messages[0]
	require.NotNil(t, msg.RoomName)
	require.Equal(t, "", *msg.RoomName)
	require.NotNil(t, msg.RoomAvatar)
	require.False(t, msg.HasRoomAvatar())
	require.NotNil(t, msg.Sender.Avatar)
	require.False(t, msg.Sender.HasAvatar())
	require.Nil(t, data.ImageAuth)
	require.Equal(t, "", data.ImageAuthToken())
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	base := func(drop string) string {
		fields := map[string]string{
			"room_id":   `"room_id":"!r"`,
			"event_id":  `"event_id":"$e"`,
			"sender":    `"sender":{"id":"@u:x","name":"U"}`,
			"text":      `"text":"hi"`,
			"timestamp": `"timestamp":1`,
		}
		out := `{"messages":[{"sound":false`
		for _, key := range []string{"room_id", "event_id", "sender", "text", "timestamp"} {
			if key != drop {
				out += "," + fields[key]
			}
		}
		return out + "}]}"
	}
	for _, field := range []string{"room_id", "event_id", "sender", "text", "timestamp"} {
		t.Run(field, func(t *testing.T) {
			_, err := Decode([]byte(base(field)))
			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			require.Equal(t, "messages[0]."+field, decErr.Field)
		})
	}

	_, err := Decode([]byte(`{"messages":[{"room_id":"!r","event_id":"$e","sender":{"name":"U"},"text":"","timestamp":1}]}`))
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	require.Equal(t, "messages[0].sender.id", decErr.Field)

	_, err = Decode([]byte(`{"dismiss":[{"room_id":"!ok"},{}]}`))
	require.True(t, errors.As(err, &decErr))
	require.Equal(t, "dismiss[1].room_id", decErr.Field)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"messages": [`))
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	require.Empty(t, decErr.Field)
	require.Error(t, decErr.Unwrap())
}

func TestDecodeEmptyObject(t *testing.T) {
	data, err := Decode([]byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, data.Dismiss)
	require.Empty(t, data.Messages)
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	require.Equal(t, "@bob:x", PushUser{ID: "@bob:x"}.DisplayName())
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"data":{"payload":"abc"}}`))
	require.NoError(t, err)
	require.Equal(t, "abc", env.Payload)

	env, err = ParseEnvelope([]byte(" \"def\"\n"))
	require.NoError(t, err)
	require.Equal(t, "def", env.Payload)

	env, err = ParseEnvelope([]byte("ghi\n"))
	require.NoError(t, err)
	require.Equal(t, "ghi", env.Payload)

	_, err = ParseEnvelope([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrNoPayload)

	_, err = EnvelopeFromData(map[string]string{"other": "x"})
	require.ErrorIs(t, err, ErrNoPayload)
}
