package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	frame, err := Encode(RenameConversation, RenamePayload{ConversationID: "7", NewTitle: "Keynotes"})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, RenameConversation, env.Event)

	var got RenamePayload
	require.NoError(t, DecodeData(env.Data, &got))
	assert.Equal(t, "Keynotes", got.NewTitle)
}

func TestEncodeNilPayloadIsEmptyObject(t *testing.T) {
	frame, err := Encode(StartNewConversation, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"start_new_conversation","data":{}}`, string(frame))
}

func TestDecodeRejectsMissingEvent(t *testing.T) {
	_, err := Decode([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestConversationListAcceptsBothShapes(t *testing.T) {
	var bare ConversationListPayload
	require.NoError(t, DecodeData([]byte(`[{"id":"1","title":"A","lastActivity":1700000000000,"isPinned":true}]`), &bare))
	require.Len(t, bare.Conversations, 1)
	assert.True(t, bare.Conversations[0].IsPinned)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), bare.Conversations[0].LastActivity.Time)

	var wrapped ConversationListPayload
	require.NoError(t, DecodeData([]byte(`{"conversations":[{"id":"2","lastActivity":"2024-05-01T10:00:00Z"}]}`), &wrapped))
	require.Len(t, wrapped.Conversations, 1)
	conv := wrapped.Conversations[0].Domain()
	assert.Equal(t, domain.DefaultConversationTitle, conv.Title)
	assert.Equal(t, 2024, conv.LastActivity.Year())
}

func TestTimestampVariants(t *testing.T) {
	cases := map[string]int64{
		`1700000000000`:          1700000000000,
		`"1700000000000"`:        1700000000000,
		`"2023-11-14T22:13:20Z"`: 1700000000000,
		`1700000000000.0`:        1700000000000,
	}
	for in, want := range cases {
		var ts Timestamp
		require.NoError(t, ts.UnmarshalJSON([]byte(in)), in)
		assert.Equal(t, want, ts.UnixMilli(), in)
	}

	var zero Timestamp
	require.NoError(t, zero.UnmarshalJSON([]byte(`null`)))
	assert.True(t, zero.IsZero())
}

func TestResultParsedAction(t *testing.T) {
	var res ResultPayload
	require.NoError(t, DecodeData([]byte(`{"message":"ok","action":{"type":"openMap","location":"Hall B","lat":1.5}}`), &res))
	action, err := res.ParsedAction()
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, domain.ActionOpenMap, action.Type)
	require.NotNil(t, action.OpenMap)
	assert.Equal(t, "Hall B", action.OpenMap.Location)

	res = ResultPayload{Action: []byte(`{"type":"teleport"}`)}
	_, err = res.ParsedAction()
	assert.True(t, errors.Is(err, domain.ErrUnknownAction))

	res = ResultPayload{}
	action, err = res.ParsedAction()
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestErrorDetailConversationID(t *testing.T) {
	e := ErrorPayload{Code: CodeAccessDenied, Details: []byte(`{"conversationId":"42"}`)}
	assert.Equal(t, "42", e.DetailConversationID())
	assert.Empty(t, ErrorPayload{}.DetailConversationID())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Fatal, ClassifyCode("AUTH_REQUIRED"))
	assert.Equal(t, Fatal, ClassifyCode("access_denied"))
	assert.Equal(t, Fatal, ClassifyCode(CodeFatalServerError))
	assert.Equal(t, Recoverable, ClassifyCode("RATE_LIMITED"))
	assert.Equal(t, Recoverable, ClassifyCode(""))

	assert.Equal(t, Fatal, ClassifyConnectError(errors.New("websocket: bad handshake: 401 Unauthorized")))
	assert.Equal(t, Fatal, ClassifyConnectError(errors.New("invalid token")))
	assert.Equal(t, Recoverable, ClassifyConnectError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, Recoverable, ClassifyConnectError(nil))
}
