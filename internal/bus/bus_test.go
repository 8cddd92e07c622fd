package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw, err := Encode(Frame{Peer: "n1", Control: ControlReady, ReplyTo: "_INBOX.1", Org: "acme"})
	require.NoError(t, err)

	f := Decode(raw)
	require.NoError(t, f.Invalid)
	require.Equal(t, "n1", f.Peer)
	require.Equal(t, ControlReady, f.Control)
	require.False(t, f.IsInput())
}

func TestDecode_Malformed(t *testing.T) {
	f := Decode([]byte("not json"))
	require.Error(t, f.Invalid)

	f = Decode([]byte(`{"peer":"n1"}`))
	require.Error(t, f.Invalid)
}

func TestDecode_InputFrame(t *testing.T) {
	f := Decode([]byte(`{"peer":"","control":"INPUT","targets":"*","data":"yes\n"}`))
	require.NoError(t, f.Invalid)
	require.True(t, f.IsInput())
	require.Equal(t, "*", f.Targets)
}

func TestNodeData_RetCodeOptional(t *testing.T) {
	var d NodeData
	require.NoError(t, json.Unmarshal([]byte(`{"stdout":"hi"}`), &d))
	require.Nil(t, d.RetCode)

	require.NoError(t, json.Unmarshal([]byte(`{"ret_code":0,"env":{"X":"1"}}`), &d))
	require.NotNil(t, d.RetCode)
	require.Equal(t, 0, *d.RetCode)
	require.Equal(t, "1", d.Env["X"].Scalar())
}

func TestMarshalPayload(t *testing.T) {
	raw, err := MarshalPayload(Term{Reason: "bye"})
	require.NoError(t, err)
	require.JSONEq(t, `{"reason":"bye"}`, string(raw))

	raw, err = MarshalPayload(json.RawMessage(`"x"`))
	require.NoError(t, err)
	require.Equal(t, `"x"`, string(raw))

	raw, err = MarshalPayload(nil)
	require.NoError(t, err)
	require.Nil(t, raw)
}
