package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testReply = NewTopicRef("/node/HTTPBridge-CMD-Return", 3*time.Second)

func TestBaseMessage(t *testing.T) {
	t.Run("NewBaseMessage creates valid message", func(t *testing.T) {
		msg := NewBaseMessage("Setup")

		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "Setup", msg.Type)
		assert.NotZero(t, msg.Timestamp)
		assert.Empty(t, msg.CorrelationID)

		_, err := uuid.Parse(msg.ID)
		assert.NoError(t, err)
	})

	t.Run("SetCorrelationID", func(t *testing.T) {
		msg := NewBaseMessage("Status")
		msg.SetCorrelationID("abc")
		assert.Equal(t, "abc", msg.GetCorrelationID())
	})
}

func TestTopicRef(t *testing.T) {
	ref := NewTopicRef("/reply", 1500*time.Millisecond)
	assert.Equal(t, int64(1500), ref.PersistenceMs)
	assert.Equal(t, 1500*time.Millisecond, ref.Persistence())
	assert.False(t, ref.IsZero())
	assert.True(t, TopicRef{}.IsZero())
}

func TestSetupCommandValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cmd := NewSetupCommand("http://example.com", testReply)
		assert.NoError(t, cmd.Validate())
		assert.Equal(t, KindSetup, cmd.Kind())
		assert.Equal(t, "Setup", cmd.GetType())
	})

	t.Run("valid with proxy", func(t *testing.T) {
		cmd := NewSetupCommand("https://example.com/path", testReply)
		cmd.ProxyHost = "proxy.local"
		cmd.ProxyPort = 911
		assert.NoError(t, cmd.Validate())
	})

	cases := []struct {
		name  string
		mut   func(c *SetupCommand)
		field string
	}{
		{"missing url", func(c *SetupCommand) { c.URL = "" }, "url"},
		{"bad scheme", func(c *SetupCommand) { c.URL = "ftp://example.com" }, "url"},
		{"missing host", func(c *SetupCommand) { c.URL = "http://" }, "url"},
		{"missing reply", func(c *SetupCommand) { c.ReplyTo = TopicRef{} }, "replyTo"},
		{"proxy port out of range", func(c *SetupCommand) { c.ProxyHost = "p"; c.ProxyPort = 0 }, "proxyPort"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := NewSetupCommand("http://example.com", testReply)
			tc.mut(cmd)
			err := cmd.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCommand)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestDataCommandValidate(t *testing.T) {
	out := NewTopicRef("/out", time.Second)

	t.Run("valid", func(t *testing.T) {
		cmd := NewDataCommand("c1", "GET", testReply, out)
		assert.NoError(t, cmd.Validate())
		assert.Equal(t, DefaultInputTimeout, cmd.InputTimeout())
	})

	t.Run("missing connection", func(t *testing.T) {
		cmd := NewDataCommand("", "GET", testReply, out)
		assert.ErrorIs(t, cmd.Validate(), ErrInvalidCommand)
	})

	t.Run("invalid method", func(t *testing.T) {
		cmd := NewDataCommand("c1", "GE T", testReply, out)
		assert.ErrorIs(t, cmd.Validate(), ErrInvalidCommand)
	})

	t.Run("missing output", func(t *testing.T) {
		cmd := NewDataCommand("c1", "GET", testReply, TopicRef{})
		assert.ErrorIs(t, cmd.Validate(), ErrInvalidCommand)
	})

	t.Run("input timeout override", func(t *testing.T) {
		cmd := NewDataCommand("c1", "POST", testReply, out)
		cmd.InputTimeoutMs = 250
		assert.Equal(t, 250*time.Millisecond, cmd.InputTimeout())
	})
}

func TestHeaders(t *testing.T) {
	t.Run("canonicalizes keys", func(t *testing.T) {
		h, err := NewHeaders(map[string]string{"content-language": "en-US"})
		require.NoError(t, err)
		assert.Equal(t, "en-US", h["Content-Language"])
		assert.Equal(t, "en-US", h.Get("CONTENT-LANGUAGE"))
	})

	t.Run("rejects case-insensitive duplicates", func(t *testing.T) {
		_, err := NewHeaders(map[string]string{"Accept": "a", "accept": "b"})
		assert.ErrorIs(t, err, ErrDuplicateHeader)
	})

	t.Run("rejects malformed names", func(t *testing.T) {
		for _, name := range []string{"", "Bad Header", "X:Y"} {
			err := Headers{}.Add(name, "v")
			assert.ErrorIs(t, err, ErrInvalidHeader, name)
			assert.NotErrorIs(t, err, ErrDuplicateHeader, name)
		}
	})
}

func TestStatusMessage(t *testing.T) {
	cmd := NewTeardownCommand("c1", testReply)
	cmd.SetSequence(7)

	t.Run("NewStatus echoes the command", func(t *testing.T) {
		s := NewStatus(cmd, StatusOK)
		assert.Equal(t, KindTeardown, s.Command)
		assert.Equal(t, cmd.GetID(), s.CorrelationID)
		assert.Equal(t, uint64(7), s.Sequence)
		assert.Equal(t, ConnectionID("c1"), s.ConnectionID)
		assert.True(t, s.IsSuccess())
		assert.NoError(t, s.Err())
		assert.True(t, s.Answers(cmd))
	})

	t.Run("does not answer another command", func(t *testing.T) {
		other := NewTeardownCommand("c1", testReply)
		other.SetSequence(8)
		s := NewStatus(cmd, StatusOK)
		assert.False(t, s.Answers(other))
	})

	t.Run("failed status yields StatusError", func(t *testing.T) {
		s := NewStatus(cmd, StatusErrorSyntax)
		s.Reason = "ConnectionId not found"
		err := s.Err()
		require.Error(t, err)

		code, ok := StatusCodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, StatusErrorSyntax, code)
		assert.Contains(t, err.Error(), "ConnectionId not found")
	})

	t.Run("generic error code is a failure", func(t *testing.T) {
		s := NewStatus(cmd, StatusErrorGeneric)
		assert.False(t, s.IsSuccess())

		code, ok := StatusCodeOf(s.Err())
		assert.True(t, ok)
		assert.Equal(t, StatusCode("ERROR"), code)
	})

	t.Run("unknown codes are failures", func(t *testing.T) {
		assert.False(t, StatusCode("ERROR_ON_SOMETHING_NEW").IsOK())
	})
}

func TestCommandCodec(t *testing.T) {
	codec := CommandCodec{}

	t.Run("decodes to the concrete type", func(t *testing.T) {
		cmd := NewDataCommand("c1", "GET", testReply, NewTopicRef("/out", time.Second))
		cmd.Headers = Headers{"Content-Language": "en-US"}
		cmd.SetSequence(3)

		data, err := codec.Encode(cmd)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)

		dc, ok := decoded.(*DataCommand)
		require.True(t, ok)
		assert.Equal(t, cmd.ID, dc.ID)
		assert.Equal(t, uint64(3), dc.GetSequence())
		assert.Equal(t, "en-US", dc.Headers.Get("content-language"))
		assert.Equal(t, testReply, dc.GetReplyTo())
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"id":"x","type":"Reboot","body":{}}`))
		assert.True(t, errors.Is(err, ErrUnknownMessageType))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := codec.Decode([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestStatusCodec(t *testing.T) {
	codec := StatusCodec{}
	cmd := NewSetupCommand("http://example.com", testReply)
	s := NewStatus(cmd, StatusOK)
	s.ConnectionID = "c1"

	data, err := codec.Encode(s)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, decoded.Answers(cmd))
	assert.Equal(t, ConnectionID("c1"), decoded.ConnectionID)

	_, err = codec.Decode(mustEncodeCommand(t, cmd))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func mustEncodeCommand(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := CommandCodec{}.Encode(cmd)
	require.NoError(t, err)
	return data
}
