package contracts

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestEnvelope(t *testing.T) {
	headers := map[string]string{"tenant": "t1"}
	before := time.Now().UTC()
	req := NewRequestEnvelope("abc", "reply.q", []byte("ping"), headers)

	assert.Equal(t, "abc", req.CorrelationID)
	assert.Equal(t, "reply.q", req.ReplyTo)
	assert.Equal(t, []byte("ping"), req.Payload)
	assert.False(t, req.SentAt.Before(before))
	assert.Equal(t, time.UTC, req.SentAt.Location())

	headers["tenant"] = "changed"
	assert.Equal(t, "t1", req.Headers["tenant"], "headers must be copied")
}

func TestResponses(t *testing.T) {
	req := NewRequestEnvelope("abc", "reply.q", nil, map[string]string{"trace": "x"})

	t.Run("success", func(t *testing.T) {
		resp := NewResponse(req, []byte("pong"))
		assert.Equal(t, "abc", resp.CorrelationID)
		assert.Equal(t, []byte("pong"), resp.Payload)
		assert.Equal(t, "x", resp.Headers["trace"])
		assert.False(t, resp.IsError())
	})

	t.Run("error", func(t *testing.T) {
		resp := NewErrorResponse(req, ErrorCodeHandlerPanic, "boom")
		require.True(t, resp.IsError())
		assert.Equal(t, ErrorCodeHandlerPanic, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
		assert.Nil(t, resp.Payload)
	})

	t.Run("error code defaults to handler failure", func(t *testing.T) {
		resp := NewErrorResponse(req, "", "boom")
		assert.Equal(t, ErrorCodeHandlerFailure, resp.Error.Code)
		assert.Equal(t, "HANDLER_FAILURE: boom", resp.Error.String())
	})
}

func TestRequestEnvelopeExpired(t *testing.T) {
	sent := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	req := &RequestEnvelope{CorrelationID: "a", ReplyTo: "r", SentAt: sent}

	tests := []struct {
		name    string
		now     time.Time
		timeout time.Duration
		want    bool
	}{
		{"within timeout", sent.Add(time.Second), 5 * time.Second, false},
		{"exactly at timeout", sent.Add(5 * time.Second), 5 * time.Second, false},
		{"past timeout", sent.Add(6 * time.Second), 5 * time.Second, true},
		{"no timeout", sent.Add(time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, req.Expired(tt.now, tt.timeout))
		})
	}

	t.Run("missing send time never expires", func(t *testing.T) {
		assert.False(t, (&RequestEnvelope{}).Expired(time.Now(), time.Second))
	})
}

func TestValidate(t *testing.T) {
	var nilReq *RequestEnvelope
	assert.Error(t, nilReq.Validate())
	assert.Error(t, (&RequestEnvelope{ReplyTo: "r"}).Validate())
	assert.Error(t, (&RequestEnvelope{CorrelationID: "a"}).Validate())
	assert.NoError(t, (&RequestEnvelope{CorrelationID: "a", ReplyTo: "r"}).Validate())

	var nilResp *ResponseEnvelope
	assert.Error(t, nilResp.Validate())
	assert.Error(t, (&ResponseEnvelope{}).Validate())
	assert.NoError(t, (&ResponseEnvelope{CorrelationID: "a"}).Validate())
}

func TestEnvelopeEncoding(t *testing.T) {
	req := NewRequestEnvelope("abc", "reply.q", []byte{0, 1, 2}, map[string]string{"k": "v"})

	body, err := Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"correlationId":"abc"`)

	decoded, err := Unmarshal[*RequestEnvelope](body)
	require.NoError(t, err)
	if diff := cmp.Diff(req, decoded); diff != "" {
		t.Errorf("request round trip mismatch (-want +got):\n%s", diff)
	}

	resp := NewErrorResponse(req, ErrorCodeHandlerFailure, "bad input")
	body, err = Marshal(resp)
	require.NoError(t, err)
	decodedResp, err := Unmarshal[*ResponseEnvelope](body)
	require.NoError(t, err)
	if diff := cmp.Diff(resp, decodedResp); diff != "" {
		t.Errorf("response round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = Unmarshal[ResponseEnvelope]([]byte("{"))
	assert.Error(t, err)
}
