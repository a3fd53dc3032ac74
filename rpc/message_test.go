// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"encoding/json"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corecontent "github.com/coedit/coedit/core/content"
	"github.com/coedit/coedit/rpc"
)

type messageSuite struct{}

var _ = gc.Suite(&messageSuite{})

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func (*messageSuite) TestValidate(c *gc.C) {
	tests := []struct {
		about string
		msg   rpc.Message
		valid bool
	}{{
		about: "event requires a name",
		msg:   rpc.Message{Type: rpc.EventType, Service: "auth", ID: 0},
		valid: false,
	}, {
		about: "event with name and any data",
		msg:   rpc.Message{Type: rpc.EventType, Service: "auth", Name: "active", Data: raw(`null`)},
		valid: true,
	}, {
		about: "request data must be an array",
		msg:   rpc.Message{Type: rpc.RequestType, Service: "content", ID: 1, Name: "getSchema", Data: raw(`{"a":1}`)},
		valid: false,
	}, {
		about: "request with array data",
		msg:   rpc.Message{Type: rpc.RequestType, Service: "content", ID: 1, Name: "getSchema", Data: raw(`["h"]`)},
		valid: true,
	}, {
		about: "request requires a name",
		msg:   rpc.Message{Type: rpc.RequestType, Service: "content", ID: 1, Data: raw(`[]`)},
		valid: false,
	}, {
		about: "reply value must not carry a name",
		msg:   rpc.Message{Type: rpc.ReplyValueType, Service: "content", ID: 1, Name: "x", Data: raw(`1`)},
		valid: false,
	}, {
		about: "reply value with any data",
		msg:   rpc.Message{Type: rpc.ReplyValueType, Service: "content", ID: 1, Data: raw(`null`)},
		valid: true,
	}, {
		about: "reply error requires an error object",
		msg:   rpc.Message{Type: rpc.ReplyErrorType, Service: "content", ID: 1, Data: raw(`null`)},
		valid: false,
	}, {
		about: "reply error rejects arrays",
		msg:   rpc.Message{Type: rpc.ReplyErrorType, Service: "content", ID: 1, Data: raw(`[1]`)},
		valid: false,
	}, {
		about: "reply error with object",
		msg:   rpc.Message{Type: rpc.ReplyErrorType, Service: "content", ID: 1, Data: raw(`{"message":"x"}`)},
		valid: true,
	}, {
		about: "reply stream data must be null",
		msg:   rpc.Message{Type: rpc.ReplyStreamType, Service: "content", ID: 1, Data: raw(`1`)},
		valid: false,
	}, {
		about: "reply stream with null data",
		msg:   rpc.Message{Type: rpc.ReplyStreamType, Service: "content", ID: 1},
		valid: true,
	}, {
		about: "stream output data must be non-null",
		msg:   rpc.Message{Type: rpc.StreamOutputDataType, Service: "content", ID: 1, Data: raw(`null`)},
		valid: false,
	}, {
		about: "stream output data with payload",
		msg:   rpc.Message{Type: rpc.StreamOutputDataType, Service: "content", ID: 1, Data: raw(`{"version":1}`)},
		valid: true,
	}, {
		about: "stream output end with true",
		msg:   rpc.Message{Type: rpc.StreamOutputEndType, Service: "content", ID: 1, Data: raw(`true`)},
		valid: true,
	}, {
		about: "stream input data non-null",
		msg:   rpc.Message{Type: rpc.StreamInputDataType, Service: "content", ID: 1, Data: raw(`"x"`)},
		valid: true,
	}, {
		about: "stream input end non-null",
		msg:   rpc.Message{Type: rpc.StreamInputEndType, Service: "content", ID: 1, Data: raw(`null`)},
		valid: false,
	}, {
		about: "service is required",
		msg:   rpc.Message{Type: rpc.EventType, Name: "active"},
		valid: false,
	}, {
		about: "id must be non-negative",
		msg:   rpc.Message{Type: rpc.RequestType, Service: "content", ID: -1, Name: "x", Data: raw(`[]`)},
		valid: false,
	}, {
		about: "unknown type tag",
		msg:   rpc.Message{Type: rpc.MessageType(9), Service: "content", ID: 1},
		valid: false,
	}}
	for i, t := range tests {
		err := t.msg.Validate()
		if t.valid {
			c.Check(err, jc.ErrorIsNil, gc.Commentf("%d: %s", i, t.about))
		} else {
			c.Check(corecontent.IsInvalidEntity(err), jc.IsTrue, gc.Commentf("%d: %s", i, t.about))
		}
	}
}

func (*messageSuite) TestTypeString(c *gc.C) {
	c.Check(rpc.RequestType.String(), gc.Equals, "request")
	c.Check(rpc.StreamOutputEndType.String(), gc.Equals, "stream-output-end")
	c.Check(rpc.MessageType(42).String(), gc.Equals, "unknown")
}
