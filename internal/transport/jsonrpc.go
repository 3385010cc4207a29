package transport

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"pg-mcp-server/internal/session"
)

const (
	codeParseError      = -32700
	codeInvalidRequest  = -32600
	codeInternalError   = -32603
	codeBadRequest      = -32000
	codeSessionNotFound = -32001
	codeSessionClosing  = -32003
)

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   wireError       `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func writeError(w http.ResponseWriter, status, code int, message string, id json.RawMessage) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(errorResponse{
		JSONRPC: "2.0",
		Error:   wireError{Code: code, Message: message},
		ID:      id,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type bodyKind int

const (
	bodyUnparseable bodyKind = iota
	bodyHandshake
	bodyMalformedHandshake
	bodyOther
)

// probe is what a POST without a live session carries.
type probe struct {
	kind bodyKind
	id   json.RawMessage
}

// inspectBody looks for an initialize request in a single message or a batch.
func inspectBody(body []byte) probe {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return probe{kind: bodyUnparseable}
	}

	msgs := []json.RawMessage{body}
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &msgs); err != nil || len(msgs) == 0 {
			return probe{kind: bodyOther}
		}
	}

	var first json.RawMessage
	for _, raw := range msgs {
		id := messageID(raw)
		if first == nil {
			first = id
		}
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			continue
		}
		req, ok := msg.(*jsonrpc.Request)
		if !ok || session.Classify(req.Method) != session.KindInitialize {
			continue
		}
		if len(req.Params) == 0 || bytes.Equal(bytes.TrimSpace(req.Params), []byte("null")) {
			return probe{kind: bodyMalformedHandshake, id: id}
		}
		return probe{kind: bodyHandshake, id: id}
	}
	return probe{kind: bodyOther, id: first}
}

func messageID(raw json.RawMessage) json.RawMessage {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return nil
	}
	return env.ID
}
