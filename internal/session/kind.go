package session

import "strings"

// RequestKind is the closed set of MCP methods the dispatcher distinguishes.
type RequestKind int

const (
	KindOther RequestKind = iota
	KindInitialize
	KindListResources
	KindListTemplates
	KindReadResource
	KindSubscribe
	KindUnsubscribe
	KindListTools
	KindCallTool
	KindPing
	KindNotification
)

func Classify(method string) RequestKind {
	switch method {
	case "initialize":
		return KindInitialize
	case "resources/list":
		return KindListResources
	case "resources/templates/list":
		return KindListTemplates
	case "resources/read":
		return KindReadResource
	case "resources/subscribe":
		return KindSubscribe
	case "resources/unsubscribe":
		return KindUnsubscribe
	case "tools/list":
		return KindListTools
	case "tools/call":
		return KindCallTool
	case "ping":
		return KindPing
	}
	if strings.HasPrefix(method, "notifications/") {
		return KindNotification
	}
	return KindOther
}

func (k RequestKind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindListResources:
		return "list-resources"
	case KindListTemplates:
		return "list-templates"
	case KindReadResource:
		return "read-resource"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindListTools:
		return "list-tools"
	case KindCallTool:
		return "call-tool"
	case KindPing:
		return "ping"
	case KindNotification:
		return "notification"
	default:
		return "other"
	}
}
