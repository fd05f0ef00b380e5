package mqttip

import (
	"strconv"
	"strings"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// Topic layout under the configured prefix:
//
//	{prefix}/devices/{id}/announce      device → core, retained description
//	{prefix}/devices/{id}/status        device → core, "online"/"offline" (LWT)
//	{prefix}/devices/{id}/control       core → device, open/close/accept/reject
//	{prefix}/devices/{id}/reply         device → core, acks, requests, closures
//	{prefix}/devices/{id}/app/{n}/down  core → device payloads
//	{prefix}/devices/{id}/app/{n}/up    device → core payloads
//	{prefix}/core/{client}/status       core presence (LWT)
type topics struct {
	prefix string
}

func (t topics) base(id string) string { return t.prefix + "/devices/" + id }
func (t topics) announce(id string) string { return t.base(id) + "/announce" }
func (t topics) status(id string) string { return t.base(id) + "/status" }
func (t topics) control(id string) string { return t.base(id) + "/control" }
func (t topics) reply(id string) string { return t.base(id) + "/reply" }
func (t topics) core(client string) string { return t.prefix + "/core/" + client + "/status" }
func (t topics) wildcard(leaf string) string { return t.prefix + "/devices/+/" + leaf }
func (t topics) upstreamWildcard() string { return t.prefix + "/devices/+/app/+/up" }
func (t topics) down(id string, app adapter.ApplicationHandle) string {
	return t.base(id) + "/app/" + app.String() + "/down"
}
func (t topics) up(id string, app adapter.ApplicationHandle) string {
	return t.base(id) + "/app/" + app.String() + "/up"
}

// route is a parsed device topic.
type route struct {
	id   string
	leaf string
	app  adapter.ApplicationHandle
}

// parse splits a device topic. It reports false for topics outside the
// layout.
func (t topics) parse(topic string) (route, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/devices/")
	if !ok {
		return route{}, false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] != "":
		return route{id: parts[0], leaf: parts[1]}, true
	case len(parts) == 4 && parts[1] == "app" && parts[3] == "up":
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return route{}, false
		}
		return route{id: parts[0], leaf: "up", app: adapter.ApplicationHandle(n)}, true
	}
	return route{}, false
}

// Presence payloads on status topics.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Control and reply operations.
const (
	opOpen     = "open"
	opClose    = "close"
	opCloseAll = "close-all"
	opAccept   = "accept"
	opReject   = "reject"

	opAck     = "ack"
	opRequest = "request"
	opClosed  = "closed"
	opFault   = "fault"
)

// announcement is the retained description a device publishes.
type announcement struct {
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// control is a core → device command.
type control struct {
	Op   string `json:"op"`
	App  int    `json:"app"`
	Corr string `json:"corr,omitempty"`
}

// reply is a device → core message.
type reply struct {
	Op    string `json:"op"`
	App   int    `json:"app"`
	Corr  string `json:"corr,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
