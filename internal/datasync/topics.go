package datasync

import (
	"encoding/json"
	"strings"
)

// Topic is the entity label carried in the "type" field of inbound messages.
type Topic string

const (
	TopicTicket     Topic = "ticket"
	TopicSite       Topic = "site"
	TopicShipment   Topic = "shipment"
	TopicUser       Topic = "user"
	TopicFieldTech  Topic = "field_tech"
	TopicInventory  Topic = "inventory"
	TopicComment    Topic = "comment"
	TopicTimeEntry  Topic = "time_entry"
	TopicAttachment Topic = "attachment"
	TopicAll        Topic = "all"
)

// Counter names one refresh counter observed by views.
type Counter string

const (
	CounterTickets     Counter = "tickets"
	CounterSites       Counter = "sites"
	CounterShipments   Counter = "shipments"
	CounterUsers       Counter = "users"
	CounterFieldTechs  Counter = "fieldTechs"
	CounterInventory   Counter = "inventory"
	CounterComments    Counter = "comments"
	CounterTimeEntries Counter = "timeEntries"
	CounterAll         Counter = "all"
)

var knownCounters = []Counter{
	CounterTickets,
	CounterSites,
	CounterShipments,
	CounterUsers,
	CounterFieldTechs,
	CounterInventory,
	CounterComments,
	CounterTimeEntries,
	CounterAll,
}

// fanOut maps a message type to the counters it refreshes besides "all".
// Comments, time entries and attachments render inside ticket views.
var fanOut = map[Topic][]Counter{
	TopicTicket:     {CounterTickets},
	TopicSite:       {CounterSites},
	TopicShipment:   {CounterShipments},
	TopicUser:       {CounterUsers},
	TopicFieldTech:  {CounterFieldTechs},
	TopicInventory:  {CounterInventory},
	TopicComment:    {CounterComments, CounterTickets},
	TopicTimeEntry:  {CounterTimeEntries, CounterTickets},
	TopicAttachment: {CounterTickets},
}

// KnownCounters lists every counter in a stable order.
func KnownCounters() []Counter {
	return append([]Counter(nil), knownCounters...)
}

// IsKnown reports whether counter is part of the fixed counter set.
func (c Counter) IsKnown() bool {
	for _, known := range knownCounters {
		if known == c {
			return true
		}
	}
	return false
}

// CountersFor returns the counters a message of the given type refreshes,
// excluding "all".
func CountersFor(topic Topic) []Counter {
	return append([]Counter(nil), fanOut[topic]...)
}

// Message is an inbound realtime event.
type Message struct {
	Type    Topic
	Action  string
	Payload map[string]any
}

// UnmarshalJSON keeps the full object as payload and lifts type and action.
// Non-string type or action values decode as empty.
func (m *Message) UnmarshalJSON(data []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	typeValue, _ := payload["type"].(string)
	actionValue, _ := payload["action"].(string)
	m.Type = Topic(strings.TrimSpace(typeValue))
	m.Action = strings.TrimSpace(actionValue)
	m.Payload = payload
	return nil
}

// MarshalJSON writes the payload with type and action set.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(m.Payload)+2)
	for key, value := range m.Payload {
		payload[key] = value
	}
	payload["type"] = string(m.Type)
	payload["action"] = m.Action
	return json.Marshal(payload)
}
