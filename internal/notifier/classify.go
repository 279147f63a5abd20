package notifier

import (
	"strings"

	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
)

// Category is the severity shown next to a notification.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
)

// Classification is the human-readable rendering of an inbound message.
type Classification struct {
	Text     string
	Category Category
}

var classifications = map[datasync.Topic]map[string]Classification{
	datasync.TopicTicket: {
		"create":        {Text: "New ticket created", Category: CategoryInfo},
		"update":        {Text: "Ticket updated", Category: CategoryInfo},
		"delete":        {Text: "Ticket deleted", Category: CategoryWarning},
		"claimed":       {Text: "Ticket claimed", Category: CategorySuccess},
		"approval":      {Text: "Ticket approval updated", Category: CategoryInfo},
		"checked_in":    {Text: "Field tech checked in", Category: CategorySuccess},
		"checked_out":   {Text: "Field tech checked out", Category: CategoryInfo},
		"costs_updated": {Text: "Ticket costs updated", Category: CategoryInfo},
	},
	datasync.TopicComment: {
		"create": {Text: "New comment added", Category: CategoryInfo},
		"update": {Text: "Comment updated", Category: CategoryInfo},
		"delete": {Text: "Comment deleted", Category: CategoryWarning},
	},
	datasync.TopicTimeEntry: {
		"create": {Text: "Time entry logged", Category: CategoryInfo},
		"update": {Text: "Time entry updated", Category: CategoryInfo},
		"delete": {Text: "Time entry deleted", Category: CategoryWarning},
	},
	datasync.TopicShipment: {
		"create": {Text: "New shipment created", Category: CategoryInfo},
	},
	datasync.TopicSite: {
		"create": {Text: "New site added", Category: CategorySuccess},
	},
	datasync.TopicFieldTech: {
		"create": {Text: "New field tech added", Category: CategorySuccess},
	},
	"task": {
		"create": {Text: "New task created", Category: CategoryInfo},
	},
	"equipment": {
		"create": {Text: "New equipment added", Category: CategorySuccess},
	},
	"sla_rule": {
		"create": {Text: "New SLA rule created", Category: CategoryInfo},
	},
	"site_equipment": {
		"create": {Text: "Equipment added to site", Category: CategorySuccess},
	},
	datasync.TopicAttachment: {
		"uploaded": {Text: "File attachment uploaded", Category: CategoryInfo},
		"updated":  {Text: "File attachment updated", Category: CategoryInfo},
		"deleted":  {Text: "File attachment deleted", Category: CategoryWarning},
	},
}

// Classify maps a (type, action) pair to its notification text. Pairs outside
// the table report false and produce no notification.
func Classify(message datasync.Message) (Classification, bool) {
	actions, ok := classifications[message.Type]
	if !ok {
		return Classification{}, false
	}
	classification, ok := actions[strings.TrimSpace(message.Action)]
	return classification, ok
}
