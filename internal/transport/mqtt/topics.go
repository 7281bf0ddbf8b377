package mqtt

import "fmt"

// DefaultTopicPrefix is the root of every heater topic.
const DefaultTopicPrefix = "heaters"

// Topics builds the per-device topic hierarchy:
//
//	heaters/{address}/status   device -> coordinator, full status JSON
//	heaters/{address}/get      coordinator -> device, request a status publish
//	heaters/{address}/set      coordinator -> device, control values JSON
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Status returns the topic the device publishes its status on.
func (t Topics) Status(address string) string {
	return fmt.Sprintf("%s/%s/status", t.prefix(), address)
}

// Get returns the topic that asks the device to publish its status.
func (t Topics) Get(address string) string {
	return fmt.Sprintf("%s/%s/get", t.prefix(), address)
}

// Set returns the topic control writes go to.
func (t Topics) Set(address string) string {
	return fmt.Sprintf("%s/%s/set", t.prefix(), address)
}
