// Package sink delivers fan readings to their consumers and routes duty
// requests back to the driver.
package sink

import (
	"log"
	"strings"

	"emcfan/internal/emc2305"
)

// DutySetter accepts a duty request for an output identity.
type DutySetter interface {
	SetDuty(outputID string, fraction float64) error
}

// Log writes each reading to the standard logger.
type Log struct{}

func (Log) PublishRPM(r emc2305.Reading) {
	if r.Stalled {
		log.Printf("emc2305: fan%d %s rpm=%.0f raw=%d STALLED", r.Channel, r.Name, r.RPM, r.Raw)
		return
	}
	log.Printf("emc2305: fan%d %s rpm=%.0f raw=%d", r.Channel, r.Name, r.RPM, r.Raw)
}

// Multi fans a reading out to every non-nil sink in order.
type Multi []emc2305.RPMSink

func (m Multi) PublishRPM(r emc2305.Reading) {
	for _, s := range m {
		if s != nil {
			s.PublishRPM(r)
		}
	}
}

// topicSegment turns a channel name into a single MQTT topic level.
func topicSegment(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '+', '#':
			return '_'
		}
		return r
	}, name)
}
