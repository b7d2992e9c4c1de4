package events

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindTag        Kind = "tag"
	KindStopped    Kind = "stopped"
	KindConnection Kind = "connection"
)

// TagObservation is one reported tag. Hex fields are upper case.
type TagObservation struct {
	EPC     string    `json:"epc"`
	Mem     string    `json:"mem,omitempty"`
	RSSI    int       `json:"rssi"`
	TID     string    `json:"tid,omitempty"`
	Antenna int       `json:"antenna,omitempty"`
	IsNew   bool      `json:"-"`
	When    time.Time `json:"-"`
}

// Event is what subscribers receive. Exactly one of the payloads is set,
// according to Kind.
type Event struct {
	Kind      Kind
	When      time.Time
	Tag       TagObservation
	Connected bool
	Baud      int
}

func Tag(obs TagObservation) Event {
	if obs.When.IsZero() {
		obs.When = time.Now()
	}
	return Event{Kind: KindTag, When: obs.When, Tag: obs}
}

func Stopped() Event {
	return Event{Kind: KindStopped, When: time.Now()}
}

func Connection(connected bool, baud int) Event {
	return Event{Kind: KindConnection, When: time.Now(), Connected: connected, Baud: baud}
}

// MarshalJSON renders the caller-facing shapes: a bare tag object,
// {"stopped":true}, or {"connected":..,"baud":..}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTag:
		return json.Marshal(e.Tag)
	case KindStopped:
		return []byte(`{"stopped":true}`), nil
	case KindConnection:
		return json.Marshal(struct {
			Connected bool `json:"connected"`
			Baud      int  `json:"baud,omitempty"`
		}{e.Connected, e.Baud})
	}
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
	}{e.Kind})
}
