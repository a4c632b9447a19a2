// Package publish hands the exchanged process data out of the cyclic loop.
package publish

import (
	"sync/atomic"
	"time"
)

// Message is one cycle's process data. It owns its byte slices.
type Message struct {
	Cycle     uint64    `json:"cycle"`
	Timestamp time.Time `json:"ts"`
	Inputs    []byte    `json:"pdo_in"`
	Outputs   []byte    `json:"pdo_out"`
}

// Sink receives messages. Deliver must not block.
type Sink interface {
	Deliver(Message)
}

// Publisher copies the arena regions into a fresh Message per cycle.
type Publisher struct {
	sink      Sink
	published atomic.Uint64
}

// NewPublisher builds a Publisher. A nil sink discards messages.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink}
}

// Publish builds the message for one cycle and hands it off.
func (p *Publisher) Publish(cycle uint64, inputs, outputs []byte) {
	msg := Message{
		Cycle:     cycle,
		Timestamp: time.Now().UTC(),
		Inputs:    append([]byte(nil), inputs...),
		Outputs:   append([]byte(nil), outputs...),
	}
	if p.sink != nil {
		p.sink.Deliver(msg)
	}
	p.published.Add(1)
}

// Published returns the number of messages handed off.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}
