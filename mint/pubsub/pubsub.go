// Package pubsub is a small in-process event bus. The mint publishes
// proof and quote state changes on it so observers (websocket
// subscriptions, tests) can follow operations as they commit.
package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
)

const (
	TopicProofStates    = "proof_states"
	TopicMintQuoteState = "mint_quote_state"
	TopicMeltQuoteState = "melt_quote_state"
)

// Event is what gets published: the ids affected and the state they
// moved to, stamped with the operation that moved them.
type Event struct {
	Ids         []string `json:"ids"`
	State       string   `json:"state"`
	OperationId string   `json:"operation_id,omitempty"`
}

type Message struct {
	topic   string
	payload []byte
}

func (m *Message) Topic() string   { return m.topic }
func (m *Message) Payload() []byte { return m.payload }

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]Subscribers),
	}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	s := newSubscriber()
	b.topics[topic][s.id] = s
	return s
}

func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	b.mu.Unlock()
}

// PublishEvent marshals the event and publishes it on the topic.
// Publishing happens after the storage transaction commits, so
// subscribers only ever see durable states.
func (b *PubSub) PublishEvent(topic string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.Publish(topic, payload)
}

func (b *PubSub) Publish(topic string, payload []byte) {
	b.mu.RLock()
	topicSubscribers := b.topics[topic]
	b.mu.RUnlock()

	for _, s := range topicSubscribers {
		m := &Message{topic: topic, payload: payload}
		go s.signal(m)
	}
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.RWMutex
}

func newSubscriber() *Subscriber {
	id := make([]byte, 32)
	rand.Read(id)

	return &Subscriber{
		id:       hex.EncodeToString(id),
		messages: make(chan *Message, 16),
		active:   true,
	}
}

func (s *Subscriber) signal(msg *Message) {
	s.mu.Lock()
	if s.active {
		s.messages <- msg
	}
	s.mu.Unlock()
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	close(s.messages)
}
