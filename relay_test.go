package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/mailchannels/relay/backends"
	"github.com/mailchannels/relay/log"
	"github.com/mailchannels/relay/mail"
)

func testLogger() log.Logger {
	l, _ := log.GetLogger("off", "error")
	return l
}

// fakeResolver serves canned DNS answers to the tests
type fakeResolver struct {
	mx    map[string][]*net.MX
	hosts map[string][]net.IPAddr
	ptr   map[string][]string
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if mxs, ok := f.mx[name]; ok {
		return mxs, nil
	}
	return nil, errors.New("no such domain")
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := f.hosts[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if names, ok := f.ptr[addr]; ok {
		return names, nil
	}
	return nil, errors.New("no PTR")
}

// memStore is an in-memory backends.Store for session and sender tests
type memStore struct {
	mu        sync.Mutex
	parts     map[string]*mail.Part
	inbound   []*backends.InboundItem
	messages  map[string]*backends.OutboundMessage
	items     []*backends.OutboundItem
	nextID    int
	saveError error
}

func newMemStore() *memStore {
	return &memStore{
		parts:    make(map[string]*mail.Part),
		messages: make(map[string]*backends.OutboundMessage),
	}
}

func (m *memStore) id() string {
	m.nextID++
	return string(rune('a' + m.nextID - 1))
}

func (m *memStore) Initialize(cfg backends.Config) error { return nil }
func (m *memStore) Shutdown() error                      { return nil }

func (m *memStore) SavePart(part *mail.Part) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return "", m.saveError
	}
	id := m.id()
	m.parts[id] = part
	return id, nil
}

func (m *memStore) SaveInbound(item *backends.InboundItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.inbound = append(m.inbound, item)
	return nil
}

func (m *memStore) SaveOutbound(msg *backends.OutboundMessage, forwardPaths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	if msg.ID == "" {
		msg.ID = m.id()
	}
	m.messages[msg.ID] = msg
	for _, path := range forwardPaths {
		m.items = append(m.items, &backends.OutboundItem{
			ID:          m.id(),
			MessageID:   msg.ID,
			ForwardPath: path,
			State:       backends.StateQueued,
			StateSince:  time.Now().UTC(),
		})
	}
	return nil
}

func (m *memStore) ListQueued() ([]*backends.OutboundItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*backends.OutboundItem
	for _, item := range m.items {
		if item.State == backends.StateQueued {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) FetchMessage(id string) (*backends.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		return msg, nil
	}
	return nil, errors.New("no such message")
}

func (m *memStore) UpdateItemState(itemID string, state backends.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.ID == itemID {
			item.State = state
			item.StateSince = time.Now().UTC()
			return nil
		}
	}
	return errors.New("no such item")
}

func (m *memStore) itemStates() map[string]backends.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]backends.State)
	for _, item := range m.items {
		out[item.ForwardPath] = item.State
	}
	return out
}
