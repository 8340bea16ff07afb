package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// TCPPublisher fans the event stream out to TCP subscribers, one JSON
// object per line. Slow subscribers lose messages rather than slow the
// cluster down.
type TCPPublisher struct {
	logger   zerolog.Logger
	bus      *Bus
	address  string
	listener net.Listener

	mu      sync.Mutex
	clients map[int]chan Message
	nextID  int
}

// NewTCPPublisher creates a publisher bound to the event port.
func NewTCPPublisher(bus *Bus, port int, logger zerolog.Logger) *TCPPublisher {
	return &TCPPublisher{
		logger:  logger.With().Str("component", "publisher").Logger(),
		bus:     bus,
		address: fmt.Sprintf(":%d", port),
		clients: make(map[int]chan Message),
	}
}

// Run serves subscribers until the context is cancelled.
func (p *TCPPublisher) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.address)
	if err != nil {
		return fmt.Errorf("failed to bind event port: %w", err)
	}
	p.listener = listener
	p.logger.Info().Str("address", p.address).Msg("event publisher listening")

	messages, cancel := p.bus.Subscribe(1024)
	defer cancel()

	go p.fanout(messages)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go p.serve(ctx, conn)
	}
}

// fanout relays bus messages into per-client buffers.
func (p *TCPPublisher) fanout(messages <-chan Message) {
	for message := range messages {
		p.mu.Lock()
		for id, ch := range p.clients {
			select {
			case ch <- message:
			default:
				p.logger.Debug().Int("client", id).Msg("subscriber lagging, delta dropped")
			}
		}
		p.mu.Unlock()
	}
}

func (p *TCPPublisher) serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ch := make(chan Message, 256)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.clients[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.clients, id)
		p.mu.Unlock()
	}()

	p.logger.Info().Int("client", id).Str("remote", conn.RemoteAddr().String()).
		Msg("subscriber connected")
	encoder := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-ch:
			if err := encoder.Encode(message); err != nil {
				p.logger.Info().Int("client", id).Err(err).Msg("subscriber gone")
				return
			}
		}
	}
}
