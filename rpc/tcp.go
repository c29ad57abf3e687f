package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
)

// Envelope is the net/rpc argument/reply wrapper around an opaque
// capnp-encoded payload: net/rpc needs concrete Go types to gob-encode,
// so the capnp body travels as a byte blob inside it.
type Envelope struct {
	Opcode  uint8
	Payload []byte
}

// Service is the single net/rpc-registered method every TCP participant
// exposes; it fans out to whichever Handler was registered for the
// envelope's opcode, matching spec §6's "one opcode, type-discriminated
// body" shape at the transport layer.
type Service struct {
	mu       sync.Mutex
	handlers map[uint8]Handler
}

func newService() *Service { return &Service{handlers: make(map[uint8]Handler)} }

// Deliver is the exported net/rpc method peers call.
func (s *Service) Deliver(in Envelope, out *Envelope) error {
	s.mu.Lock()
	h := s.handlers[in.Opcode]
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("rpc: no handler registered for opcode %d", in.Opcode)
	}
	resp, err := h(in.Opcode, in.Payload)
	if err != nil {
		return err
	}
	*out = Envelope{Opcode: in.Opcode, Payload: resp}
	return nil
}

// TCP is a net/rpc-backed Transport: one listener per participant, one
// lazily-dialed client per peer address, calls issued asynchronously via
// rpc.Client.Go so AsyncSend never blocks its caller - the Go-native
// analogue of the original's Rpcc->asyncRPC.
type TCP struct {
	addr     string
	svc      *Service
	listener net.Listener

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// Listen starts a TCP transport bound to addr.
func Listen(addr string) (*TCP, error) {
	svc := newService()
	server := rpc.NewServer()
	if err := server.RegisterName("Inbac", svc); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &TCP{addr: ln.Addr().String(), svc: svc, listener: ln, clients: make(map[string]*rpc.Client)}
	go server.Accept(ln)
	return t, nil
}

func (t *TCP) LocalAddr() string { return t.addr }

func (t *TCP) RegisterHandler(opcode uint8, h Handler) {
	t.svc.mu.Lock()
	t.svc.handlers[opcode] = h
	t.svc.mu.Unlock()
}

func (t *TCP) client(addr string) (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[addr]; ok {
		return c, nil
	}
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.clients[addr] = c
	return c, nil
}

// AsyncSend dials (reusing a cached client) and issues the call via
// rpc.Client.Go, delivering the result to callback from a dedicated
// goroutine once the call completes or fails.
func (t *TCP) AsyncSend(addr string, opcode uint8, payload []byte, callback func([]byte, error)) {
	go func() {
		c, err := t.client(addr)
		if err != nil {
			if callback != nil {
				callback(nil, err)
			}
			return
		}
		args := Envelope{Opcode: opcode, Payload: payload}
		var reply Envelope
		call := c.Go("Inbac.Deliver", args, &reply, make(chan *rpc.Call, 1))
		res := <-call.Done
		if res.Error != nil {
			if callback != nil {
				callback(nil, res.Error)
			}
			return
		}
		if callback != nil {
			callback(reply.Payload, nil)
		}
	}()
}

// Close shuts down the listener and any cached client connections.
func (t *TCP) Close() error {
	t.mu.Lock()
	for _, c := range t.clients {
		_ = c.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}
