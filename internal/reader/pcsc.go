package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ebfe/scard"
	log "github.com/sirupsen/logrus"
)

// PCSC connects to cards through a PC/SC context.
type PCSC struct {
	mu  sync.Mutex
	ctx *scard.Context
}

func NewPCSC(ctx *scard.Context) *PCSC {
	return &PCSC{ctx: ctx}
}

func (p *PCSC) Connect(reader string) (Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	card, err := p.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

// statusSource is the part of a PC/SC context the monitor needs.
type statusSource interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Cancel() error
}

// Monitor polls a PC/SC context and reports reader arrival, removal and
// card presence changes as notifications.
type Monitor struct {
	src      statusSource
	interval time.Duration

	states  []scard.ReaderState
	lastErr string
}

func NewMonitor(src statusSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{src: src, interval: interval}
}

// Run reports notifications on out until ctx is cancelled, then closes out.
func (m *Monitor) Run(ctx context.Context, out chan<- Notification) {
	defer close(out)

	go func() {
		<-ctx.Done()
		// unblocks a pending GetStatusChange
		if err := m.src.Cancel(); err != nil {
			log.Warnf("PC/SC cancel: %v", err)
		}
	}()

	for ctx.Err() == nil {
		for _, n := range m.poll(ctx) {
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) []Notification {
	names, err := m.src.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		names, err = nil, nil
	}
	if err != nil {
		notes := m.failure(err)
		m.wait(ctx)
		return notes
	}

	notes := m.sync(names)
	if len(m.states) == 0 {
		m.wait(ctx)
		return notes
	}

	err = m.src.GetStatusChange(m.states, m.interval)
	switch {
	case err == nil:
	case errors.Is(err, scard.ErrTimeout), errors.Is(err, scard.ErrCancelled):
		return notes
	case errors.Is(err, scard.ErrUnknownReader), errors.Is(err, scard.ErrReaderUnavailable):
		// the next listing drops the reader
		return notes
	default:
		notes = append(notes, m.failure(err)...)
		m.wait(ctx)
		return notes
	}
	m.lastErr = ""

	for i := range m.states {
		st := &m.states[i]
		if st.EventState&scard.StateChanged == 0 {
			continue
		}
		ev := st.EventState &^ scard.StateChanged
		st.CurrentState = ev
		if ev&scard.StateUnavailable != 0 {
			continue
		}
		notes = append(notes, Notification{
			Kind:    StatusChanged,
			Reader:  st.Reader,
			Present: ev&scard.StatePresent != 0,
			Raw:     uint32(ev),
		})
	}
	return notes
}

// sync diffs the listed reader names against the tracked ones.
func (m *Monitor) sync(names []string) []Notification {
	var notes []Notification

	listed := make(map[string]bool, len(names))
	for _, name := range names {
		listed[name] = true
	}

	kept := m.states[:0]
	tracked := make(map[string]bool, len(m.states))
	for _, st := range m.states {
		if !listed[st.Reader] {
			notes = append(notes, Notification{Kind: Removed, Reader: st.Reader})
			continue
		}
		tracked[st.Reader] = true
		kept = append(kept, st)
	}
	m.states = kept

	for _, name := range names {
		if tracked[name] {
			continue
		}
		m.states = append(m.states, scard.ReaderState{Reader: name, CurrentState: scard.StateUnaware})
		notes = append(notes, Notification{Kind: Added, Reader: name})
	}
	return notes
}

// failure reports err once until the middleware recovers or the error changes.
func (m *Monitor) failure(err error) []Notification {
	if err.Error() == m.lastErr {
		return nil
	}
	m.lastErr = err.Error()
	return []Notification{{Kind: MiddlewareError, Err: err}}
}

func (m *Monitor) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.interval):
	}
}
