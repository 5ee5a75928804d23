package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/config"
	"dataq-logger/internal/decoder"
	"dataq-logger/internal/monitor"
	"dataq-logger/internal/storage"
	"dataq-logger/internal/transport"
)

// ErrNoDevices is returned by Run when discovery finds nothing to scan.
var ErrNoDevices = errors.New("no DATAQ devices found")

// Manager discovers devices, runs one session per device concurrently and
// feeds every reading to a single sink.
type Manager struct {
	Cfg       config.Config
	Enumerate transport.Enumerator
	Open      transport.Opener
	Sink      *storage.Sink
	Log       *logrus.Logger

	// PollInterval is how often session liveness is checked.
	PollInterval time.Duration

	mu       sync.Mutex
	lastID   int
	sessions []*Session
}

// Discover matches enumerated ports against the enabled families and
// appends the configured static ports.
func (m *Manager) Discover() ([]Descriptor, error) {
	var out []Descriptor
	seen := make(map[string]bool)

	enabled := make([]Family, 0, 2)
	if m.Cfg.Devices.DI1100.Enabled {
		enabled = append(enabled, DI1100Family{})
	}
	if m.Cfg.Devices.DI245.Enabled {
		enabled = append(enabled, DI245Family{})
	}

	if len(enabled) > 0 && m.Enumerate != nil {
		ports, err := m.Enumerate()
		if err != nil {
			return nil, err
		}
		for _, p := range ports {
			for _, f := range enabled {
				if p.VendorID != f.VendorID() || p.ProductID != f.ProductID() || seen[p.Name] {
					continue
				}
				seen[p.Name] = true
				m.log().Infof("%s found on %s", f.Name(), p.Name)
				out = append(out, Descriptor{VendorID: p.VendorID, ProductID: p.ProductID, Port: p.Name, Family: f})
			}
		}
	}

	for _, sp := range m.Cfg.Devices.Static {
		f, ok := FamilyByName(sp.Family)
		if !ok || seen[sp.Port] {
			continue
		}
		seen[sp.Port] = true
		out = append(out, Descriptor{VendorID: f.VendorID(), ProductID: f.ProductID(), Port: sp.Port, Family: f})
	}
	return out, nil
}

func (m *Manager) channelsFor(f Family) []string {
	switch f.(type) {
	case DI1100Family:
		return m.Cfg.Devices.DI1100.Channels
	case DI245Family:
		return m.Cfg.Devices.DI245.Channels
	}
	return nil
}

// nextID hands out device ids; ids are never reused.
func (m *Manager) nextID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID
}

// Sessions returns the sessions started so far.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.sessions...)
}

func (m *Manager) log() *logrus.Logger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

// Run starts a session per discovered device and blocks until every
// session is terminal: either all of them ended on their own, or ctx was
// cancelled and each has finished its stop cleanup. Failed sessions are
// not restarted. The sink is drained and closed before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if m.Sink == nil {
		return errors.New("collector: sink required")
	}
	open := m.Open
	if open == nil {
		open = transport.Open
	}

	descs, err := m.Discover()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return ErrNoDevices
	}

	queue := m.Cfg.Storage.QueueSize
	if queue <= 0 {
		queue = 1000
	}
	readings := make(chan decoder.Reading, queue)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		m.Sink.Run(readings)
	}()

	var wg sync.WaitGroup
	for _, d := range descs {
		s := NewSession(m.nextID(), d, m.channelsFor(d.Family), open, m.Cfg.Devices.Settle, m.log())
		m.mu.Lock()
		m.sessions = append(m.sessions, s)
		m.mu.Unlock()

		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Run(ctx, readings); err != nil {
				m.log().Errorf("session %d (%s) stopped: %v", s.ID, s.Desc.Port, err)
			}
		}(s)
	}
	monitor.ActiveSessions.Set(float64(len(descs)))

	allDone := make(chan struct{})
	go func() { wg.Wait(); close(allDone) }()

	poll := m.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-allDone:
			break wait
		case <-ticker.C:
			live := 0
			for _, s := range m.Sessions() {
				if !s.State().Terminal() {
					live++
				}
			}
			monitor.ActiveSessions.Set(float64(live))
		case <-ctx.Done():
			m.log().Info("stopping all devices...")
			<-allDone
			break wait
		}
	}
	monitor.ActiveSessions.Set(0)

	close(readings)
	<-sinkDone
	return m.Sink.Close()
}
