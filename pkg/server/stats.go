package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/protocol"
)

// subscriber is a statistics connection. It keeps its slot until dropped.
type subscriber struct {
	id     string
	conn   net.Conn
	since  time.Time
	logger *logging.Logger
	once   sync.Once
}

// SubscriberInfo describes a connected statistics subscriber
type SubscriberInfo struct {
	ID     string    `json:"id" yaml:"id"`
	Remote string    `json:"remote" yaml:"remote"`
	Since  time.Time `json:"since" yaml:"since"`
}

// subscribe registers conn for periodic frames and blocks until the client
// disconnects or the subscriber is dropped.
func (s *Server) subscribe(id string, conn net.Conn, reader *bufio.Reader, logger *logging.Logger) {
	sub := &subscriber{id: id, conn: conn, since: time.Now(), logger: logger}

	// closing is set before Shutdown drops subscribers, so checking it under
	// subsMu means every registered subscriber is seen by that drop
	s.subsMu.Lock()
	if s.closing.Load() {
		s.subsMu.Unlock()
		logger.Debug("Refusing statistics subscriber during shutdown")
		conn.Close()
		s.releaseSlot()
		return
	}
	s.subscribers[id] = sub
	n := len(s.subscribers)
	s.subsMu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSubscribers(n)
	}
	logger.Info("Statistics subscriber added", map[string]interface{}{"subscribers": n})

	// Subscribers send nothing after the command byte. Any read result
	// other than data means the peer is gone.
	conn.SetReadDeadline(time.Time{})
	io.Copy(io.Discard, reader)

	s.dropSubscriber(sub, "disconnected")
}

func (s *Server) dropSubscriber(sub *subscriber, reason string) {
	sub.once.Do(func() {
		s.subsMu.Lock()
		delete(s.subscribers, sub.id)
		n := len(s.subscribers)
		s.subsMu.Unlock()

		sub.conn.Close()
		s.releaseSlot()

		if s.metrics != nil {
			s.metrics.SetSubscribers(n)
		}
		sub.logger.Info("Statistics subscriber removed", map[string]interface{}{
			"reason":      reason,
			"subscribers": n,
		})
	})
}

func (s *Server) closeSubscribers() {
	for _, sub := range s.snapshotSubscribers() {
		s.dropSubscriber(sub, "shutdown")
	}
}

func (s *Server) snapshotSubscribers() []*subscriber {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// Subscribers lists the connected statistics subscribers
func (s *Server) Subscribers() []SubscriberInfo {
	subs := s.snapshotSubscribers()
	infos := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, SubscriberInfo{
			ID:     sub.id,
			Remote: sub.conn.RemoteAddr().String(),
			Since:  sub.since,
		})
	}
	return infos
}

// Snapshot returns the statistics frame subscribers would receive now
func (s *Server) Snapshot() (protocol.StatsFrame, error) {
	name, count, err := s.store.MostDownloaded()
	if err != nil {
		return protocol.StatsFrame{}, err
	}
	return protocol.StatsFrame{
		ActiveClients:  s.ActiveClients(),
		MostDownloaded: name,
		DownloadCount:  count,
	}, nil
}

// Broadcast sends one frame to every subscriber and drops the ones that
// cannot be written to. It returns the number of frames delivered.
func (s *Server) Broadcast() int {
	subs := s.snapshotSubscribers()
	if len(subs) == 0 {
		return 0
	}

	frame, err := s.Snapshot()
	if err != nil {
		s.logger.Error("Failed to read download statistics", map[string]interface{}{"error": err})
		return 0
	}
	payload, _ := frame.MarshalBinary()

	sent := 0
	for _, sub := range subs {
		if s.cfg.WriteTimeout > 0 {
			sub.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := sub.conn.Write(payload); err != nil {
			sub.logger.Debug("Failed to send statistics", map[string]interface{}{"error": err})
			s.dropSubscriber(sub, "write failed")
			continue
		}
		sent++
	}

	if s.metrics != nil {
		s.metrics.FramesSent(sent)
	}
	return sent
}

// StartStatsReporter broadcasts a frame every interval until ctx is
// cancelled or the server shuts down.
func (s *Server) StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.closing.Load() {
					return
				}
				s.Broadcast()
			}
		}
	}()
}
