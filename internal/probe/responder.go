package probe

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Responder answers probes from remote sites. Latency probes received on the
// probe socket are echoed verbatim; datagrams on the bandwidth socket are
// counted and discarded.
type Responder struct {
	probeConn *net.UDPConn
	bwConn    *net.UDPConn

	echoed   atomic.Uint64
	bwBytes  atomic.Uint64
	bwFrames atomic.Uint64

	wg sync.WaitGroup
}

// ResponderStats is a snapshot of responder counters.
type ResponderStats struct {
	ProbesEchoed    uint64 `json:"probes_echoed"`
	BandwidthBytes  uint64 `json:"bandwidth_bytes"`
	BandwidthFrames uint64 `json:"bandwidth_frames"`
}

// StartResponder listens on probeAddr and, when non-empty, bwAddr (e.g. ":51822", ":51823").
func StartResponder(probeAddr, bwAddr string) (*Responder, error) {
	probeConn, err := listen(probeAddr)
	if err != nil {
		return nil, err
	}

	r := &Responder{probeConn: probeConn}
	if bwAddr != "" {
		bwConn, err := listen(bwAddr)
		if err != nil {
			_ = probeConn.Close()
			return nil, err
		}
		r.bwConn = bwConn
		r.wg.Add(1)
		go r.drain()
	}

	r.wg.Add(1)
	go r.echo()

	log.WithFields(log.Fields{
		"probe":     r.ProbeAddr(),
		"bandwidth": r.BandwidthAddr(),
	}).Info("Probe responder started")
	return r, nil
}

func listen(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// ProbeAddr returns the local address of the probe socket.
func (r *Responder) ProbeAddr() string {
	if r == nil || r.probeConn == nil {
		return ""
	}
	return r.probeConn.LocalAddr().String()
}

// BandwidthAddr returns the local address of the bandwidth socket, or "".
func (r *Responder) BandwidthAddr() string {
	if r == nil || r.bwConn == nil {
		return ""
	}
	return r.bwConn.LocalAddr().String()
}

// Stats returns the current counters.
func (r *Responder) Stats() ResponderStats {
	return ResponderStats{
		ProbesEchoed:    r.echoed.Load(),
		BandwidthBytes:  r.bwBytes.Load(),
		BandwidthFrames: r.bwFrames.Load(),
	}
}

// Close stops the responder and waits for its goroutines.
func (r *Responder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.probeConn != nil {
		errs = append(errs, r.probeConn.Close())
	}
	if r.bwConn != nil {
		errs = append(errs, r.bwConn.Close())
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Responder) echo() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.probeConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !IsProbe(buf[:n]) {
			continue
		}
		if _, err := r.probeConn.WriteToUDP(buf[:n], addr); err != nil {
			log.WithError(err).WithField("peer", addr.String()).Debug("Probe echo failed")
			continue
		}
		r.echoed.Add(1)
	}
}

func (r *Responder) drain() {
	defer r.wg.Done()
	buf := make([]byte, BandwidthPayloadSize*2)
	for {
		n, _, err := r.bwConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.bwBytes.Add(uint64(n))
		r.bwFrames.Add(1)
	}
}
