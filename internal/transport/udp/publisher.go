// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	applog "denoiser/internal/log"
	"denoiser/internal/transport"
)

// UDPPublisher sends the most recent training epoch as a fixed binary frame
// at a steady interval. Epochs that arrive between ticks are coalesced, so
// fast training never floods the receiver.
type UDPPublisher struct {
	sender   *UDPSender
	interval time.Duration

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects ticker, doneChan, latest and dirty.

	latest transport.EpochEvent
	dirty  bool

	sequenceNum  uint32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher creates a publisher over sender. A non-positive interval
// defaults to 100ms.
func NewUDPPublisher(interval time.Duration, sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
		applog.Warnf("UDPPublisher: Invalid interval provided, defaulting to %s", interval)
	}
	return &UDPPublisher{
		sender:       sender,
		interval:     interval,
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Start begins the periodic publishing goroutine. Calling Start on a running
// publisher is a no-op.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}
	ticker, doneChan := p.ticker, p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.flush()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to exit, waits for it and sends any
// pending epoch.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	p.flush()
	return nil
}

// Send records an EpochEvent for the next tick. Other events are ignored.
func (p *UDPPublisher) Send(event any) error {
	e, ok := event.(transport.EpochEvent)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.latest = e
	p.dirty = true
	p.mu.Unlock()
	return nil
}

// Close stops the publisher and closes the sender.
func (p *UDPPublisher) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.sender.Close()
}

/*
UDP Packet Structure (BigEndian)

+-------------------+---------+-------+--------------------------------+
| Field             | Type    | Bytes | Description                    |
|-------------------|---------|-------|--------------------------------|
| Sequence Number   | uint32  | 4     | Monotonically increasing       |
| Timestamp         | int64   | 8     | Nanoseconds since epoch        |
| Fold              | uint16  | 2     | 1-based fold                   |
| Epoch             | uint32  | 4     | 1-based epoch within the fold  |
| Flags             | uint8   | 1     | bit 0: validation improved     |
| Train Loss        | float32 | 4     |                                |
| Val Loss          | float32 | 4     |                                |
| Learning Rate     | float32 | 4     |                                |
+-------------------+---------+-------+--------------------------------+
*/

// PacketSize is the encoded frame length in bytes.
const PacketSize = 4 + 8 + 2 + 4 + 1 + 4 + 4 + 4

type frame struct {
	Seq          uint32
	Timestamp    int64
	Fold         uint16
	Epoch        uint32
	Flags        uint8
	TrainLoss    float32
	ValLoss      float32
	LearningRate float32
}

const flagImproved = 1

func (p *UDPPublisher) flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	e := p.latest
	p.dirty = false
	p.sequenceNum++
	seq := p.sequenceNum
	p.mu.Unlock()

	f := frame{
		Seq:          seq,
		Timestamp:    e.Time.UnixNano(),
		Fold:         uint16(e.Fold),
		Epoch:        uint32(e.Epoch),
		TrainLoss:    float32(e.TrainLoss),
		ValLoss:      float32(e.ValLoss),
		LearningRate: float32(e.LearningRate),
	}
	if e.Improved {
		f.Flags |= flagImproved
	}

	p.packetBuffer.Reset()
	if err := binary.Write(p.packetBuffer, binary.BigEndian, f); err != nil {
		applog.Errorf("UDPPublisher: Error packing frame: %v", err)
		return
	}
	if err := p.sender.Send(p.packetBuffer.Bytes()); err == nil {
		applog.Debugf("UDPPublisher: Sent packet %d", seq)
	}
}

// DecodePacket parses a frame produced by UDPPublisher.
func DecodePacket(data []byte) (seq uint32, e transport.EpochEvent, err error) {
	if len(data) != PacketSize {
		return 0, e, errors.New("udp: short packet")
	}
	var f frame
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &f); err != nil {
		return 0, e, err
	}
	return f.Seq, transport.EpochEvent{
		Type:         transport.TypeEpoch,
		Fold:         int(f.Fold),
		Epoch:        int(f.Epoch),
		TrainLoss:    float64(f.TrainLoss),
		ValLoss:      float64(f.ValLoss),
		LearningRate: float64(f.LearningRate),
		Improved:     f.Flags&flagImproved != 0,
		Time:         time.Unix(0, f.Timestamp),
	}, nil
}

var _ transport.Transport = (*UDPPublisher)(nil)
