package vpn

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

const (
	// tunOffset is the headroom reserved in front of every packet buffer;
	// some platforms write a packet information header there.
	tunOffset = 16
	// maxPacketSize bounds a single read including GSO-coalesced packets.
	maxPacketSize = 65535
)

// TUNDevice is the virtual interface used by the platform.
type TUNDevice = tun.Device

// ErrClosed is returned by PacketFlow reads after the interface is torn down.
var ErrClosed = errors.New("packet flow closed")

// PacketFlow reads outbound packets from the tunnel interface.
type PacketFlow interface {
	// ReadPackets blocks until a batch of packets is available. The returned
	// slices are only valid until the next call. After the interface is
	// torn down it returns an error matching ErrClosed.
	ReadPackets() ([][]byte, error)
}

// tunFlow is a PacketFlow over a wireguard TUN device.
type tunFlow struct {
	dev tun.Device

	mu    sync.Mutex
	bufs  [][]byte
	sizes []int
	out   [][]byte
}

func newTUNFlow(dev tun.Device, logger *slog.Logger) *tunFlow {
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	f := &tunFlow{
		dev:   dev,
		bufs:  make([][]byte, batch),
		sizes: make([]int, batch),
		out:   make([][]byte, 0, batch),
	}
	for i := range f.bufs {
		f.bufs[i] = make([]byte, tunOffset+maxPacketSize)
	}

	// The device blocks its event source when nobody drains it.
	go func() {
		for ev := range dev.Events() {
			logger.Debug("tun event", "event", ev)
		}
	}()

	return f
}

func (f *tunFlow) ReadPackets() ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.dev.Read(f.bufs, f.sizes, tunOffset)
	if err != nil && !(errors.Is(err, tun.ErrTooManySegments) && n > 0) {
		if errors.Is(err, os.ErrClosed) {
			return nil, errors.Join(ErrClosed, err)
		}
		return nil, err
	}

	f.out = f.out[:0]
	for i := 0; i < n; i++ {
		f.out = append(f.out, f.bufs[i][tunOffset:tunOffset+f.sizes[i]])
	}
	return f.out, nil
}

// BatchBytes returns the total length of the packets in a batch.
func BatchBytes(packets [][]byte) uint64 {
	var total uint64
	for _, p := range packets {
		total += uint64(len(p))
	}
	return total
}
