package csi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// PCAPSource replays CSI frames from a pcap capture of UDP datagrams. Each
// datagram payload on the configured destination port carries one CSV frame
// line (see ParseLine). The pure-Go pcapgo reader is used so replay works
// without libpcap.
type PCAPSource struct {
	file    *os.File
	reader  *pcapgo.Reader
	udpPort uint16

	// ParseErrors counts payloads skipped because they did not parse.
	ParseErrors int
	packets     int
}

// OpenPCAPSource opens a pcap file and filters for UDP datagrams addressed
// to udpPort.
func OpenPCAPSource(path string, udpPort uint16) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", path, err)
	}
	return &PCAPSource{file: f, reader: r, udpPort: udpPort}, nil
}

// Next returns the next frame decoded from the capture, or ErrExhausted at
// end of file.
func (p *PCAPSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		data, _, err := p.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("csi: pcap replay complete (%d packets)", p.packets)
			return Frame{}, ErrExhausted
		}
		if err != nil {
			return Frame{}, fmt.Errorf("pcap read failed: %w", err)
		}
		p.packets++

		packet := gopacket.NewPacket(data, p.reader.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || uint16(udp.DstPort) != p.udpPort || len(udp.Payload) == 0 {
			continue
		}

		f, err := ParseLine(string(udp.Payload))
		if err != nil {
			p.ParseErrors++
			monitoring.Logf("csi: skipping malformed pcap payload: %v", err)
			continue
		}
		return f, nil
	}
}

// Close closes the underlying file.
func (p *PCAPSource) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
