package ll

import (
	"context"

	"github.com/chaz8081/blectl/internal/accessaddr"
	"github.com/chaz8081/blectl/internal/crc"
	"github.com/chaz8081/blectl/internal/radio"
)

// scanSwitchIntervalUS is the cadence at which the scanner cycles through
// the three advertising channels (spec §4.5: 10ms).
const scanSwitchIntervalUS = 10_000

// scanRXTimeoutMS bounds each per-channel RX attempt while scanning.
const scanRXTimeoutMS = 10

// ScanFilter allows the caller to accept advertisements beyond an exact
// address match (spec §4.5: "Filter callback may allow broader matches").
// advAddr is the advertiser's address parsed from the payload prefix.
type ScanFilter func(advAddr Addr, advData []byte) bool

// ScanResult describes a matched advertisement (spec §4.5: "capture RSSI
// and transition to Initiating").
type ScanResult struct {
	PeerAddr Addr
	RSSI     int
	Channel  int
}

// Scan programs the radio for the advertising channels and cycles through
// them until an advertisement matching target (or filter, if non-nil) is
// received, or ctx is cancelled.
func (e *Engine) Scan(ctx context.Context, target Addr, filter ScanFilter) (ScanResult, error) {
	e.ctx.State = Scanning
	defer func() {
		if e.ctx.State == Scanning {
			e.ctx.State = Idle
		}
	}()

	if err := e.radio.SetBLEPacketType(radio.PacketParams{CRCLengthBytes: 3, Whitening: true}); err != nil {
		return ScanResult{}, newErr("Scan", Radio, err)
	}

	chIdx := 0
	for {
		select {
		case <-ctx.Done():
			return ScanResult{}, newErr("Scan", Timeout, ctx.Err())
		default:
		}

		ch := AdvChannels[chIdx%len(AdvChannels)]
		chIdx++

		if err := e.programChannel(ch, accessaddr.Advertising, crc.AdvertisingInit); err != nil {
			return ScanResult{}, err
		}
		if err := e.radio.Receive(scanRXTimeoutMS); err != nil {
			return ScanResult{}, newErr("Scan", Radio, err)
		}

		status, err := e.radio.Status()
		if err != nil {
			return ScanResult{}, newErr("Scan", Radio, err)
		}
		_ = e.radio.ClearStatus(status)

		if !isRxOK(status) {
			e.clock.DelayUS(scanSwitchIntervalUS)
			continue
		}

		hdrBytes, err := e.radio.ReadBuffer(0, 2)
		if err != nil {
			return ScanResult{}, newErr("Scan", Radio, err)
		}
		hdr := DecodeAdvHeader([2]byte{hdrBytes[0], hdrBytes[1]})
		if !hdr.Type.IsScannable() {
			continue
		}

		body, err := e.radio.ReadBuffer(2, int(hdr.Length))
		if err != nil || len(body) < 6 {
			continue
		}
		var advAddr Addr
		copy(advAddr[:], body[:6])
		advData := body[6:]

		matched := advAddr == target
		if filter != nil {
			matched = matched || filter(advAddr, advData)
		}
		if !matched {
			continue
		}

		rssi, _ := e.radio.RSSI()
		e.ctx.PeerAddr = advAddr
		e.ctx.LastRSSI = rssi
		e.ctx.State = Initiating
		return ScanResult{PeerAddr: advAddr, RSSI: rssi, Channel: ch}, nil
	}
}

func isRxOK(status radio.IRQ) bool {
	return status&radio.IRQRxDone != 0 && status&radio.IRQSyncValid != 0 && status&radio.IRQCRCError == 0
}
