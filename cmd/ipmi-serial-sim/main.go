// ipmi-serial-sim wires a codec variant, a transport (a real tty or an
// in-process pipe loopback), the FRU registry and decoder registry, and the
// OEM dispatcher together into a runnable simulated BMC serial endpoint
// (SPEC_FULL.md §2 component 13, §6).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipmi-sim/serv/internal/fru"
	"github.com/ipmi-sim/serv/internal/loopback"
	"github.com/ipmi-sim/serv/internal/oem"
	"github.com/ipmi-sim/serv/internal/serial"
	"github.com/ipmi-sim/serv/internal/simdevice"
	"github.com/ipmi-sim/serv/internal/transport"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

var (
	flgCodec = kingpin.Flag("codec", "Codec variant: TerminalMode, Direct, or RadisysAscii.").
			Default(string(serial.VariantTerminalMode)).
			String()
	flgDevice = kingpin.Flag("device", "Serial device path, or - for an in-process pipe loopback self-test.").
			Default("-").
			String()
	flgBaud = kingpin.Flag("baud", "Baud rate, used only when --device names a real tty.").
		Default("9600").
		Uint32()
	flgBMCAddr = kingpin.Flag("bmc-addr", "IPMB address the simulated device answers on (e.g. 0x20).").
			Default("0x20").
			String()
	flgAttnChars = kingpin.Flag("attn-chars", "Bytes written on an empty-to-non-empty queue transition.").
			Default("").
			String()
	flgMetricsAddr = kingpin.Flag("metrics-addr", "Listen address for the Prometheus /metrics endpoint.").
			Default(":9216").
			String()
	flgFRUSize = kingpin.Flag("fru-size", "Size in bytes of the simulated FRU inventory area.").
			Default("64").
			Int()
	flgFRUDeviceID = kingpin.Flag("fru-device-id", "FRU device ID the simulated device answers for.").
			Default("0").
			String()
	flgMfgID = kingpin.Flag("oem-manufacturer-id", "Manufacturer ID (24-bit) reported by GET_DEVICE_ID.").
			Default("0").
			String()
	flgProductID = kingpin.Flag("oem-product-id", "Product ID (16-bit) reported by GET_DEVICE_ID.").
			Default("0").
			String()
	flgMaxReadChunk = kingpin.Flag("device-max-read-chunk", "Largest read the device will satisfy in one reply, 0 for no cap (demonstrates FRUReader's adaptive shrink).").
			Default("24").
			Int()
	flgBusyWrites = kingpin.Flag("device-busy-writes", "Number of leading writes the device answers busy before accepting (demonstrates FRUWriter's retry).").
			Default("2").
			Int()
)

func main() {
	kingpin.Parse()
	logger := log.New(os.Stderr, "ipmi-serial-sim: ", log.LstdFlags)

	bmcAddr, err := parseAddress(*flgBMCAddr)
	if err != nil {
		logger.Fatalf("--bmc-addr: %v", err)
	}
	fruDeviceID, err := parseByte(*flgFRUDeviceID)
	if err != nil {
		logger.Fatalf("--fru-device-id: %v", err)
	}
	mfgID, err := strconv.ParseUint(trimHex(*flgMfgID), hexBase(*flgMfgID), 24)
	if err != nil {
		logger.Fatalf("--oem-manufacturer-id: %v", err)
	}
	productID, err := strconv.ParseUint(trimHex(*flgProductID), hexBase(*flgProductID), 16)
	if err != nil {
		logger.Fatalf("--oem-product-id: %v", err)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Printf("metrics listening on %s", *flgMetricsAddr)
		if err := http.ListenAndServe(*flgMetricsAddr, nil); err != nil {
			logger.Printf("metrics server stopped: %v", err)
		}
	}()

	variant := serial.Variant(*flgCodec)
	seed := make([]byte, *flgFRUSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	device := simdevice.New(simdevice.Options{
		DeviceID:       fruDeviceID,
		ManufacturerID: uint32(mfgID),
		ProductID:      uint16(productID),
		FRUData:        seed,
		MaxReadChunk:   *flgMaxReadChunk,
		BusyWrites:     *flgBusyWrites,
	}, logger)

	if *flgDevice == "-" {
		runSelfTest(logger, variant, bmcAddr, fruDeviceID, uint32(mfgID), uint16(productID), device)
		return
	}

	port, err := transport.OpenSerialPort(*flgDevice, *flgBaud)
	if err != nil {
		logger.Fatalf("open %s: %v", *flgDevice, err)
	}
	defer port.Close()

	ch, err := serial.NewChannel(variant, port, device, bmcAddr, []byte(*flgAttnChars), true, logger)
	if err != nil {
		logger.Fatalf("new channel: %v", err)
	}
	device.SetChannel(ch)

	logger.Printf("serving %s on %s as %s", *flgDevice, bmcAddr, variant)
	if err := port.ReadLoop(context.Background(), ch.HandleChar); err != nil {
		logger.Fatalf("read loop: %v", err)
	}
}

// runSelfTest wires a device channel and a client channel back to back over
// an in-process pipe (SPEC_FULL.md §6's "-" device), then drives one OEM
// probe, one FRU read, and one FRU write through the pair so every
// component this module builds is exercised end to end without hardware.
func runSelfTest(logger *log.Logger, variant serial.Variant, bmcAddr ipmi.Address, fruDeviceID uint8, mfgID uint32, productID uint16, device *simdevice.Device) {
	clientToDeviceR, clientToDeviceW := io.Pipe()
	deviceToClientR, deviceToClientW := io.Pipe()

	deviceTransport := loopback.NewPipeTransport(deviceToClientW)
	clientTransport := loopback.NewPipeTransport(clientToDeviceW)

	client := loopback.NewClient(ipmi.Address(0x10), logger)

	deviceChannel, err := serial.NewChannel(variant, deviceTransport, device, bmcAddr, nil, false, logger)
	if err != nil {
		logger.Fatalf("new device channel: %v", err)
	}
	device.SetChannel(deviceChannel)

	clientChannel, err := serial.NewChannel(variant, clientTransport, client, bmcAddr, nil, false, logger)
	if err != nil {
		logger.Fatalf("new client channel: %v", err)
	}
	client.SetChannel(clientChannel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := loopback.FeedLoop(ctx, clientToDeviceR, deviceChannel.HandleChar); err != nil {
			logger.Printf("device feed loop: %v", err)
		}
	}()
	go func() {
		if err := loopback.FeedLoop(ctx, deviceToClientR, clientChannel.HandleChar); err != nil {
			logger.Printf("client feed loop: %v", err)
		}
	}()

	oemRegistry := oem.NewRegistry()
	oemRegistry.Register(oem.Handler{
		ManufacturerID: oem.ManufacturerID(mfgID),
		ProductID:      productID,
		Install: func(ctx context.Context, oc *oem.Channel) {
			logger.Printf("oem: handler installed for manufacturer 0x%06x product 0x%04x", mfgID, productID)
		},
	})

	probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := oem.Probe(probeCtx, client, bmcAddr, 0, oemRegistry); err != nil {
		logger.Printf("oem probe: %v", err)
	}
	probeCancel()

	decoders := fru.NewDecoderRegistry()
	decoders.Register(fru.RawDecoder{})

	fetchDone := make(chan struct{})
	writeResult := make(chan error, 1)
	var fetched *fru.RawRecord
	handle := fru.NewHandle(client, fru.Identity{
		DeviceAddress: bmcAddr,
		DeviceID:      fruDeviceID,
	}, func(h *fru.Handle, err error) {
		select {
		case <-fetchDone:
			// fru.Write reports its session outcome through this same callback.
			writeResult <- err
			return
		default:
		}
		if err != nil {
			logger.Printf("fru fetch: %v", err)
		} else if rec, ok := h.Record().(*fru.RawRecord); ok {
			fetched = rec
			logger.Printf("fru fetch: read %d bytes: % x", len(rec.Bytes()), rec.Bytes())
		}
		close(fetchDone)
	})

	registry := fru.NewRegistry()
	registry.Add(handle)

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 5*time.Second)
	go fru.Fetch(fetchCtx, handle, decoders)
	<-fetchDone
	fetchCancel()

	if fetched != nil {
		fetched.SetRange(0, []byte{0xAA, 0xBB, 0xCC})
		writeDone := make(chan struct{})
		handle.SetDestroyedHandler(func(h *fru.Handle) {
			logger.Printf("fru handle destroyed")
		})
		handle.SetLogger(func(format string, args ...interface{}) {
			logger.Printf(format, args...)
		})
		// Reuse the same handle for a write session; its record already
		// carries the pending dirty range from SetRange above.
		writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
		go func() {
			err := fru.Write(writeCtx, handle)
			if err == nil {
				err = <-writeResult
			}
			if err != nil {
				logger.Printf("fru write: %v", err)
			} else {
				logger.Printf("fru write: wrote %d bytes, device now holds: % x", 3, device.Snapshot())
			}
			close(writeDone)
		}()
		<-writeDone
		writeCancel()
	}

	registry.Remove(handle)
	logger.Printf("self-test complete, registry size %d", registry.Len())
}

func parseAddress(s string) (ipmi.Address, error) {
	b, err := parseByte(s)
	return ipmi.Address(b), err
}

func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(trimHex(s), hexBase(s), 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q: %w", s, err)
	}
	return uint8(v), nil
}

func trimHex(s string) string {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}

func hexBase(s string) int {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return 16
	}
	return 10
}
