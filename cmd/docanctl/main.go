// Command docanctl stands up one DoCAN link from an INI file, optionally
// sends one message to a named connection at startup and logs its
// outcome, and keeps the link running until interrupted. Reassembled
// incoming messages go to a uds.Dispatcher with no subscribers, so they
// are not printed.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mbergman/godocan"
	"github.com/mbergman/godocan/pkg/metrics"
	"github.com/mbergman/godocan/pkg/uds"

	_ "github.com/mbergman/godocan/pkg/canbus/slcan"
	_ "github.com/mbergman/godocan/pkg/canbus/socketcan"
)

const tickPeriod = time.Millisecond

func main() {
	log.SetLevel(log.InfoLevel)

	interfaceType := flag.String("interface", "virtual", "bus backend: virtual, socketcan, slcan")
	channel := flag.String("channel", "docanctl", "bus channel/interface name (e.g. can0, /dev/ttyUSB0, or any shared name for -interface virtual)")
	configPath := flag.String("config", "", "path to a link config INI file (required)")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, e.g. :9110 (disabled if empty)")
	sendConn := flag.String("send-conn", "", "name of a [connection.*] section to send -send-data to at startup")
	sendData := flag.String("send-data", "", "hex-encoded payload to send via -send-conn")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "docanctl: -config is required")
		os.Exit(1)
	}

	link, err := docan.LoadLinkConfig(*configPath)
	if err != nil {
		log.WithField("error", err).Fatal("[DOCANCTL] loading link config")
	}

	codecConfig, err := link.BuildFrameCodecConfig()
	if err != nil {
		log.WithField("error", err).Fatal("[DOCANCTL] building frame codec config")
	}
	mapper := link.BuildMapper()
	codec := docan.NewFrameCodec(codecConfig, mapper)

	addressing, err := link.BuildAddressing()
	if err != nil {
		log.WithField("error", err).Fatal("[DOCANCTL] building addressing")
	}

	bus, err := docan.NewBus(*interfaceType, *channel)
	if err != nil {
		log.WithFields(log.Fields{"interface": *interfaceType, "channel": *channel, "error": err}).
			Fatal("[DOCANCTL] opening bus")
	}

	if *metricsAddr != "" {
		metrics.StartHTTP(*metricsAddr)
	}

	session := docan.NewSession(bus, addressing, link.Session)

	connections := link.BuildConnections(codec, mapper)
	byName := make(map[string]*docan.Connection, len(connections))
	for i, cc := range link.Connections {
		session.AddConnection(connections[i])
		byName[cc.Name] = connections[i]
	}

	dispatcher := uds.NewDispatcher(uds.NewJobTrie())
	session.SetMessageListener(dispatcher)

	if err := session.Connect(); err != nil {
		log.WithField("error", err).Fatal("[DOCANCTL] connecting bus")
	}
	defer session.Disconnect()

	if *sendConn != "" {
		conn, ok := byName[*sendConn]
		if !ok {
			log.WithField("connection", *sendConn).Fatal("[DOCANCTL] unknown connection name")
		}
		payload, err := hex.DecodeString(*sendData)
		if err != nil {
			log.WithField("error", err).Fatal("[DOCANCTL] decoding -send-data")
		}
		outcome, done := uds.NewSendOutcome()
		session.Send(conn, payload, outcome, nowMicros())
		go func() {
			cause := <-done
			log.WithField("cause", cause.String()).Info("[DOCANCTL] send completed")
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	log.WithFields(log.Fields{"interface": *interfaceType, "channel": *channel}).Info("[DOCANCTL] running")
	for {
		select {
		case <-ctx.Done():
			log.Info("[DOCANCTL] shutting down")
			return
		case now := <-ticker.C:
			session.CyclicTask(uint64(now.UnixMicro()))
		}
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
