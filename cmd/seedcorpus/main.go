// Command seedcorpus writes handshake-shaped starting traces into the archive
// folder the fuzzer replays on startup. ClientHello bodies come from the
// browser fingerprints utls knows about.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"

	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"

	"alma.local/evofuzz/corpus"
	"alma.local/evofuzz/protocol/tlsrecord"
	"alma.local/evofuzz/trace"
)

var (
	flagOut        = flag.String("out", "archive", "archive folder to write seed traces into")
	flagCompress   = flag.Bool("compress", false, "write snappy-compressed traces")
	flagServerName = flag.String("server-name", "localhost", "SNI placed in the ClientHellos")
)

var log = logrus.WithField("prefix", "seedcorpus")

var helloIDs = []utls.ClientHelloID{
	utls.HelloFirefox_65,
	utls.HelloChrome_83,
	utls.HelloIOS_12_1,
	utls.HelloEdge_85,
	utls.HelloSafari_13_1,
}

// shapes returns the seed traces built around one ClientHello.
func shapes(hello trace.Message) map[string]trace.Trace {
	serverFlight := []trace.Action{
		tlsrecord.Expect("ServerHello", tlsrecord.Handshake),
		tlsrecord.Expect("Certificate", tlsrecord.Handshake),
		tlsrecord.Expect("ServerHelloDone", tlsrecord.Handshake),
	}
	clientFinish := []trace.Action{
		tlsrecord.Send(tlsrecord.ClientKeyExchange()),
		tlsrecord.Send(tlsrecord.ChangeCipherSpecMessage()),
		tlsrecord.Send(tlsrecord.Finished()),
		tlsrecord.Expect("ChangeCipherSpec", tlsrecord.ChangeCipherSpec),
		tlsrecord.Expect("Finished", tlsrecord.Handshake),
	}
	join := func(parts ...[]trace.Action) trace.Trace {
		var t trace.Trace
		t.Actions = append(t.Actions, tlsrecord.Send(hello))
		for _, p := range parts {
			for _, a := range p {
				t.Actions = append(t.Actions, a.Clone())
			}
		}
		return t
	}
	appData := []trace.Action{
		tlsrecord.Send(tlsrecord.ApplicationDataMessage([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))),
		tlsrecord.Expect("ApplicationData", tlsrecord.ApplicationData),
	}
	heartbeat := []trace.Action{
		tlsrecord.Send(tlsrecord.HeartbeatRequest()),
		tlsrecord.Expect("Heartbeat", tlsrecord.Heartbeat),
	}
	return map[string]trace.Trace{
		"hello":     join(serverFlight),
		"handshake": join(serverFlight, clientFinish),
		"appdata":   join(serverFlight, clientFinish, appData),
		"heartbeat": join(serverFlight, heartbeat),
	}
}

func main() {
	flag.Parse()
	if err := os.MkdirAll(*flagOut, 0o755); err != nil {
		log.WithError(err).Fatal("Could not create output folder")
	}
	written := 0
	for _, id := range helloIDs {
		raw, err := tlsrecord.BrowserHello(id, *flagServerName)
		if err != nil {
			log.WithError(err).Warn("Skipping fingerprint")
			continue
		}
		hello, err := tlsrecord.SplitClientHello(raw)
		if err != nil {
			log.WithError(err).WithField("hello", id.Str()).Warn("Skipping fingerprint")
			continue
		}
		prefix := strings.ReplaceAll(id.Str(), " ", "_")
		for shape, t := range shapes(hello) {
			path := filepath.Join(*flagOut, prefix+"-"+shape)
			if err := corpus.WriteFile(path, t, *flagCompress); err != nil {
				log.WithError(err).Fatal("Could not write seed")
			}
			written++
		}
	}
	log.WithFields(logrus.Fields{"out": *flagOut, "traces": written}).Info("Seed corpus written")
}
