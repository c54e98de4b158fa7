// Command linkup is a headless client for the session layer: it connects
// to the relay, answers incoming calls and can place a call or run a chat
// with a peer from the terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"sync/atomic"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rkuiper/linkup/internal/call"
	"github.com/rkuiper/linkup/internal/chat"
	"github.com/rkuiper/linkup/internal/config"
	"github.com/rkuiper/linkup/internal/history"
	"github.com/rkuiper/linkup/internal/media"
	"github.com/rkuiper/linkup/internal/signal"
)

var log = logging.Logger("linkup")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	configPath = flag.String("config", "config.json", "path to config file")
	userID     = flag.String("id", "", "user id (used when creating a fresh config)")
	name       = flag.String("name", "", "display name (used when creating a fresh config)")
	callPeer   = flag.String("call", "", "place a call to this peer id and wait for it to end")
	callKind   = flag.String("kind", "video", "call kind: audio or video")
	chatPeer   = flag.String("chat", "", "open a chat with this peer id; lines from stdin are sent")
	logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	version    = flag.Bool("version", false, "show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("linkup v%s\n", appVersion)
		return
	}
	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	cfg, created, err := config.Ensure(*configPath, *userID, *name)
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if created {
		log.Infof("created %s for %s", *configPath, cfg.Identity.UserID)
	}

	// Config edits apply to the next call or chat without a restart.
	var current atomic.Value
	current.Store(cfg)
	watcher, err := config.Watch(*configPath, func(c config.Config) { current.Store(c) })
	if err != nil {
		log.Warnf("config reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := signal.Dial(ctx, cfg.Signal.URL, cfg.Identity.UserID)
	if err != nil {
		log.Errorf("connect to relay: %v", err)
		os.Exit(1)
	}
	defer ch.Close()

	mgr := call.New(ch, cfg.Identity.UserID, cfg.Identity.DisplayName,
		call.WithRingTimeout(cfg.Call.RingTimeout()))
	defer mgr.Close()

	mgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Infof("incoming %s call from %s, accepting", ic.Kind, ic.CallerName)
		go func() {
			if err := ic.Accept(); err != nil {
				log.Warnf("accept: %v", err)
			}
		}()
	})
	mgr.OnAccepted(func(s *call.Session) {
		c := current.Load().(config.Config)
		coord, err := media.Start(ch, s, c.Identity.UserID, media.NewDeviceEngine(), c.Call.StunServers)
		if err != nil {
			log.Errorf("media: %v", err)
			return
		}
		coord.OnRemoteTrack(func(sink *media.RemoteSink) {
			go drain(sink)
		})
	})

	stop := make(chan os.Signal, 1)
	osignal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	switch {
	case *callPeer != "":
		kind := signal.CallKind(*callKind)
		if kind != signal.CallKindAudio && kind != signal.CallKindVideo {
			fmt.Fprintf(os.Stderr, "invalid call kind %q, want audio or video\n", *callKind)
			os.Exit(1)
		}
		runCall(mgr, *callPeer, kind, stop)
	case *chatPeer != "":
		runChat(ch, current.Load().(config.Config), *chatPeer, stop)
	default:
		log.Infof("ready as %s, waiting for calls", cfg.Identity.UserID)
		<-stop
	}
}

func runCall(mgr *call.Manager, peerID string, kind signal.CallKind, stop chan os.Signal) {
	s, err := mgr.Invite(peerID, peerID, kind)
	if err != nil {
		log.Errorf("invite %s: %v", peerID, err)
		os.Exit(1)
	}
	select {
	case <-s.Done():
		log.Infof("call ended (%s)", s.Reason())
	case <-stop:
		s.Hangup()
	}
}

func runChat(ch signal.Channel, cfg config.Config, peerID string, stop chan os.Signal) {
	var store chat.Store
	if cfg.Chat.HistoryDir != "" {
		hs, err := history.Open(cfg.Chat.HistoryDir)
		if err != nil {
			log.Errorf("open history: %v", err)
			os.Exit(1)
		}
		defer hs.Close()
		store = hs
	}

	sess, err := chat.Open(ch, store, cfg.Identity.UserID, cfg.Identity.DisplayName, peerID, cfg.Chat.BufferSize)
	if err != nil {
		log.Errorf("open chat: %v", err)
		os.Exit(1)
	}
	defer sess.Close()

	for _, m := range sess.Messages() {
		printMessage(m)
	}
	inbox, cancel := sess.Subscribe()
	defer cancel()
	go func() {
		for m := range inbox {
			printMessage(m)
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if _, err := sess.Send(line); err != nil {
				log.Warnf("send: %v", err)
			}
		}
	}
}

func printMessage(m chat.Message) {
	mark := " "
	if m.Seen {
		mark = "✓"
	}
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	fmt.Printf("[%s] %s%s: %s\n", m.SentAt.Format("15:04"), name, mark, m.Text)
}

func drain(sink *media.RemoteSink) {
	n := 0
	for range sink.Packets() {
		n++
		if n == 1 {
			log.Infof("receiving remote %s", sink.Kind())
		}
	}
	log.Infof("remote %s ended after %d packets", sink.Kind(), n)
}
