// LanCall: CLI entry point.
//
// This tool places a two-party audio/video call between two machines on the
// same LAN. The host runs a small WebSocket relay that carries the
// offer/answer exchange; media then flows directly between the peers.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -listen, -relay, -stun, -mdns).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/lancall/internal/config"
	"github.com/1ureka/lancall/internal/discovery"
	"github.com/1ureka/lancall/internal/media"
	"github.com/1ureka/lancall/internal/negotiation"
	"github.com/1ureka/lancall/internal/relay"
	"github.com/1ureka/lancall/internal/session"
	"github.com/1ureka/lancall/internal/util"
)

var version = "dev"

const statsInterval = 30 * time.Second

// Menu entries of the call control prompt.
const (
	optStart = "Start call"
	optEnd   = "End call"
	optMute  = "Toggle mute"
	optVideo = "Toggle video"
	optQuit  = "Quit"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: host or client")
	listen := flag.String("listen", fmt.Sprintf(":%d", config.DefaultPort), "Relay listen address (host only)")
	relayAddr := flag.String("relay", "", "Relay address, e.g. 192.168.1.5 or ws://192.168.1.5:8765/ws (client only)")
	stun := flag.String("stun", "", "Comma-separated STUN URLs; leave empty on a LAN")
	mdns := flag.Bool("mdns", true, "Advertise (host) or discover (client) the relay via mDNS")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("LanCall v%s", version))
	pterm.Println()

	cfg := config.Config{
		Role:       config.Role(*role),
		ListenAddr: *listen,
		RelayURL:   *relayAddr,
		ICEServers: splitList(*stun),
		Advertise:  *mdns,
		Debug:      *debugMode,
	}

	// No -role flag → interactive mode.
	if cfg.Role == "" {
		askConfig(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("call session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// run wires the relay (host only), the media engine and the session
// controller, then hands control to the user until Quit or Ctrl+C.
func run(ctx context.Context, cfg config.Config) error {
	engine, err := media.NewPionEngine(media.PionConfig{ICEServers: cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to initialise media engine: %w", err)
	}

	var relayURL string

	switch cfg.Role {
	case config.RoleHost:
		srv := relay.NewServer()
		addr, err := srv.Start(cfg.ListenAddr)
		if err != nil {
			return err
		}
		defer srv.Close()

		if cfg.Advertise {
			if adv, err := discovery.Advertise(instanceName(), addr.Port); err != nil {
				util.LogWarning("mDNS advertisement disabled: %v", err)
			} else {
				defer adv.Close()
			}
		}

		printRelayInfo(addr.Port)
		relayURL = fmt.Sprintf("ws://127.0.0.1:%d/ws", addr.Port)

	case config.RoleClient:
		relayURL = cfg.RelayURL
		if relayURL == "" {
			relayURL, err = discoverRelay(ctx)
			if err != nil {
				return err
			}
		}
	}

	ctl := session.New(session.Options{
		Host:   cfg.Role == config.RoleHost,
		Engine: engine,
	})
	// Runs the end-call path synchronously so no device stays held.
	defer ctl.Close()

	if err := ctl.Connect(ctx, relayURL); err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}

	util.StartStatsReporter(ctx, statsInterval)
	go printEvents(ctl.Events())

	controlLoop(ctx, ctl)
	return nil
}

// controlLoop shows the call menu until the user quits or ctx is cancelled.
func controlLoop(ctx context.Context, ctl *session.Controller) {
	choices := make(chan string)
	go func() {
		defer close(choices)
		for {
			choice, err := pterm.DefaultInteractiveSelect.
				WithOptions([]string{optStart, optEnd, optMute, optVideo, optQuit}).
				WithDefaultText("Call control").
				Show()
			if err != nil {
				return
			}
			select {
			case choices <- choice:
			case <-ctx.Done():
				return
			}
			if choice == optQuit {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case choice, ok := <-choices:
			if !ok || choice == optQuit {
				return
			}
			handleChoice(ctl, choice)
		}
	}
}

func handleChoice(ctl *session.Controller, choice string) {
	switch choice {
	case optStart:
		// Failures are reported through the event stream.
		_ = ctl.StartCall()
	case optEnd:
		_ = ctl.EndCall()
	case optMute:
		if muted, err := ctl.ToggleMute(); err == nil {
			util.LogInfo("microphone %s", onOff(!muted))
		}
	case optVideo:
		if enabled, err := ctl.ToggleVideo(); err == nil {
			util.LogInfo("camera %s", onOff(enabled))
		}
	}
}

// printEvents renders controller events until the stream closes.
func printEvents(events <-chan session.Event) {
	for e := range events {
		switch e.Kind {
		case session.StateChanged:
			switch e.State {
			case negotiation.Connected:
				util.LogSuccess("call connected")
			case negotiation.Idle:
				util.LogInfo("call ended")
			case negotiation.Offering:
				util.LogInfo("calling peer...")
			case negotiation.Offered:
				util.LogInfo("answering incoming call...")
			}
		case session.Error:
			// Protocol errors are already logged by the controller.
			if e.ErrKind != session.KindProtocol {
				util.LogError("%s", e)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askConfig falls back to interactive prompts when no -role flag is given.
func askConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   (run the relay and wait for a call)", "Client (join a host on this LAN)"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		return
	}

	cfg.Role = config.RoleClient
	cfg.RelayURL = askRelay()
}

// askRelay prompts for a relay address until a valid one is entered. An
// empty answer selects mDNS discovery.
func askRelay() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host address (e.g. 192.168.1.5, empty to search the LAN)").
			Show()

		if strings.TrimSpace(raw) == "" {
			pterm.Println()
			return ""
		}

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// discoverRelay browses the LAN for a host's relay.
func discoverRelay(ctx context.Context) (string, error) {
	util.LogInfo("searching the LAN for a host...")

	b, err := discovery.NewBrowser()
	if err != nil {
		return "", err
	}
	relayURL, err := discovery.Find(ctx, b)
	if err != nil {
		return "", fmt.Errorf("%w; pass -relay with the host's address", err)
	}

	util.LogInfo("found host relay at %s", relayURL)
	return relayURL, nil
}

// printRelayInfo shows the address a client should use to reach this host.
func printRelayInfo(port int) {
	addr := fmt.Sprintf("%s:%d", config.LocalIP(), port)
	pterm.DefaultBox.
		WithTitle("Relay").
		Println(fmt.Sprintf("Address : %s\nClient  : lancall -role client -relay %s", addr, addr))
	pterm.Println()
	util.LogInfo("waiting for a peer to join...")
}

func instanceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "lancall"
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
